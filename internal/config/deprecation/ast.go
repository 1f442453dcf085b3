// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Molt Authors

// Package deprecation defines the AST types for legacy setting
// deprecation rules and provides a parser built with participle.
// Rules migrate or retire settings that older config files still carry.
package deprecation

import (
	"strings"

	"github.com/alecthomas/participle/v2/lexer"
)

// ruleLexer defines the token types for the rule DSL. Paths are dotted
// identifier chains, matching the flattened config key syntax.
var ruleLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Dot", Pattern: `\.`},
	{Name: "Ident", Pattern: `[a-zA-Z_]\w*`},
	{Name: "whitespace", Pattern: `\s+`},
})

// Rule represents a single deprecation statement.
//
// Grammar: "rename" path "to" path | "unused" path
type Rule struct {
	Pos    lexer.Position `parser:""`
	Rename *RenameRule    `parser:"  @@"`
	Unused *UnusedRule    `parser:"| @@"`
}

// RenameRule matches: "rename" old_path "to" new_path
type RenameRule struct {
	Pos  lexer.Position `parser:""`
	From *Path          `parser:"'rename' @@"`
	To   *Path          `parser:"'to' @@"`
}

// UnusedRule matches: "unused" path
type UnusedRule struct {
	Pos  lexer.Position `parser:""`
	Path *Path          `parser:"'unused' @@"`
}

// Path represents a dotted config path like "server.ssl.certificate".
type Path struct {
	Pos   lexer.Position `parser:""`
	Parts []string       `parser:"@Ident (Dot @Ident)*"`
}

func (p *Path) String() string {
	return strings.Join(p.Parts, ".")
}
