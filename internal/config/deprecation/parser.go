// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Molt Authors

package deprecation

import (
	"fmt"
	"log/slog"

	"github.com/alecthomas/participle/v2"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
)

// parser is the singleton participle parser instance.
var parser *participle.Parser[Rule]

func init() {
	var err error
	parser, err = NewParser()
	if err != nil {
		panic(fmt.Sprintf("failed to build deprecation rule parser: %v", err))
	}
}

// NewParser constructs a participle parser for the Rule grammar.
func NewParser() (*participle.Parser[Rule], error) {
	p, err := participle.Build[Rule](
		participle.Lexer(ruleLexer),
	)
	if err != nil {
		return nil, oops.Wrapf(err, "building rule grammar")
	}
	return p, nil
}

// Parse parses a single rule string into an AST.
// Returns a descriptive error with position info on failure.
func Parse(text string) (*Rule, error) {
	rule, err := parser.ParseString("", text)
	if err != nil {
		return nil, oops.Code("CONFIG_DEPRECATION_RULE").
			With("rule", text).
			Wrapf(err, "parsing deprecation rule")
	}
	return rule, nil
}

// ParseRules parses a list of rule strings, failing on the first bad rule.
func ParseRules(texts []string) ([]*Rule, error) {
	rules := make([]*Rule, 0, len(texts))
	for _, text := range texts {
		rule, err := Parse(text)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// Apply runs every rule against the loaded config tree. Matches are
// logged at warn level so operators notice settings due for migration.
func Apply(k *koanf.Koanf, rules []*Rule, log *slog.Logger) error {
	for _, rule := range rules {
		switch {
		case rule.Rename != nil:
			if err := applyRename(k, rule.Rename, log); err != nil {
				return err
			}
		case rule.Unused != nil:
			applyUnused(k, rule.Unused, log)
		}
	}
	return nil
}

func applyRename(k *koanf.Koanf, r *RenameRule, log *slog.Logger) error {
	from, to := r.From.String(), r.To.String()
	if !k.Exists(from) {
		return nil
	}
	value := k.Get(from)
	k.Delete(from)
	if k.Exists(to) {
		// Both old and new keys set: the new key wins, the old one is dropped.
		log.Warn("deprecated setting ignored: replacement also set",
			"deprecated", from,
			"replacement", to,
		)
		return nil
	}
	if err := k.Set(to, value); err != nil {
		return oops.Code("CONFIG_DEPRECATION_RULE").
			With("from", from).
			With("to", to).
			Wrapf(err, "migrating renamed setting")
	}
	log.Warn("deprecated setting renamed",
		"deprecated", from,
		"replacement", to,
	)
	return nil
}

func applyUnused(k *koanf.Koanf, r *UnusedRule, log *slog.Logger) {
	path := r.Path.String()
	if !k.Exists(path) {
		return
	}
	k.Delete(path)
	log.Warn("unused setting dropped", "setting", path)
}
