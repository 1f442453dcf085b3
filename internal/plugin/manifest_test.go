// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Molt Authors

package plugin_test

import (
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moltserver/molt/internal/plugin"
)

func TestParseManifest_ScriptPlugin(t *testing.T) {
	yaml := `
name: audit-log
version: 1.0.0
compat: ">= 0.1.0"
type: script
config-keys:
  - logging.level
requires:
  - usage-beacon
exports:
  - type: app
    id: audit
    title: Audit Log
    url: /app/audit
script-plugin:
  entry: main.lua
`
	m, err := plugin.ParseManifest([]byte(yaml))
	require.NoError(t, err)

	assert.Equal(t, "audit-log", m.Name)
	assert.Equal(t, "1.0.0", m.Version)
	assert.Equal(t, ">= 0.1.0", m.Compat)
	assert.Equal(t, plugin.TypeScript, m.Type)
	assert.Equal(t, []string{"logging.level"}, m.ConfigKeys)
	assert.Equal(t, []string{"usage-beacon"}, m.Requires)
	require.Len(t, m.Exports, 1)
	assert.Equal(t, "app", m.Exports[0].Type)
	assert.Equal(t, "audit", m.Exports[0].ID)
	require.NotNil(t, m.ScriptPlugin)
	assert.Equal(t, "main.lua", m.ScriptPlugin.Entry)
}

func TestParseManifest_BinaryPlugin(t *testing.T) {
	yaml := `
name: usage-beacon
version: 2.1.0
type: binary
binary-plugin:
  executable: usage-beacon-${os}-${arch}
`
	m, err := plugin.ParseManifest([]byte(yaml))
	require.NoError(t, err)

	assert.Equal(t, plugin.TypeBinary, m.Type)
	require.NotNil(t, m.BinaryPlugin)
	assert.Equal(t, "usage-beacon-${os}-${arch}", m.BinaryPlugin.Executable)
}

func TestParseManifest_InvalidName(t *testing.T) {
	tests := []struct {
		name     string
		plugName string
	}{
		{name: "uppercase not allowed", plugName: "Invalid-Name"},
		{name: "underscore not allowed", plugName: "invalid_name"},
		{name: "starts with number", plugName: "1plugin"},
		{name: "starts with dash", plugName: "-plugin"},
		{name: "empty name", plugName: `""`},
		{name: "trailing hyphen", plugName: "echo-"},
		{name: "name too long", plugName: "this-is-a-very-long-plugin-name-that-exceeds-the-maximum-allowed-length"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			yaml := `
name: ` + tt.plugName + `
version: 1.0.0
type: script
script-plugin:
  entry: main.lua
`
			_, err := plugin.ParseManifest([]byte(yaml))
			require.Error(t, err, "expected error for name %q", tt.plugName)
			assert.Contains(t, err.Error(), "name")
		})
	}
}

func TestParseManifest_ValidNames(t *testing.T) {
	tests := []struct {
		name     string
		plugName string
	}{
		{name: "simple", plugName: "echo"},
		{name: "with dash", plugName: "audit-log"},
		{name: "with numbers", plugName: "beacon123"},
		{name: "mixed", plugName: "audit-log-v2"},
		{name: "single char", plugName: "a"},
		{name: "exactly max length (64 chars)", plugName: "a234567890123456789012345678901234567890123456789012345678901234"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			yaml := `
name: ` + tt.plugName + `
version: 1.0.0
type: script
script-plugin:
  entry: main.lua
`
			m, err := plugin.ParseManifest([]byte(yaml))
			require.NoError(t, err, "ParseManifest() error for name %q", tt.plugName)
			require.NotNil(t, m)
			assert.Equal(t, tt.plugName, m.Name)
		})
	}
}

func TestParseManifest_MissingRequiredFields(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name: "missing name",
			yaml: `
version: 1.0.0
type: script
script-plugin:
  entry: main.lua
`,
			wantErr: "name",
		},
		{
			name: "missing version",
			yaml: `
name: test
type: script
script-plugin:
  entry: main.lua
`,
			wantErr: "version",
		},
		{
			name: "missing type",
			yaml: `
name: test
version: 1.0.0
script-plugin:
  entry: main.lua
`,
			wantErr: "type",
		},
		{
			name: "invalid type",
			yaml: `
name: test
version: 1.0.0
type: wasm
script-plugin:
  entry: main.lua
`,
			wantErr: "type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := plugin.ParseManifest([]byte(tt.yaml))
			require.Error(t, err, "expected error for %s", tt.name)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseManifest_MissingTypeSpecificConfig(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "script type without script-plugin",
			yaml: `
name: test
version: 1.0.0
type: script
`,
		},
		{
			name: "script type with missing entry",
			yaml: `
name: test
version: 1.0.0
type: script
script-plugin:
  something: else
`,
		},
		{
			name: "binary type without binary-plugin",
			yaml: `
name: test
version: 1.0.0
type: binary
`,
		},
		{
			name: "binary type with missing executable",
			yaml: `
name: test
version: 1.0.0
type: binary
binary-plugin:
  something: else
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := plugin.ParseManifest([]byte(tt.yaml))
			assert.Error(t, err, "expected error for %s", tt.name)
		})
	}
}

func TestParseManifest_InvalidYAML(t *testing.T) {
	yaml := `name: test
version: 1.0.0
type: [invalid`
	_, err := plugin.ParseManifest([]byte(yaml))
	assert.Error(t, err, "expected error for invalid YAML")
}

func TestParseManifest_EmptyInput(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
	}{
		{name: "nil input", input: nil},
		{name: "empty slice", input: []byte{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := plugin.ParseManifest(tt.input)
			assert.Error(t, err, "ParseManifest() should return error for empty input")
		})
	}
}

func TestParseManifest_InvalidVersion(t *testing.T) {
	tests := []struct {
		name    string
		version string
	}{
		{name: "not semver - plain text", version: "latest"},
		{name: "not semver - word", version: "banana"},
		{name: "not semver - spaces", version: "1.0.0 beta"},
		{name: "not semver - invalid prerelease", version: "1.0.0-"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			yaml := `
name: test
version: "` + tt.version + `"
type: script
script-plugin:
  entry: main.lua
`
			_, err := plugin.ParseManifest([]byte(yaml))
			require.Error(t, err, "expected error for version %q", tt.version)
			assert.Contains(t, err.Error(), "version")
		})
	}
}

func TestParseManifest_CompatConstraint(t *testing.T) {
	tests := []struct {
		name    string
		compat  string
		wantErr bool
	}{
		{name: "exact version", compat: "2.0.0"},
		{name: "greater than or equal", compat: ">= 1.0.0"},
		{name: "range", compat: ">= 1.0.0, < 2.0.0"},
		{name: "caret", compat: "^1.2.0"},
		{name: "tilde", compat: "~1.2.0"},
		{name: "wildcard", compat: "1.x"},
		{name: "invalid constraint", compat: "not-a-version", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			yaml := `
name: test
version: 1.0.0
compat: "` + tt.compat + `"
type: script
script-plugin:
  entry: main.lua
`
			m, err := plugin.ParseManifest([]byte(yaml))
			if tt.wantErr {
				require.Error(t, err, "expected error for compat %q", tt.compat)
				return
			}
			require.NoError(t, err, "ParseManifest() error for compat %q", tt.compat)
			assert.Equal(t, tt.compat, m.Compat)
		})
	}
}

func TestManifest_Compatible(t *testing.T) {
	host := semver.MustParse("0.3.1")

	tests := []struct {
		name   string
		compat string
		want   bool
	}{
		{name: "empty admits everything", compat: "", want: true},
		{name: "range admits host", compat: ">= 0.1.0, < 1.0.0", want: true},
		{name: "range excludes host", compat: ">= 1.0.0", want: false},
		{name: "tilde admits patch", compat: "~0.3.0", want: true},
		{name: "exact mismatch", compat: "0.2.0", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &plugin.Manifest{
				Name:    "test",
				Version: "1.0.0",
				Compat:  tt.compat,
				Type:    plugin.TypeScript,
				ScriptPlugin: &plugin.ScriptConfig{
					Entry: "main.lua",
				},
			}
			got, err := m.Compatible(host)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestManifest_Prefix(t *testing.T) {
	m := &plugin.Manifest{Name: "audit-log"}
	assert.Equal(t, "audit-log", m.Prefix())

	m.ConfigPrefix = "audit"
	assert.Equal(t, "audit", m.Prefix())
}

func TestManifest_Grants(t *testing.T) {
	m := &plugin.Manifest{
		Name:       "audit-log",
		ConfigKeys: []string{"logging.level", "server.basePath"},
	}

	grants := m.Grants()
	assert.Equal(t, []string{"logging.level", "server.basePath", "audit-log.**"}, grants)
}

func TestParseManifest_UnknownExportTypeAccepted(t *testing.T) {
	// Parsing keeps unknown export types; classification rejects them
	// later so the whole scan fails loudly instead of one manifest
	// being quietly skipped.
	yaml := `
name: test
version: 1.0.0
type: script
exports:
  - type: chrome-extension
    id: weird
script-plugin:
  entry: main.lua
`
	m, err := plugin.ParseManifest([]byte(yaml))
	require.NoError(t, err)
	require.Len(t, m.Exports, 1)
	assert.Equal(t, "chrome-extension", m.Exports[0].Type)
}
