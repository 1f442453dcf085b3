// Package plugin discovers legacy plugins and manages their lifecycle.
package plugin

import (
	"fmt"
	"regexp"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// Type identifies the plugin runtime.
type Type string

// Plugin types supported by the host.
const (
	TypeScript Type = "script"
	TypeBinary Type = "binary"
)

// Manifest represents a plugin.yaml file.
type Manifest struct {
	Name         string        `yaml:"name" json:"name"`
	Version      string        `yaml:"version" json:"version"`
	Compat       string        `yaml:"compat,omitempty" json:"compat,omitempty"`
	Type         Type          `yaml:"type" json:"type"`
	ConfigPrefix string        `yaml:"config-prefix,omitempty" json:"config-prefix,omitempty"`
	ConfigKeys   []string      `yaml:"config-keys,omitempty" json:"config-keys,omitempty"`
	Requires     []string      `yaml:"requires,omitempty" json:"requires,omitempty"`
	Exports      []Export      `yaml:"exports,omitempty" json:"exports,omitempty"`
	ScriptPlugin *ScriptConfig `yaml:"script-plugin,omitempty" json:"script-plugin,omitempty"`
	BinaryPlugin *BinaryConfig `yaml:"binary-plugin,omitempty" json:"binary-plugin,omitempty"`
}

// Export declares one UI surface contribution. Type selects the export
// kind; which other fields matter depends on it.
type Export struct {
	Type   string         `yaml:"type" json:"type"`
	ID     string         `yaml:"id,omitempty" json:"id,omitempty"`
	Title  string         `yaml:"title,omitempty" json:"title,omitempty"`
	URL    string         `yaml:"url,omitempty" json:"url,omitempty"`
	Icon   string         `yaml:"icon,omitempty" json:"icon,omitempty"`
	Order  int            `yaml:"order,omitempty" json:"order,omitempty"`
	Hidden bool           `yaml:"hidden,omitempty" json:"hidden,omitempty"`
	Values map[string]any `yaml:"values,omitempty" json:"values,omitempty"`
}

// ScriptConfig holds script-plugin configuration.
type ScriptConfig struct {
	Entry string `yaml:"entry" json:"entry"`
}

// BinaryConfig holds binary plugin configuration.
type BinaryConfig struct {
	Executable string `yaml:"executable" json:"executable"`
}

// maxNameLength is the maximum allowed length for plugin names.
const maxNameLength = 64

// namePattern validates plugin names: must start with lowercase letter,
// followed by lowercase letters, digits, or hyphens.
// Cannot end with a hyphen. Single character names are allowed.
var namePattern = regexp.MustCompile(`^[a-z]([a-z0-9-]*[a-z0-9])?$`)

// ParseManifest parses and validates a plugin.yaml file.
func ParseManifest(data []byte) (*Manifest, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("manifest data is empty")
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

// Validate checks manifest constraints. Export entries of unknown type
// pass here; classifying them is discovery's job, where an unknown type
// is a fatal configuration error rather than a skippable manifest fault.
func (m *Manifest) Validate() error {
	if m.Name == "" || !namePattern.MatchString(m.Name) {
		return fmt.Errorf("name %q must start with a-z, contain only a-z, 0-9, hyphens, and not end with a hyphen", m.Name)
	}
	if len(m.Name) > maxNameLength {
		return fmt.Errorf("name must be %d characters or less, got %d", maxNameLength, len(m.Name))
	}

	if m.Version == "" {
		return fmt.Errorf("version is required")
	}
	if _, err := semver.NewVersion(m.Version); err != nil {
		return fmt.Errorf("version %q is not valid semver: %w", m.Version, err)
	}

	if m.Compat != "" {
		if _, err := semver.NewConstraint(m.Compat); err != nil {
			return fmt.Errorf("compat %q is not a valid version range: %w", m.Compat, err)
		}
	}

	switch m.Type {
	case TypeScript:
		if m.ScriptPlugin == nil {
			return fmt.Errorf("script-plugin is required when type is script")
		}
		if m.ScriptPlugin.Entry == "" {
			return fmt.Errorf("script-plugin.entry is required")
		}
	case TypeBinary:
		if m.BinaryPlugin == nil {
			return fmt.Errorf("binary-plugin is required when type is binary")
		}
		if m.BinaryPlugin.Executable == "" {
			return fmt.Errorf("binary-plugin.executable is required")
		}
	default:
		return fmt.Errorf("type must be 'script' or 'binary', got %q", m.Type)
	}

	return nil
}

// Prefix returns the plugin's config namespace: config-prefix when set,
// otherwise the plugin name.
func (m *Manifest) Prefix() string {
	if m.ConfigPrefix != "" {
		return m.ConfigPrefix
	}
	return m.Name
}

// Grants returns the full set of config-key patterns the plugin may
// read: the declared config-keys plus its own prefix subtree.
func (m *Manifest) Grants() []string {
	grants := make([]string, 0, len(m.ConfigKeys)+1)
	grants = append(grants, m.ConfigKeys...)
	grants = append(grants, m.Prefix()+".**")
	return grants
}

// Compatible reports whether the plugin's compat range admits the host
// version. An empty compat range admits everything.
func (m *Manifest) Compatible(hostVersion *semver.Version) (bool, error) {
	if m.Compat == "" {
		return true, nil
	}
	c, err := semver.NewConstraint(m.Compat)
	if err != nil {
		return false, fmt.Errorf("compat %q is not a valid version range: %w", m.Compat, err)
	}
	return c.Check(hostVersion), nil
}
