// Package capability restricts which config settings each legacy plugin
// may observe.
//
// Pattern matching uses gobwas/glob with '.' as the segment separator:
//   - '*' matches a single segment (does not cross '.')
//   - '**' matches zero or more segments (crosses '.')
//
// Examples:
//   - "server.ssl.*" matches "server.ssl.enabled" but NOT "server.ssl.client.ca"
//   - "server.**" matches both "server.port" AND "server.ssl.enabled"
//   - "**" matches any setting
package capability

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gobwas/glob"
)

// compiledGrant holds a pattern and its compiled glob for efficient matching.
type compiledGrant struct {
	pattern string
	glob    glob.Glob
}

// Enforcer checks plugin config-key grants at runtime.
//
// Enforcer is safe for concurrent use. The zero value is ready to use
// without calling NewEnforcer.
type Enforcer struct {
	grants map[string][]compiledGrant // plugin name -> compiled grants
	mu     sync.RWMutex
}

// NewEnforcer creates a grant enforcer.
func NewEnforcer() *Enforcer {
	return &Enforcer{
		grants: make(map[string][]compiledGrant),
	}
}

// SetGrants configures the config keys a plugin may read. Returns an
// error if the plugin name is empty or any pattern is invalid.
//
// The patterns slice is copied, so callers may safely modify it after
// the call returns. Calling SetGrants again for the same plugin replaces
// all previous grants. If validation fails, no changes are made to the
// enforcer's state (atomic all-or-nothing semantics).
//
// Invalid patterns (will return error):
//   - Empty string
//   - Invalid glob syntax (e.g., unclosed brackets)
func (e *Enforcer) SetGrants(plugin string, patterns []string) error {
	if plugin == "" {
		return errors.New("plugin name cannot be empty")
	}

	// Compile all patterns before acquiring lock (fail-fast, atomic)
	compiled := make([]compiledGrant, len(patterns))
	for i, pattern := range patterns {
		if pattern == "" {
			return fmt.Errorf("grant %d: empty key pattern", i)
		}
		// Compile with '.' as separator so '*' doesn't cross segment boundaries
		g, err := glob.Compile(pattern, '.')
		if err != nil {
			return fmt.Errorf("grant %d (%q): %w", i, pattern, err)
		}
		compiled[i] = compiledGrant{pattern: pattern, glob: g}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Initialize map if zero-value struct
	if e.grants == nil {
		e.grants = make(map[string][]compiledGrant)
	}

	e.grants[plugin] = compiled
	return nil
}

// IsRegistered returns true if the plugin has been registered via SetGrants.
// Returns false for empty plugin names (which cannot be registered via SetGrants).
// This helps distinguish "plugin not registered" from "plugin lacks access".
func (e *Enforcer) IsRegistered(plugin string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.grants == nil {
		return false
	}
	_, ok := e.grants[plugin]
	return ok
}

// RemoveGrants unregisters a plugin, removing all its grants.
// Safe to call for unknown plugins or on a zero-value Enforcer.
func (e *Enforcer) RemoveGrants(plugin string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.grants == nil {
		return
	}
	delete(e.grants, plugin)
}

// GetGrants returns a copy of the key patterns granted to a plugin.
// Returns nil if the plugin is not registered.
func (e *Enforcer) GetGrants(plugin string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.grants == nil {
		return nil
	}
	grants, ok := e.grants[plugin]
	if !ok {
		return nil
	}
	// Return defensive copy of pattern strings
	patterns := make([]string, len(grants))
	for i, g := range grants {
		patterns[i] = g.pattern
	}
	return patterns
}

// ListPlugins returns a list of all registered plugin names.
// Returns an empty slice (not nil) if no plugins are registered.
// Order is not guaranteed.
func (e *Enforcer) ListPlugins() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if len(e.grants) == 0 {
		return []string{}
	}

	plugins := make([]string, 0, len(e.grants))
	for name := range e.grants {
		plugins = append(plugins, name)
	}
	return plugins
}

// Check returns true if the plugin may read the given config key.
//
// Returns false in these cases (no error, deny by default):
//   - Empty plugin name
//   - Empty key
//   - Unknown plugin (not registered via SetGrants)
//   - No grant pattern matches the key
func (e *Enforcer) Check(plugin, key string) bool {
	if key == "" {
		return false
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	// Handle zero-value struct
	if e.grants == nil {
		return false
	}

	grants, ok := e.grants[plugin]
	if !ok {
		return false
	}

	for _, grant := range grants {
		if grant.glob.Match(key) {
			return true
		}
	}
	return false
}

// Filter returns the subset of a flattened settings map the plugin may
// read. The input map is never modified. An unregistered plugin gets an
// empty map.
func (e *Enforcer) Filter(plugin string, flat map[string]any) map[string]any {
	e.mu.RLock()
	grants := e.grants[plugin]
	e.mu.RUnlock()

	out := make(map[string]any)
	if len(grants) == 0 {
		return out
	}
	for key, value := range flat {
		for _, grant := range grants {
			if grant.glob.Match(key) {
				out[key] = value
				break
			}
		}
	}
	return out
}
