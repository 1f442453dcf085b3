package plugin

import "context"

// Host manages a specific plugin runtime type.
type Host interface {
	// Load initializes a plugin from its spec with the config subset
	// the plugin is granted.
	Load(ctx context.Context, spec *Spec, settings map[string]any) error

	// ApplySettings forwards a changed config subset to a loaded plugin.
	ApplySettings(ctx context.Context, name string, settings map[string]any) error

	// Unload tears down a plugin.
	Unload(ctx context.Context, name string) error

	// Plugins returns names of all loaded plugins.
	Plugins() []string

	// Close shuts down the host and all plugins.
	Close(ctx context.Context) error
}
