package plugin

import (
	"sort"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// State describes where a plugin is in its lifecycle.
type State string

const (
	// StateDiscovered means the manifest was accepted but the plugin has
	// not been handed to a host yet.
	StateDiscovered State = "discovered"
	// StateLoaded means the owning host initialized the plugin.
	StateLoaded State = "loaded"
	// StateFailed means the owning host rejected the plugin at load time.
	StateFailed State = "failed"
	// StateStopped means the plugin was shut down.
	StateStopped State = "stopped"
)

// LoadedPlugin is a registry entry for one discovered plugin.
type LoadedPlugin struct {
	Spec     *Spec
	State    State
	LoadedAt time.Time
	// Err holds the load failure when State is StateFailed.
	Err error
}

// Registry tracks every plugin the host knows about, keyed by name.
// Reads come from HTTP handlers and the dispatcher concurrently with
// state transitions, so entries live in a sharded concurrent map.
type Registry struct {
	entries cmap.ConcurrentMap[string, *LoadedPlugin]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: cmap.New[*LoadedPlugin]()}
}

// Add records a freshly discovered plugin. Duplicate names are the
// caller's problem; discovery rejects them before registration.
func (r *Registry) Add(spec *Spec) {
	r.entries.Set(spec.Name(), &LoadedPlugin{
		Spec:  spec,
		State: StateDiscovered,
	})
}

// Get returns the entry for name, or false when unknown.
func (r *Registry) Get(name string) (*LoadedPlugin, bool) {
	return r.entries.Get(name)
}

// SetState transitions a plugin to the given state. A nil err is stored
// as-is; StateFailed callers pass the load error for /api/plugins.
func (r *Registry) SetState(name string, state State, err error) {
	entry, ok := r.entries.Get(name)
	if !ok {
		return
	}
	updated := *entry
	updated.State = state
	updated.Err = err
	if state == StateLoaded {
		updated.LoadedAt = time.Now()
	}
	r.entries.Set(name, &updated)
}

// Names returns all registered plugin names in sorted order.
func (r *Registry) Names() []string {
	names := r.entries.Keys()
	sort.Strings(names)
	return names
}

// Snapshot returns a point-in-time copy of all entries, sorted by name.
func (r *Registry) Snapshot() []*LoadedPlugin {
	out := make([]*LoadedPlugin, 0, r.entries.Count())
	for _, name := range r.Names() {
		if entry, ok := r.entries.Get(name); ok {
			out = append(out, entry)
		}
	}
	return out
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	return r.entries.Count()
}
