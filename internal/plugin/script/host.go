// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Molt Authors

package script

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"

	plugins "github.com/moltserver/molt/internal/plugin"
)

// Compile-time interface check.
var _ plugins.Host = (*Host)(nil)

// scriptPlugin holds the loaded source and current settings for one
// plugin. States are throwaway; the source is re-run per invocation.
type scriptPlugin struct {
	spec     *plugins.Spec
	code     string
	settings map[string]any
}

// Host manages script plugins. Each lifecycle hook runs in a fresh
// sandboxed state, so plugins cannot accumulate hidden global state
// between invocations.
type Host struct {
	factory *StateFactory
	funcs   *Functions
	plugins map[string]*scriptPlugin
	mu      sync.RWMutex
	closed  bool
}

// NewHost creates a script host without host functions.
func NewHost() *Host {
	return &Host{
		factory: NewStateFactory(),
		plugins: make(map[string]*scriptPlugin),
	}
}

// NewHostWithFunctions creates a script host whose plugins can call the
// molt.* API. Panics if funcs is nil, consistent with NewFunctions.
func NewHostWithFunctions(funcs *Functions) *Host {
	if funcs == nil {
		panic("script.NewHostWithFunctions: funcs cannot be nil")
	}
	return &Host{
		factory: NewStateFactory(),
		funcs:   funcs,
		plugins: make(map[string]*scriptPlugin),
	}
}

// Load reads, syntax-checks, and initializes a script plugin. The
// on_init hook, when defined, receives the granted settings; a failing
// on_init rejects the load.
func (h *Host) Load(ctx context.Context, spec *plugins.Spec, settings map[string]any) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return oops.In("script").With("plugin", spec.Name()).With("operation", "load").New("host is closed")
	}

	entryPath := filepath.Join(spec.Dir, spec.Manifest.ScriptPlugin.Entry)
	code, err := os.ReadFile(filepath.Clean(entryPath))
	if err != nil {
		h.mu.Unlock()
		return oops.In("script").With("plugin", spec.Name()).With("operation", "load").With("path", entryPath).Hint("failed to read entry file").Wrap(err)
	}

	// Syntax check in a throwaway state before accepting the plugin.
	L, err := h.factory.NewState(ctx)
	if err != nil {
		h.mu.Unlock()
		return oops.In("script").With("plugin", spec.Name()).With("operation", "load").Hint("failed to create validation state").Wrap(err)
	}
	if h.funcs != nil {
		h.funcs.Register(L, spec.Name())
	}
	if err := L.DoString(string(code)); err != nil {
		L.Close()
		h.mu.Unlock()
		return oops.In("script").With("plugin", spec.Name()).With("operation", "load").With("entry", spec.Manifest.ScriptPlugin.Entry).Hint("syntax error").Wrap(err)
	}
	L.Close()

	h.plugins[spec.Name()] = &scriptPlugin{
		spec:     spec,
		code:     string(code),
		settings: cloneSettings(settings),
	}
	h.mu.Unlock()

	if err := h.invoke(ctx, spec.Name(), "on_init", settings); err != nil {
		h.mu.Lock()
		delete(h.plugins, spec.Name())
		h.mu.Unlock()
		return err
	}
	return nil
}

// ApplySettings stores the new granted settings and runs the plugin's
// on_config hook when defined.
func (h *Host) ApplySettings(ctx context.Context, name string, settings map[string]any) error {
	h.mu.Lock()
	p, ok := h.plugins[name]
	if !ok {
		h.mu.Unlock()
		return oops.In("script").With("plugin", name).With("operation", "apply_settings").New("plugin not loaded")
	}
	p.settings = cloneSettings(settings)
	h.mu.Unlock()

	return h.invoke(ctx, name, "on_config", settings)
}

// Unload runs the plugin's on_stop hook and removes it. A failing
// on_stop is logged by the caller via the returned error context but
// never blocks the unload.
func (h *Host) Unload(ctx context.Context, name string) error {
	h.mu.Lock()
	p, ok := h.plugins[name]
	if !ok {
		h.mu.Unlock()
		return oops.In("script").With("plugin", name).With("operation", "unload").New("plugin not loaded")
	}
	code := p.code
	delete(h.plugins, name)
	h.mu.Unlock()

	return h.runHook(ctx, name, code, nil, "on_stop")
}

// Settings returns the plugin's current granted settings, or nil when
// the plugin is not loaded. Used as the SettingsSource for molt.setting.
func (h *Host) Settings(name string) map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, ok := h.plugins[name]
	if !ok {
		return nil
	}
	return p.settings
}

// Plugins returns names of loaded plugins in sorted order.
func (h *Host) Plugins() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, 0, len(h.plugins))
	for name := range h.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close runs every plugin's on_stop hook and shuts the host down.
// Hook failures do not stop the teardown.
func (h *Host) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	loaded := h.plugins
	h.plugins = nil
	h.mu.Unlock()

	var firstErr error
	for name, p := range loaded {
		if err := h.runHook(ctx, name, p.code, nil, "on_stop"); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// invoke looks up a loaded plugin and runs one of its hooks.
func (h *Host) invoke(ctx context.Context, name, hook string, settings map[string]any) error {
	h.mu.RLock()
	p, ok := h.plugins[name]
	if !ok {
		h.mu.RUnlock()
		return oops.In("script").With("plugin", name).With("operation", hook).New("plugin not loaded")
	}
	code := p.code
	h.mu.RUnlock()

	return h.runHook(ctx, name, code, settings, hook)
}

// runHook executes the plugin source in a fresh state and calls the
// named hook if the script defines it. A nil settings map means the
// hook is called without arguments.
func (h *Host) runHook(ctx context.Context, name, code string, settings map[string]any, hook string) error {
	L, err := h.factory.NewState(ctx)
	if err != nil {
		return oops.In("script").With("plugin", name).With("operation", hook).Hint("failed to create state").Wrap(err)
	}
	defer L.Close()

	L.SetContext(ctx)
	if h.funcs != nil {
		h.funcs.Register(L, name)
	}

	if err := L.DoString(code); err != nil {
		return oops.In("script").With("plugin", name).With("operation", hook).Hint("failed to load code").Wrap(err)
	}

	fn := L.GetGlobal(hook)
	if fn.Type() == lua.LTNil {
		return nil
	}

	var args []lua.LValue
	if settings != nil {
		args = append(args, settingsTable(L, settings))
	}

	if err := L.CallByParam(lua.P{
		Fn:      fn,
		NRet:    0,
		Protect: true,
	}, args...); err != nil {
		return oops.In("script").With("plugin", name).With("operation", hook).Wrap(err)
	}
	return nil
}

func cloneSettings(settings map[string]any) map[string]any {
	out := make(map[string]any, len(settings))
	for k, v := range settings {
		out[k] = v
	}
	return out
}

// settingsTable builds a Lua table keyed by dotted setting names.
func settingsTable(L *lua.LState, settings map[string]any) *lua.LTable {
	t := L.NewTable()
	for key, value := range settings {
		L.SetField(t, key, toLValue(L, value))
	}
	return t
}

// toLValue converts a config value to its Lua representation. Values
// with no natural mapping become strings.
func toLValue(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case time.Duration:
		return lua.LString(val.String())
	case []string:
		t := L.NewTable()
		for _, item := range val {
			t.Append(lua.LString(item))
		}
		return t
	case []any:
		t := L.NewTable()
		for _, item := range val {
			t.Append(toLValue(L, item))
		}
		return t
	case map[string]any:
		t := L.NewTable()
		for k, item := range val {
			L.SetField(t, k, toLValue(L, item))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}
