// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Molt Authors

// Package goplugin provides a Host implementation for binary plugins
// using HashiCorp's go-plugin system over net/rpc.
package goplugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"time"

	hashiplug "github.com/hashicorp/go-plugin"

	"github.com/moltserver/molt/internal/plugin"
	"github.com/moltserver/molt/pkg/pluginsdk"
)

// DefaultCallTimeout bounds a single plugin RPC (Init, ApplyConfig,
// Shutdown). The process start handshake has its own go-plugin timeout.
const DefaultCallTimeout = 5 * time.Second

// Sentinel errors for programmatic error checking.
var (
	// ErrHostClosed is returned when operations are attempted on a closed host.
	ErrHostClosed = errors.New("host is closed")
	// ErrPluginNotLoaded is returned when operating on a plugin that isn't loaded.
	ErrPluginNotLoaded = errors.New("plugin not loaded")
	// ErrPluginAlreadyLoaded is returned when loading a plugin that's already loaded.
	ErrPluginAlreadyLoaded = errors.New("plugin already loaded")
)

// Compile-time interface check.
var _ plugin.Host = (*Host)(nil)

// PluginClient wraps go-plugin client for testability.
type PluginClient interface {
	// Client returns the RPC client protocol.
	Client() (hashiplug.ClientProtocol, error)
	// Kill terminates the plugin process.
	Kill()
}

// ClientFactory creates plugin clients.
type ClientFactory interface {
	// NewClient creates a client for the given executable path.
	NewClient(execPath string) PluginClient
}

// DefaultClientFactory creates real go-plugin clients.
type DefaultClientFactory struct{}

// NewClient creates a real go-plugin client.
func (f *DefaultClientFactory) NewClient(execPath string) PluginClient {
	return hashiplug.NewClient(&hashiplug.ClientConfig{
		HandshakeConfig:  HandshakeConfig,
		Plugins:          PluginMap,
		Cmd:              exec.Command(execPath), // #nosec G204 -- execPath resolved from plugin manifest; manifests validated during discovery
		AllowedProtocols: []hashiplug.Protocol{hashiplug.ProtocolNetRPC},
	})
}

// Host manages binary plugins via HashiCorp go-plugin.
type Host struct {
	hostVersion   string
	clientFactory ClientFactory
	plugins       map[string]*loadedPlugin
	mu            sync.RWMutex
	closed        bool
}

// loadedPlugin holds state for a single loaded binary plugin.
type loadedPlugin struct {
	spec   *plugin.Spec
	client PluginClient
	remote pluginsdk.LegacyPlugin
}

// NewHost creates a new binary plugin host. hostVersion is reported to
// plugins during Init.
func NewHost(hostVersion string) *Host {
	return &Host{
		hostVersion:   hostVersion,
		clientFactory: &DefaultClientFactory{},
		plugins:       make(map[string]*loadedPlugin),
	}
}

// NewHostWithFactory creates a host with a custom client factory (for testing).
// Panics if factory is nil.
func NewHostWithFactory(hostVersion string, factory ClientFactory) *Host {
	if factory == nil {
		panic("goplugin: factory cannot be nil")
	}
	return &Host{
		hostVersion:   hostVersion,
		clientFactory: factory,
		plugins:       make(map[string]*loadedPlugin),
	}
}

// Load launches the plugin process and calls its Init with the granted
// settings subset. A failed Init unloads the plugin again.
func (h *Host) Load(ctx context.Context, spec *plugin.Spec, settings map[string]any) error {
	name := spec.Name()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHostClosed
	}
	if _, ok := h.plugins[name]; ok {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPluginAlreadyLoaded, name)
	}
	if spec.Manifest.BinaryPlugin == nil {
		h.mu.Unlock()
		return fmt.Errorf("plugin %s is not a binary plugin", name)
	}

	execPath := filepath.Join(spec.Dir, spec.Manifest.BinaryPlugin.Executable)
	if _, err := os.Stat(execPath); err != nil {
		h.mu.Unlock()
		if os.IsNotExist(err) {
			return fmt.Errorf("plugin executable not found: %s: %w", execPath, err)
		}
		return fmt.Errorf("cannot access plugin executable %s: %w", execPath, err)
	}

	client := h.clientFactory.NewClient(execPath)

	rpcClient, err := client.Client()
	if err != nil {
		h.mu.Unlock()
		client.Kill()
		return fmt.Errorf("failed to connect to plugin %s: %w", name, err)
	}

	raw, err := rpcClient.Dispense(pluginsdk.DispenseName)
	if err != nil {
		h.mu.Unlock()
		client.Kill()
		return fmt.Errorf("failed to dispense plugin %s: %w", name, err)
	}

	remote, ok := raw.(pluginsdk.LegacyPlugin)
	if !ok {
		h.mu.Unlock()
		client.Kill()
		return fmt.Errorf("plugin %s does not implement LegacyPlugin", name)
	}

	h.plugins[name] = &loadedPlugin{
		spec:   spec,
		client: client,
		remote: remote,
	}
	h.mu.Unlock()

	// Init runs outside the lock so a slow plugin cannot stall the host.
	if err := callWithTimeout(ctx, func() error { return remote.Init(settings, h.hostVersion) }); err != nil {
		h.mu.Lock()
		delete(h.plugins, name)
		h.mu.Unlock()
		client.Kill()
		return fmt.Errorf("plugin %s init failed: %w", name, err)
	}

	return nil
}

// ApplySettings forwards a changed config subset to a loaded plugin.
//
// Note: The RLock is released before making the RPC call to avoid
// serializing all plugin calls. If Close() or Unload() runs
// concurrently, the RPC fails gracefully when the process is killed.
func (h *Host) ApplySettings(ctx context.Context, name string, settings map[string]any) error {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return ErrHostClosed
	}
	p, ok := h.plugins[name]
	h.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrPluginNotLoaded, name)
	}

	if err := callWithTimeout(ctx, func() error { return p.remote.ApplyConfig(settings) }); err != nil {
		return fmt.Errorf("plugin %s apply config failed: %w", name, err)
	}
	return nil
}

// Unload tears down a plugin. The plugin gets a Shutdown call before
// its process is killed; a Shutdown error is reported but the plugin
// is removed and killed regardless.
func (h *Host) Unload(ctx context.Context, name string) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHostClosed
	}
	p, ok := h.plugins[name]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPluginNotLoaded, name)
	}
	delete(h.plugins, name)
	h.mu.Unlock()

	err := callWithTimeout(ctx, p.remote.Shutdown)
	if p.client != nil {
		p.client.Kill()
	}
	if err != nil {
		return fmt.Errorf("plugin %s shutdown failed: %w", name, err)
	}
	return nil
}

// Plugins returns names of all loaded plugins, sorted.
func (h *Host) Plugins() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return nil
	}

	names := make([]string, 0, len(h.plugins))
	for name := range h.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close shuts down the host and all plugins. Safe to call more than
// once. The first Shutdown error is returned after every plugin has
// been killed.
func (h *Host) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	remaining := h.plugins
	h.plugins = make(map[string]*loadedPlugin)
	h.mu.Unlock()

	var firstErr error
	for name, p := range remaining {
		if err := callWithTimeout(ctx, p.remote.Shutdown); err != nil {
			slog.Warn("plugin shutdown failed during close",
				"plugin", name,
				"error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("plugin %s shutdown failed: %w", name, err)
			}
		}
		if p.client != nil {
			p.client.Kill()
		}
	}
	return firstErr
}

// callWithTimeout runs fn honoring ctx plus the call timeout. net/rpc
// calls cannot be canceled midflight; on timeout the result is
// discarded and the process is killed by the caller or at Close.
func callWithTimeout(ctx context.Context, fn func() error) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultCallTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
