// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Molt Authors

// Package pluginsdk provides the SDK for building Molt binary plugins.
//
// Binary plugins run as separate processes and talk to the host via
// the HashiCorp go-plugin framework over its net/rpc protocol. A
// plugin implements LegacyPlugin and hands it to Serve from main().
//
// Example usage:
//
//	package main
//
//	import "github.com/moltserver/molt/pkg/pluginsdk"
//
//	type Beacon struct{}
//
//	func (b *Beacon) Init(settings map[string]any, hostVersion string) error {
//		// Inspect granted settings, start background work.
//		return nil
//	}
//
//	func (b *Beacon) ApplyConfig(settings map[string]any) error {
//		// Pick up changed settings.
//		return nil
//	}
//
//	func (b *Beacon) Shutdown() error { return nil }
//
//	func main() {
//		pluginsdk.Serve(&pluginsdk.ServeConfig{Impl: &Beacon{}})
//	}
package pluginsdk

import (
	"encoding/gob"
	"net/rpc"

	hashiplug "github.com/hashicorp/go-plugin"
)

func init() {
	// Setting values cross the process boundary inside interface
	// fields; gob needs the composite types announced up front.
	gob.Register(map[string]any{})
	gob.Register([]any{})
}

// LegacyPlugin is the lifecycle surface a binary plugin implements.
// The host calls Init once after launching the process, ApplyConfig
// on every configuration change that touches the plugin's granted
// settings, and Shutdown before killing the process.
type LegacyPlugin interface {
	Init(settings map[string]any, hostVersion string) error
	ApplyConfig(settings map[string]any) error
	Shutdown() error
}

// HandshakeConfig is the go-plugin handshake configuration.
// Both host and plugins must use the same values.
var HandshakeConfig = hashiplug.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "MOLT_PLUGIN",
	MagicCookieValue: "molt-v1",
}

// DispenseName is the key plugins are served and dispensed under.
const DispenseName = "legacy"

// InitRequest carries the Init arguments over the wire.
type InitRequest struct {
	Settings    map[string]any
	HostVersion string
}

// ApplyConfigRequest carries the ApplyConfig arguments over the wire.
type ApplyConfigRequest struct {
	Settings map[string]any
}

// Plugin implements go-plugin's Plugin interface over net/rpc.
// The host side leaves Impl nil; plugin processes set it via Serve.
type Plugin struct {
	Impl LegacyPlugin
}

var _ hashiplug.Plugin = (*Plugin)(nil)

// Server returns the RPC server side (called in the plugin process).
func (p *Plugin) Server(*hashiplug.MuxBroker) (any, error) {
	return &rpcServer{impl: p.Impl}, nil
}

// Client returns the RPC client side (called in the host process).
func (p *Plugin) Client(_ *hashiplug.MuxBroker, c *rpc.Client) (any, error) {
	return &rpcClient{client: c}, nil
}

// rpcServer adapts LegacyPlugin to net/rpc method signatures.
type rpcServer struct {
	impl LegacyPlugin
}

func (s *rpcServer) Init(req InitRequest, _ *struct{}) error {
	return s.impl.Init(req.Settings, req.HostVersion)
}

func (s *rpcServer) ApplyConfig(req ApplyConfigRequest, _ *struct{}) error {
	return s.impl.ApplyConfig(req.Settings)
}

func (s *rpcServer) Shutdown(_ struct{}, _ *struct{}) error {
	return s.impl.Shutdown()
}

// rpcClient is the host-side proxy. Method errors raised by the
// plugin come back as *rpc.ServerError values.
type rpcClient struct {
	client *rpc.Client
}

var _ LegacyPlugin = (*rpcClient)(nil)

func (c *rpcClient) Init(settings map[string]any, hostVersion string) error {
	return c.client.Call("Plugin.Init", InitRequest{Settings: settings, HostVersion: hostVersion}, new(struct{}))
}

func (c *rpcClient) ApplyConfig(settings map[string]any) error {
	return c.client.Call("Plugin.ApplyConfig", ApplyConfigRequest{Settings: settings}, new(struct{}))
}

func (c *rpcClient) Shutdown() error {
	return c.client.Call("Plugin.Shutdown", struct{}{}, new(struct{}))
}

// ServeConfig configures the plugin server.
type ServeConfig struct {
	// Impl is the plugin implementation. Required; Serve panics if nil.
	Impl LegacyPlugin
}

// Serve starts the plugin server. Call it from main(); it blocks and
// never returns under normal operation.
func Serve(config *ServeConfig) {
	if config == nil {
		panic("pluginsdk: config cannot be nil")
	}
	if config.Impl == nil {
		panic("pluginsdk: config.Impl cannot be nil")
	}
	hashiplug.Serve(&hashiplug.ServeConfig{
		HandshakeConfig: HandshakeConfig,
		Plugins: map[string]hashiplug.Plugin{
			DispenseName: &Plugin{Impl: config.Impl},
		},
	})
}
