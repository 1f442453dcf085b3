// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Molt Authors

package legacy

import (
	"context"
	"log/slog"

	"github.com/moltserver/molt/internal/config"
	"github.com/moltserver/molt/internal/observability"
	"github.com/moltserver/molt/internal/plugin"
)

// Server is the delegate the adapter drives. The embedded monolith
// implements it; an adapter for an external legacy process could too.
type Server interface {
	// Ready prepares the delegate without binding network listeners.
	Ready(ctx context.Context) error

	// Listen prepares the delegate, binds its listener, and begins
	// serving in the background.
	Listen(ctx context.Context) error

	// ApplyConfig delivers a config snapshot to the delegate.
	ApplyConfig(ctx context.Context, snap config.Snapshot) error

	// Close tears the delegate down. Must be idempotent.
	Close(ctx context.Context) error
}

// ServerFactory constructs the delegate from the reshaped dependency
// bundle. The adapter treats the returned Server as opaque.
type ServerFactory func(ctx context.Context, cfg ServerConfig) (Server, error)

// ServerConfig bundles everything a delegate needs at construction.
type ServerConfig struct {
	// Snapshot is the settled configuration at start time.
	Snapshot config.Snapshot
	// Discovery is the one-time plugin discovery result.
	Discovery *plugin.DiscoveryResult
	// Setup and Start carry the deps recorded by the lifecycle hooks.
	Setup SetupDeps
	Start StartDeps
	// Log is the adapter's logger; delegates derive their own from it.
	Log *slog.Logger
}

// SetupDeps carries host-side collaborators handed to the delegate.
type SetupDeps struct {
	// Metrics records delegate activity in the host registry. Optional.
	Metrics *observability.Metrics
	// BasePath prefixes every delegate HTTP route.
	BasePath string
	// RequestShutdown asks the host for a graceful stop. Optional.
	RequestShutdown func(reason string)
}

// StartDeps selects how the delegate comes up.
type StartDeps struct {
	// AutoListen binds network listeners on start; when false the
	// delegate is prepared but does not listen.
	AutoListen bool
}
