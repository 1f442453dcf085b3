package main

import (
	"context"
	"log/slog"

	"github.com/Masterminds/semver/v3"
	"github.com/spf13/pflag"

	"github.com/moltserver/molt/internal/config"
	"github.com/moltserver/molt/internal/control"
	"github.com/moltserver/molt/internal/legacy"
	"github.com/moltserver/molt/internal/observability"
)

// ServeDeps contains injectable dependencies for the serve command.
// All fields with nil values will use their default implementations.
type ServeDeps struct {
	// ConfigFactory creates the config service.
	// Default: config.NewService
	ConfigFactory func(log *slog.Logger, path string, flags *pflag.FlagSet) (*config.Service, error)

	// ServerFactory constructs the legacy server delegate.
	// Default: monolith.NewFactory
	ServerFactory legacy.ServerFactory

	// ObservabilityServerFactory creates an observability server.
	// Default: observability.NewServer
	ObservabilityServerFactory func(addr string, readinessChecker observability.ReadinessChecker) ObservabilityServer

	// ControlServerFactory creates a control socket server.
	// Default: control.NewServer
	ControlServerFactory func(socketPath string, statusFunc control.StatusFunc, shutdownFunc control.ShutdownFunc) ControlServer

	// HostVersion gates plugin compatibility checks. Nil admits all
	// plugins (dev builds).
	HostVersion *semver.Version
}

// ObservabilityServer interface wraps the methods used from observability.Server.
type ObservabilityServer interface {
	Metrics() *observability.Metrics
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
}

// ControlServer interface wraps the methods used from control.Server.
type ControlServer interface {
	Start() error
	Stop(ctx context.Context) error
}
