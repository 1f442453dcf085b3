// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Molt Authors

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/moltserver/molt/internal/config"
	"github.com/moltserver/molt/internal/control"
	"github.com/moltserver/molt/internal/legacy"
	"github.com/moltserver/molt/internal/logging"
	"github.com/moltserver/molt/internal/monolith"
	"github.com/moltserver/molt/internal/observability"
	"github.com/moltserver/molt/pkg/errutil"
)

// shutdownTimeout bounds the graceful stop of every component.
const shutdownTimeout = 10 * time.Second

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the molt host process",
		Long: `Start the molt host: load configuration, discover plugins once,
construct the legacy server delegate, and serve until signalled.

Flags named after configuration keys override the file and environment
layers for this run only.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServeWithDeps(cmd.Context(), cmd, nil)
		},
	}

	cmd.Flags().String("server.host", "", "legacy server listen host")
	cmd.Flags().Int("server.port", 0, "legacy server listen port")
	cmd.Flags().String("server.basePath", "", "path prefix for all legacy routes")
	cmd.Flags().String("logging.level", "", "log level (debug, info, warn, error)")
	cmd.Flags().String("logging.format", "", "log format (json or text)")
	cmd.Flags().String("metrics.addr", "", "metrics/health HTTP address (empty = disabled)")
	cmd.Flags().String("control.socket", "", "control socket path")
	cmd.Flags().Bool("no-listen", false, "construct the delegate without binding listeners")

	return cmd
}

// runServeWithDeps starts the molt host with injectable dependencies.
// If deps is nil, default implementations are used.
func runServeWithDeps(ctx context.Context, cmd *cobra.Command, deps *ServeDeps) error {
	if deps == nil {
		deps = &ServeDeps{}
	}

	// Set up default factories
	if deps.ConfigFactory == nil {
		deps.ConfigFactory = config.NewService
	}
	if deps.ServerFactory == nil {
		deps.ServerFactory = monolith.NewFactory(monolith.FactoryOptions{Version: version})
	}
	if deps.ObservabilityServerFactory == nil {
		deps.ObservabilityServerFactory = func(addr string, readinessChecker observability.ReadinessChecker) ObservabilityServer {
			return observability.NewServer(addr, readinessChecker)
		}
	}
	if deps.ControlServerFactory == nil {
		deps.ControlServerFactory = func(socketPath string, statusFunc control.StatusFunc, shutdownFunc control.ShutdownFunc) ControlServer {
			return control.NewServer(socketPath, statusFunc, shutdownFunc)
		}
	}
	if deps.HostVersion == nil {
		// Dev builds carry no parseable version and admit every plugin.
		if v, err := semver.NewVersion(version); err == nil {
			deps.HostVersion = v
		}
	}

	noListen, err := cmd.Flags().GetBool("no-listen")
	if err != nil {
		return err
	}

	// Only flags named after config keys participate in the merge.
	overrides := pflag.NewFlagSet("overrides", pflag.ContinueOnError)
	cmd.Flags().Visit(func(f *pflag.Flag) {
		if strings.Contains(f.Name, ".") {
			overrides.AddFlag(f)
		}
	})

	cfgService, err := deps.ConfigFactory(slog.Default(), configFile, overrides)
	if err != nil {
		return err
	}
	defer cfgService.Close()

	snap := cfgService.Current()
	cfg := snap.Config

	logging.SetDefault("molt", version, cfg.Logging.Format)
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logging.SetLevel(level)
	log := slog.Default()

	log.Info("starting molt",
		"version", version,
		"config", configFile,
		"config_seq", snap.Seq,
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The observability server owns the metrics registry even when its
	// listener is disabled by an empty address.
	var svc *legacy.Service
	obsServer := deps.ObservabilityServerFactory(cfg.Metrics.Addr, func() bool {
		return svc != nil && svc.Phase() == legacy.PhaseStarted
	})
	metrics := obsServer.Metrics()

	svc = legacy.NewService(legacy.Deps{
		Log:         log,
		Config:      cfgService,
		Factory:     deps.ServerFactory,
		HostVersion: deps.HostVersion,
		Metrics:     metrics,
	})

	result, err := svc.DiscoverPlugins(ctx)
	if err != nil {
		return err
	}

	if err := svc.Setup(ctx, legacy.SetupDeps{
		Metrics:  metrics,
		BasePath: cfg.Server.BasePath,
		RequestShutdown: func(reason string) {
			log.Warn("shutdown requested", "reason", reason)
			cancel()
		},
	}); err != nil {
		return err
	}

	if cfg.Metrics.Addr != "" {
		obsErrChan, err := obsServer.Start()
		if err != nil {
			return fmt.Errorf("failed to start observability server: %w", err)
		}
		// Monitor observability server errors - cancel context on error
		go monitorServerErrors(ctx, cancel, obsErrChan, "observability")
		log.Info("observability server started", "addr", obsServer.Addr())
	}

	var controlServer ControlServer
	if cfg.Control.Enabled {
		socketPath := cfg.Control.Socket
		if socketPath == "" {
			socketPath = control.DefaultSocketPath()
		}
		controlServer = deps.ControlServerFactory(socketPath, func() control.LifecycleStatus {
			st := control.LifecycleStatus{Phase: svc.Phase().String()}
			if d := svc.Discovery(); d != nil {
				st.Plugins = len(d.Specs)
			}
			return st
		}, func() { cancel() })
		if err := controlServer.Start(); err != nil {
			return fmt.Errorf("failed to start control socket: %w", err)
		}
		log.Info("control socket started", "socket", socketPath)
	}

	if err := svc.Start(ctx, legacy.StartDeps{AutoListen: !noListen}); err != nil {
		return err
	}

	if err := cfgService.Watch(ctx); err != nil {
		return err
	}

	// Handle signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	cmd.Println("molt started")
	log.Info("molt ready",
		"phase", svc.Phase().String(),
		"plugins", len(result.Specs),
	)

	// Wait for shutdown signal or a component requesting shutdown
	select {
	case sig := <-sigChan:
		log.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		log.Info("context cancelled, shutting down")
	}

	// Graceful shutdown
	log.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := svc.Stop(shutdownCtx); err != nil {
		errutil.LogError(log, "error stopping legacy service", err)
	}
	if controlServer != nil {
		if err := controlServer.Stop(shutdownCtx); err != nil {
			log.Warn("error stopping control socket", "error", err)
		}
	}
	if cfg.Metrics.Addr != "" {
		if err := obsServer.Stop(shutdownCtx); err != nil {
			log.Warn("error stopping observability server", "error", err)
		}
	}

	log.Info("shutdown complete")
	return nil
}

// monitorServerErrors monitors a server's error channel and cancels the context on error.
// This ensures that server failures trigger graceful shutdown of the entire process.
// It exits when either an error is received, the channel is closed, or the context is cancelled.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string) {
	select {
	case err, ok := <-errCh:
		if !ok {
			// Channel closed, server stopped gracefully
			return
		}
		if err != nil {
			slog.Error("server error, triggering shutdown",
				"server", serverName,
				"error", err,
			)
			cancel()
		}
	case <-ctx.Done():
		// Context cancelled, exit monitoring
	}
}
