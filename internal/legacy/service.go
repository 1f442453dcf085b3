// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Molt Authors

// Package legacy bridges the modern molt core to a legacy server
// delegate. The Service performs one-time plugin discovery, enforces
// the discover/setup/start/stop ordering, and forwards configuration
// snapshots to the delegate for as long as it lives.
package legacy

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/oops"

	"github.com/moltserver/molt/internal/config"
	"github.com/moltserver/molt/internal/observability"
	"github.com/moltserver/molt/internal/plugin"
	"github.com/moltserver/molt/pkg/errutil"
)

// forwardTimeout bounds a single snapshot delivery to the delegate.
const forwardTimeout = 10 * time.Second

// Deps are the collaborators a Service needs. Log defaults to
// slog.Default(); Metrics defaults to a throwaway registry.
type Deps struct {
	Log     *slog.Logger
	Config  *config.Service
	Factory ServerFactory
	// HostVersion gates plugin compatibility checks. Nil admits all
	// plugins (dev builds).
	HostVersion *semver.Version
	Metrics     *observability.Metrics
}

// Service is the lifecycle adapter. All state transitions run under a
// single mutex; the phase field records progress for status surfaces.
type Service struct {
	log         *slog.Logger
	cfg         *config.Service
	factory     ServerFactory
	hostVersion *semver.Version
	metrics     *observability.Metrics

	mu        sync.Mutex
	phase     Phase
	sub       *config.Subscription
	settled   config.Snapshot
	discovery *plugin.DiscoveryResult
	setup     SetupDeps
	server    Server

	forwardWG sync.WaitGroup
}

// NewService creates the adapter. Panics if Config or Factory is nil.
func NewService(deps Deps) *Service {
	if deps.Config == nil {
		panic("legacy: config service cannot be nil")
	}
	if deps.Factory == nil {
		panic("legacy: server factory cannot be nil")
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.NewMetrics(prometheus.NewRegistry())
	}
	return &Service{
		log:         deps.Log,
		cfg:         deps.Config,
		factory:     deps.Factory,
		hostVersion: deps.HostVersion,
		metrics:     deps.Metrics,
	}
}

// DiscoverPlugins takes the adapter's single config subscription,
// captures the settled snapshot, and runs the one-time plugin scan.
// Calling it a second time is a fatal precondition error.
func (s *Service) DiscoverPlugins(ctx context.Context) (*plugin.DiscoveryResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhaseNew {
		return nil, oops.Code("LEGACY_ALREADY_DISCOVERED").
			With("phase", s.phase.String()).
			Errorf("plugin discovery already performed")
	}

	sub := s.cfg.Subscribe()
	snap := s.cfg.Current()

	scanner, err := plugin.NewScanner(plugin.ScanOptions{
		Dirs:        snap.Config.Plugins.ScanDirs,
		Include:     snap.Config.Plugins.Include,
		Disabled:    snap.Config.Plugins.Disabled,
		Workers:     snap.Config.Plugins.ScanWorkers,
		HostVersion: s.hostVersion,
		Settings:    snap.Flat(),
	}, s.log)
	if err != nil {
		sub.Unsubscribe()
		return nil, err
	}

	result, err := scanner.Scan(ctx)
	if err != nil {
		sub.Unsubscribe()
		return nil, err
	}

	s.sub = sub
	s.settled = snap
	s.discovery = result
	s.setPhase(PhaseDiscovered)

	s.log.Info("legacy plugin discovery complete",
		"scan_id", result.ScanID.String(),
		"plugins", len(result.Specs),
		"disabled", len(result.Disabled),
		"incompatible", len(result.Incompatible),
	)
	return result, nil
}

// Setup records the delegate dependencies and starts relaying config
// snapshots. Snapshots that arrive before the delegate exists update
// the settled snapshot instead, so Start always sees the latest.
func (s *Service) Setup(_ context.Context, deps SetupDeps) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.phase == PhaseNew:
		return oops.Code("LEGACY_DISCOVERY_REQUIRED").
			With("phase", s.phase.String()).
			Errorf("setup requires plugin discovery first")
	case s.phase != PhaseDiscovered:
		return oops.Code("LEGACY_ALREADY_SETUP").
			With("phase", s.phase.String()).
			Errorf("setup already performed")
	}

	s.setup = deps
	s.forwardWG.Add(1)
	go s.forward(s.sub.C())
	s.setPhase(PhaseSetup)

	s.log.Info("legacy lifecycle setup complete", "base_path", deps.BasePath)
	return nil
}

// Start reshapes the recorded deps into a ServerConfig, invokes the
// factory, applies the current snapshot, and brings the delegate up.
// AutoListen selects Listen over Ready.
func (s *Service) Start(ctx context.Context, deps StartDeps) error {
	s.mu.Lock()
	switch {
	case s.phase < PhaseSetup:
		phase := s.phase
		s.mu.Unlock()
		return oops.Code("LEGACY_SETUP_REQUIRED").
			With("phase", phase.String()).
			Errorf("start requires setup first")
	case s.phase != PhaseSetup:
		phase := s.phase
		s.mu.Unlock()
		return oops.Code("LEGACY_ALREADY_STARTED").
			With("phase", phase.String()).
			Errorf("start already performed")
	}
	serverCfg := ServerConfig{
		Snapshot:  s.settled,
		Discovery: s.discovery,
		Setup:     s.setup,
		Start:     deps,
		Log:       s.log,
	}
	s.mu.Unlock()

	srv, err := s.factory(ctx, serverCfg)
	if err != nil {
		return oops.In("legacy").
			With("operation", "start").
			Wrapf(err, "constructing legacy server")
	}

	// The delegate starts from the freshest snapshot even if the
	// forwarding loop has not drained a pending update yet.
	if err := srv.ApplyConfig(ctx, s.cfg.Current()); err != nil {
		s.closeServer(ctx, srv)
		return oops.In("legacy").
			With("operation", "start").
			Wrapf(err, "applying config to legacy server")
	}

	if deps.AutoListen {
		err = srv.Listen(ctx)
	} else {
		err = srv.Ready(ctx)
	}
	if err != nil {
		s.closeServer(ctx, srv)
		return oops.In("legacy").
			With("operation", "start").
			With("auto_listen", deps.AutoListen).
			Wrapf(err, "starting legacy server")
	}

	s.mu.Lock()
	if s.phase != PhaseSetup {
		s.mu.Unlock()
		s.closeServer(ctx, srv)
		return oops.In("legacy").Errorf("service stopped during start")
	}
	s.server = srv
	s.setPhase(PhaseStarted)
	s.mu.Unlock()

	s.log.Info("legacy server started", "auto_listen", deps.AutoListen)
	return nil
}

// Stop releases the config subscription and closes the delegate if one
// was constructed. Idempotent, and a no-op before discovery.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.phase == PhaseNew || s.phase == PhaseStopped {
		s.mu.Unlock()
		return nil
	}
	sub := s.sub
	srv := s.server
	s.sub = nil
	s.server = nil
	s.setPhase(PhaseStopped)
	s.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	s.forwardWG.Wait()

	if srv != nil {
		if err := srv.Close(ctx); err != nil {
			return oops.In("legacy").
				With("operation", "stop").
				Wrapf(err, "closing legacy server")
		}
	}

	s.log.Info("legacy lifecycle stopped")
	return nil
}

// Phase returns the recorded lifecycle phase.
func (s *Service) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Discovery returns the plugin discovery result, nil before discovery.
func (s *Service) Discovery() *plugin.DiscoveryResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.discovery
}

// setPhase records the phase and mirrors it into the gauge. Caller
// holds s.mu.
func (s *Service) setPhase(p Phase) {
	s.phase = p
	s.metrics.LifecyclePhase.Set(float64(p))
}

// forward relays snapshots from the subscription until its channel
// closes. Snapshots arriving before the delegate exists refresh the
// settled snapshot; delegate rejections are logged and counted, never
// fatal.
func (s *Service) forward(ch <-chan config.Snapshot) {
	defer s.forwardWG.Done()

	for snap := range ch {
		s.mu.Lock()
		srv := s.server
		if srv == nil {
			s.settled = snap
		}
		s.mu.Unlock()

		if srv == nil {
			s.log.Debug("config snapshot settled before delegate start",
				"snapshot_id", snap.ID.String(),
				"seq", snap.Seq,
			)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), forwardTimeout)
		err := srv.ApplyConfig(ctx, snap)
		cancel()
		if err != nil {
			s.metrics.ForwardFailures.Inc()
			errutil.LogWarn(s.log, "config forward rejected by legacy server", err)
			continue
		}

		s.metrics.SnapshotsForwarded.Inc()
		s.log.Debug("config snapshot forwarded",
			"snapshot_id", snap.ID.String(),
			"seq", snap.Seq,
		)
	}
}

// closeServer closes a delegate that never reached the started phase.
func (s *Service) closeServer(ctx context.Context, srv Server) {
	if err := srv.Close(ctx); err != nil {
		errutil.LogWarn(s.log, "closing legacy server after failed start", err)
	}
}
