// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Molt Authors

// Package observability provides HTTP endpoints for metrics and health checks.
package observability

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/oops"
)

// ReadinessChecker returns whether the service is ready to accept connections.
type ReadinessChecker func() bool

// goroutineThreshold fails the liveness probe when the process leaks
// goroutines past any plausible plugin-host working set.
const goroutineThreshold = 500

// reloadFailures is a package-level counter for config reload failures.
// This allows the config service to increment the metric without needing
// access to the Server instance.
var reloadFailures = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "molt_config_reload_failures_total",
		Help: "Total number of rejected configuration reloads",
	},
)

// RecordConfigReloadFailure increments the config reload failure counter.
// Called by the config service when a changed file fails to parse or validate.
func RecordConfigReloadFailure() {
	reloadFailures.Inc()
}

// Metrics contains custom Prometheus metrics for Molt.
type Metrics struct {
	LifecyclePhase     prometheus.Gauge
	PluginsLoaded      prometheus.Gauge
	SnapshotsForwarded prometheus.Counter
	ForwardFailures    prometheus.Counter
	AppliedConfigSeq   prometheus.Gauge
	SearchRequests     *prometheus.CounterVec
}

// NewMetrics creates and registers custom Molt metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LifecyclePhase: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "molt_lifecycle_phase",
				Help: "Current lifecycle phase (0=new, 1=discovered, 2=setup, 3=started, 4=stopped)",
			},
		),
		PluginsLoaded: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "molt_plugins_loaded",
				Help: "Number of plugins currently loaded",
			},
		),
		SnapshotsForwarded: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "molt_config_snapshots_forwarded_total",
				Help: "Total number of config snapshots forwarded to the legacy delegate",
			},
		),
		ForwardFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "molt_config_forward_failures_total",
				Help: "Total number of config snapshot forwards rejected by the legacy delegate",
			},
		),
		AppliedConfigSeq: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "molt_applied_config_seq",
				Help: "Sequence number of the last config snapshot applied by the embedded server",
			},
		),
		SearchRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "molt_search_requests_total",
				Help: "Total number of search requests by strategy and status",
			},
			[]string{"strategy", "status"},
		),
	}

	reg.MustRegister(m.LifecyclePhase)
	reg.MustRegister(m.PluginsLoaded)
	reg.MustRegister(m.SnapshotsForwarded)
	reg.MustRegister(m.ForwardFailures)
	reg.MustRegister(m.AppliedConfigSeq)
	reg.MustRegister(m.SearchRequests)
	reg.MustRegister(reloadFailures)

	return m
}

// Server provides HTTP endpoints for observability (metrics and health probes).
type Server struct {
	addr       string
	listener   net.Listener
	httpServer *http.Server
	registry   *prometheus.Registry
	metrics    *Metrics
	health     healthcheck.Handler
	isReady    ReadinessChecker
	running    atomic.Bool
}

// NewServer creates a new observability server.
// addr: listen address in "host:port" format (e.g., "127.0.0.1:9100", ":9100" for all interfaces).
func NewServer(addr string, readinessChecker ReadinessChecker) *Server {
	// Create a new registry to avoid polluting the global one
	registry := prometheus.NewRegistry()

	// Register standard Go metrics
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// Register custom metrics
	metrics := NewMetrics(registry)

	// Probe handler; check results are exported into the same registry
	health := healthcheck.NewMetricsHandler(registry, "molt")
	health.AddLivenessCheck("goroutine-count", healthcheck.GoroutineCountCheck(goroutineThreshold))
	health.AddReadinessCheck("lifecycle-started", func() error {
		if readinessChecker == nil || readinessChecker() {
			return nil
		}
		return errors.New("lifecycle not started")
	})

	s := &Server{
		addr:     addr,
		registry: registry,
		metrics:  metrics,
		health:   health,
		isReady:  readinessChecker,
	}

	return s
}

// Metrics returns the custom metrics for recording application events.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Start begins serving observability endpoints.
// It returns an error channel that will receive any errors from the HTTP server
// after it starts. The channel is closed when the server stops gracefully.
// Callers should monitor this channel to detect server failures.
func (s *Server) Start() (<-chan error, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, oops.Errorf("observability server already running")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.running.Store(false)
		return nil, oops.With("addr", s.addr).Wrap(err)
	}
	s.listener = listener

	mux := http.NewServeMux()

	// Prometheus metrics endpoint
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	// Kubernetes-style health probes
	mux.HandleFunc("/healthz/liveness", s.health.LiveEndpoint)
	mux.HandleFunc("/healthz/readiness", s.health.ReadyEndpoint)

	httpSrv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpServer = httpSrv

	// Create buffered error channel so the goroutine doesn't block
	errCh := make(chan error, 1)

	go func() {
		defer close(errCh)
		// Use local httpSrv to avoid race with subsequent Start() calls
		if serveErr := httpSrv.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			slog.Error("observability server error", "error", serveErr)
			errCh <- serveErr
		}
	}()

	slog.Info("observability server started", "addr", listener.Addr().String())
	return errCh, nil
}

// Stop gracefully shuts down the observability server.
func (s *Server) Stop(ctx context.Context) error {
	// Use CompareAndSwap to atomically transition from running to stopped.
	// This prevents a race where a concurrent Start() could succeed between
	// checking the running state and setting it to false.
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			// Restore running state on failure so the server can be stopped again
			s.running.Store(true)
			return oops.With("operation", "shutdown_observability_server").Wrap(err)
		}
	}

	slog.Info("observability server stopped")
	return nil
}

// Addr returns the address the server is listening on.
// Returns empty string if not running.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
