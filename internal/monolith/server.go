// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Molt Authors

// Package monolith is the embedded legacy server. It implements the
// legacy.Server delegate: plugin hosts, the capability enforcer, the
// config dispatcher, the search strategy registry, and the legacy HTTP
// API all live here, constructed from the reshaped dependency bundle
// the lifecycle adapter hands over.
package monolith

import (
	"context"
	cryptotls "crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/oops"
	retry "github.com/sethvargo/go-retry"

	"github.com/moltserver/molt/internal/config"
	"github.com/moltserver/molt/internal/legacy"
	"github.com/moltserver/molt/internal/logging"
	"github.com/moltserver/molt/internal/observability"
	"github.com/moltserver/molt/internal/plugin"
	"github.com/moltserver/molt/internal/plugin/capability"
	"github.com/moltserver/molt/internal/plugin/goplugin"
	"github.com/moltserver/molt/internal/plugin/script"
	"github.com/moltserver/molt/internal/search"
	"github.com/moltserver/molt/internal/tls"
	"github.com/moltserver/molt/internal/xdg"
	"github.com/moltserver/molt/pkg/errutil"
)

const (
	// readHeaderTimeout bounds slow-header clients on the legacy API.
	readHeaderTimeout = 10 * time.Second

	// bindRetries and bindRetryWait cover a restart racing the old
	// process still draining the port.
	bindRetries   = 5
	bindRetryWait = 200 * time.Millisecond
)

// FactoryOptions carries the host identity the monolith reports.
type FactoryOptions struct {
	// Version is reported on the status endpoint and to plugins as the
	// host version.
	Version string
}

// NewFactory returns a ServerFactory that constructs the embedded
// monolith. This is what cmd wires into the lifecycle adapter.
func NewFactory(opts FactoryOptions) legacy.ServerFactory {
	return func(ctx context.Context, cfg legacy.ServerConfig) (legacy.Server, error) {
		return New(ctx, cfg, opts)
	}
}

// Server is the embedded legacy server. The listener shape, plugin set,
// and search backend are fixed from the settled snapshot at
// construction; later snapshots adjust only what ApplyConfig touches.
type Server struct {
	log     *slog.Logger
	version string

	serverCfg config.ServerConfig
	searchCfg config.SearchConfig
	basePath  string
	discovery *plugin.DiscoveryResult
	settled   config.Snapshot
	metrics   *observability.Metrics

	requestShutdown func(reason string)

	enforcer   *capability.Enforcer
	scriptHost *script.Host
	binaryHost *goplugin.Host
	registry   *plugin.Registry
	dispatcher *plugin.Dispatcher
	search     *search.Registry

	statusAuth atomic.Pointer[statusCredentials]
	startTime  time.Time

	readyOnce sync.Once
	readyErr  error

	listening  atomic.Bool
	listener   net.Listener
	httpServer *http.Server

	closed atomic.Bool
}

var _ legacy.Server = (*Server)(nil)

// New constructs the monolith from the adapter's dependency bundle.
// Plugins are not loaded and nothing listens until Ready or Listen.
func New(_ context.Context, cfg legacy.ServerConfig, opts FactoryOptions) (*Server, error) {
	if cfg.Snapshot.Config == nil {
		return nil, oops.In("monolith").Errorf("settled snapshot carries no typed config")
	}
	if cfg.Discovery == nil {
		return nil, oops.In("monolith").Errorf("plugin discovery result is required")
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "monolith")

	metrics := cfg.Setup.Metrics
	if metrics == nil {
		metrics = observability.NewMetrics(prometheus.NewRegistry())
	}

	enforcer := capability.NewEnforcer()

	s := &Server{
		log:             log,
		version:         opts.Version,
		serverCfg:       cfg.Snapshot.Config.Server,
		searchCfg:       cfg.Snapshot.Config.Search,
		basePath:        cfg.Setup.BasePath,
		discovery:       cfg.Discovery,
		settled:         cfg.Snapshot,
		metrics:         metrics,
		requestShutdown: cfg.Setup.RequestShutdown,
		enforcer:        enforcer,
		binaryHost:      goplugin.NewHost(opts.Version),
		registry:        plugin.NewRegistry(),
		dispatcher:      plugin.NewDispatcher(enforcer, log),
		search:          search.NewRegistry(),
		startTime:       time.Now(),
	}

	// The script host's molt.setting API reads back through the host's
	// own per-plugin store; the closure breaks the construction cycle.
	var scriptHost *script.Host
	funcs := script.NewFunctions(enforcer, opts.Version, func(name string) map[string]any {
		return scriptHost.Settings(name)
	}, log)
	scriptHost = script.NewHostWithFunctions(funcs)
	s.scriptHost = scriptHost

	for _, spec := range cfg.Discovery.Specs {
		s.registry.Add(spec)
	}
	s.statusAuth.Store(credentialsFrom(cfg.Snapshot.Config.Status))

	return s, nil
}

// Ready loads the discovered plugins and registers the search backend
// without binding a listener.
func (s *Server) Ready(ctx context.Context) error {
	return s.ensureReady(ctx)
}

func (s *Server) ensureReady(ctx context.Context) error {
	s.readyOnce.Do(func() {
		s.readyErr = s.prepare(ctx)
	})
	return s.readyErr
}

// prepare hands every discovered plugin to its host and wires the
// search strategy. A plugin that fails to load is recorded and skipped;
// a misconfigured search backend is fatal.
func (s *Server) prepare(ctx context.Context) error {
	flat := s.settled.Flat()

	loaded := 0
	for _, spec := range s.discovery.Specs {
		name := spec.Name()

		if err := s.enforcer.SetGrants(name, spec.Grants()); err != nil {
			s.registry.SetState(name, plugin.StateFailed, err)
			errutil.LogError(s.log, "rejecting plugin grants", err)
			continue
		}

		host := s.hostFor(spec.Manifest.Type)
		settings := s.enforcer.Filter(name, flat)
		if err := host.Load(ctx, spec, settings); err != nil {
			s.registry.SetState(name, plugin.StateFailed, err)
			s.enforcer.RemoveGrants(name)
			errutil.LogError(s.log, "plugin failed to load", err)
			continue
		}

		s.dispatcher.Register(name, host)
		s.registry.SetState(name, plugin.StateLoaded, nil)
		loaded++
	}
	s.metrics.PluginsLoaded.Set(float64(loaded))
	s.log.Info("legacy plugins loaded",
		"loaded", loaded,
		"failed", len(s.discovery.Specs)-loaded,
	)

	if s.searchCfg.Enabled {
		strat, err := search.NewHTTPStrategy(search.HTTPOptions{
			Addresses:          s.searchCfg.Addresses,
			RequestTimeout:     s.searchCfg.RequestTimeout,
			CAFile:             s.searchCfg.TLS.CAFile,
			InsecureSkipVerify: s.searchCfg.TLS.InsecureSkipVerify,
			RetryAttempts:      s.searchCfg.Retry.Attempts,
			RetryBackoff:       s.searchCfg.Retry.Backoff,
			BreakerMaxRequests: s.searchCfg.Breaker.MaxRequests,
			BreakerInterval:    s.searchCfg.Breaker.Interval,
			BreakerTimeout:     s.searchCfg.Breaker.Timeout,
			Log:                s.log,
			Metrics:            s.metrics,
		})
		if err != nil {
			return err
		}
		if err := s.search.Register(strat); err != nil {
			return err
		}
		s.log.Info("search strategy registered",
			"strategy", strat.Name(),
			"addresses", len(s.searchCfg.Addresses),
		)
	}

	return nil
}

func (s *Server) hostFor(t plugin.Type) plugin.Host {
	if t == plugin.TypeBinary {
		return s.binaryHost
	}
	return s.scriptHost
}

// Listen prepares the server if needed, binds the configured address,
// and serves the legacy HTTP API in the background. A serve failure
// after startup asks the host for a graceful shutdown.
func (s *Server) Listen(ctx context.Context) error {
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	if !s.listening.CompareAndSwap(false, true) {
		return oops.In("monolith").Errorf("server is already listening")
	}

	var tlsConfig *cryptotls.Config
	if s.serverCfg.SSL.Enabled {
		var err error
		tlsConfig, err = s.serverTLS()
		if err != nil {
			s.listening.Store(false)
			return err
		}
	}

	addr := net.JoinHostPort(s.serverCfg.Host, strconv.Itoa(s.serverCfg.Port))
	var ln net.Listener
	err := retry.Do(ctx, retry.WithMaxRetries(bindRetries, retry.NewConstant(bindRetryWait)), func(_ context.Context) error {
		var bindErr error
		ln, bindErr = net.Listen("tcp", addr)
		if bindErr != nil {
			return retry.RetryableError(bindErr)
		}
		return nil
	})
	if err != nil {
		s.listening.Store(false)
		return oops.In("monolith").
			With("addr", addr).
			Wrapf(err, "binding legacy listener")
	}
	s.listener = ln

	srv := &http.Server{
		Handler:           s.routes(),
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	s.httpServer = srv

	go func() {
		var serveErr error
		if tlsConfig != nil {
			serveErr = srv.ServeTLS(ln, "", "")
		} else {
			serveErr = srv.Serve(ln)
		}
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errutil.LogError(s.log, "legacy http server failed", serveErr)
			if notify := s.requestShutdown; notify != nil {
				notify("legacy http server failed")
			}
		}
	}()

	s.log.Info("legacy server listening",
		"addr", ln.Addr().String(),
		"tls", tlsConfig != nil,
		"base_path", s.basePath,
	)
	return nil
}

// Addr returns the bound listener address, empty before Listen.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// ApplyConfig applies a snapshot: log level, status credentials, and
// the granted settings fan-out to plugins. Listener and search backend
// changes require a restart.
func (s *Server) ApplyConfig(ctx context.Context, snap config.Snapshot) error {
	if s.closed.Load() {
		return oops.In("monolith").Errorf("server is closed")
	}
	if snap.Config == nil {
		return oops.Code("CONFIG_INVALID").
			In("monolith").
			Errorf("snapshot carries no typed config")
	}

	if level, err := logging.ParseLevel(snap.Config.Logging.Level); err != nil {
		s.log.Warn("ignoring invalid log level", "level", snap.Config.Logging.Level)
	} else if level != logging.Level() {
		logging.SetLevel(level)
		s.log.Info("log level changed", "level", snap.Config.Logging.Level)
	}

	s.statusAuth.Store(credentialsFrom(snap.Config.Status))
	s.metrics.AppliedConfigSeq.Set(float64(snap.Seq))
	s.dispatcher.Dispatch(ctx, snap)

	s.log.Debug("config snapshot applied",
		"snapshot_id", snap.ID.String(),
		"seq", snap.Seq,
	)
	return nil
}

// Close shuts the HTTP server down gracefully, waits for in-flight
// plugin deliveries, and closes both plugin hosts. Safe to call more
// than once.
func (s *Server) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	var firstErr error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			firstErr = oops.In("monolith").Wrapf(err, "shutting down http server")
		}
	}

	s.dispatcher.Drain()

	if err := s.scriptHost.Close(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.binaryHost.Close(ctx); err != nil && firstErr == nil {
		firstErr = err
	}

	s.log.Info("legacy server closed")
	return firstErr
}

// serverTLS resolves the listener's TLS config. Explicit certificate
// paths win; otherwise development certificates are generated under the
// XDG certs directory on first start.
func (s *Server) serverTLS() (*cryptotls.Config, error) {
	ssl := s.serverCfg.SSL
	if ssl.Certificate != "" || ssl.Key != "" {
		cfg, err := tls.LoadServerTLS(ssl.Certificate, ssl.Key)
		if err != nil {
			return nil, oops.Code("CONFIG_LOAD").
				In("monolith").
				With("certificate", ssl.Certificate).
				With("key", ssl.Key).
				Wrapf(err, "loading server certificates")
		}
		return cfg, nil
	}
	return s.devServerTLS()
}

// devServerTLS loads the generated development certificates, creating
// them on first start. Partial certificate material fails the load
// instead of being regenerated over.
func (s *Server) devServerTLS() (*cryptotls.Config, error) {
	certsDir := xdg.CertsDir()
	certPath := filepath.Join(certsDir, "server.crt")
	keyPath := filepath.Join(certsDir, "server.key")
	caPath := filepath.Join(certsDir, "root-ca.crt")

	if fileExists(certPath) || fileExists(keyPath) || fileExists(caPath) {
		cfg, err := tls.LoadServerTLS(certPath, keyPath)
		if err != nil {
			return nil, oops.Code("CONFIG_LOAD").
				In("monolith").
				With("certs_dir", certsDir).
				Wrapf(err, "loading development certificates")
		}
		return cfg, nil
	}

	s.log.Info("generating development TLS certificates", "certs_dir", certsDir)
	if err := xdg.EnsureDir(certsDir); err != nil {
		return nil, oops.In("monolith").
			With("certs_dir", certsDir).
			Wrapf(err, "creating certs directory")
	}
	ca, err := tls.GenerateCA()
	if err != nil {
		return nil, oops.In("monolith").Wrapf(err, "generating development CA")
	}
	serverCert, err := tls.GenerateServerCert(ca, "server", s.serverCfg.Host)
	if err != nil {
		return nil, oops.In("monolith").Wrapf(err, "generating server certificate")
	}
	if err := tls.SaveCertificates(certsDir, ca, serverCert); err != nil {
		return nil, oops.In("monolith").
			With("certs_dir", certsDir).
			Wrapf(err, "saving development certificates")
	}

	cfg, err := tls.LoadServerTLS(certPath, keyPath)
	if err != nil {
		return nil, oops.In("monolith").
			With("certs_dir", certsDir).
			Wrapf(err, "loading generated certificates")
	}
	return cfg, nil
}

// fileExists treats permission errors as existing so unreadable
// operator files are never silently overwritten.
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil || !os.IsNotExist(err)
}
