// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Molt Authors

//go:build integration

// Package integration provides end-to-end tests for the molt host.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/Masterminds/semver/v3"
	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/moltserver/molt/internal/config"
	"github.com/moltserver/molt/internal/control"
	"github.com/moltserver/molt/internal/legacy"
	"github.com/moltserver/molt/internal/monolith"
	"github.com/moltserver/molt/internal/observability"
	"github.com/moltserver/molt/pkg/errutil"
)

const hostVersion = "9.1.0"

// The dashboard fixture exercises the whole script plugin surface: all
// three lifecycle hooks, the molt.* host API, and a nav-link export.
const dashboardManifest = `name: dashboard
version: 1.0.0
compat: ">= 9.0.0"
type: script
config-keys:
  - logging.level
script-plugin:
  entry: main.lua
exports:
  - type: nav-link
    id: dashboard
    title: Dashboard
    url: /app/dashboard
`

const dashboardScript = `function on_init(settings)
  molt.log("info", "dashboard loaded on molt " .. molt.host_version())
end

function on_config(settings)
  molt.log("info", "dashboard sees log level " .. tostring(settings["logging.level"]))
end

function on_stop()
  molt.log("info", "dashboard stopped")
end
`

// testEnv holds the resources one spec drives.
type testEnv struct {
	ctx        context.Context
	cancel     context.CancelFunc
	dir        string
	configPath string
	pluginsDir string
	serverPort int

	cfgService *config.Service
	metrics    *observability.Metrics
	service    *legacy.Service
	control    *control.Server
}

// setupTestEnv writes a real config file plus a plugins directory and
// wires the lifecycle adapter around them. The temp root lives directly
// under /tmp so the control socket path stays inside the kernel's unix
// socket path limit.
func setupTestEnv() (*testEnv, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	env := &testEnv{ctx: ctx, cancel: cancel}

	dir, err := os.MkdirTemp("/tmp", "molt-e2e-")
	if err != nil {
		cancel()
		return nil, err
	}
	env.dir = dir
	env.pluginsDir = filepath.Join(dir, "plugins")
	env.configPath = filepath.Join(dir, "molt.yaml")

	pluginDir := filepath.Join(env.pluginsDir, "dashboard")
	if err := os.MkdirAll(pluginDir, 0o755); err != nil {
		env.cleanup()
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(pluginDir, "plugin.yaml"), []byte(dashboardManifest), 0o644); err != nil {
		env.cleanup()
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(pluginDir, "main.lua"), []byte(dashboardScript), 0o644); err != nil {
		env.cleanup()
		return nil, err
	}

	env.serverPort, err = freePort()
	if err != nil {
		env.cleanup()
		return nil, err
	}
	if err := env.writeConfig("info"); err != nil {
		env.cleanup()
		return nil, err
	}

	log := slog.New(slog.NewTextHandler(GinkgoWriter, &slog.HandlerOptions{Level: slog.LevelDebug}))

	env.cfgService, err = config.NewService(log, env.configPath, nil)
	if err != nil {
		env.cleanup()
		return nil, err
	}

	env.metrics = observability.NewMetrics(prometheus.NewRegistry())
	env.service = legacy.NewService(legacy.Deps{
		Log:         log,
		Config:      env.cfgService,
		Factory:     monolith.NewFactory(monolith.FactoryOptions{Version: hostVersion}),
		HostVersion: semver.MustParse(hostVersion),
		Metrics:     env.metrics,
	})

	return env, nil
}

// writeConfig renders molt.yaml with the given log level. Rewriting
// with a new level is how specs trigger a live reload.
func (env *testEnv) writeConfig(level string) error {
	content := fmt.Sprintf(`server:
  host: 127.0.0.1
  port: %d
logging:
  level: %s
  format: text
plugins:
  scanDirs:
    - %s
metrics:
  addr: ""
control:
  enabled: false
`, env.serverPort, level, env.pluginsDir)
	return os.WriteFile(env.configPath, []byte(content), 0o644)
}

// cleanup releases everything a spec may have started.
func (env *testEnv) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if env.control != nil {
		_ = env.control.Stop(ctx)
	}
	if env.service != nil {
		_ = env.service.Stop(ctx)
	}
	if env.cfgService != nil {
		env.cfgService.Close()
	}
	env.cancel()
	if env.dir != "" {
		_ = os.RemoveAll(env.dir)
	}
}

func (env *testEnv) apiURL(path string) string {
	return fmt.Sprintf("http://127.0.0.1:%d%s", env.serverPort, path)
}

// freePort grabs an ephemeral port and releases it for the server to
// bind. The config schema requires an explicit port, so :0 is not an
// option in the file.
func freePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

func getJSON(url string, out any) error {
	resp, err := http.Get(url) //nolint:gosec // test URLs are locally constructed
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

var _ = Describe("Host Lifecycle", func() {
	var env *testEnv

	BeforeEach(func() {
		var err error
		env, err = setupTestEnv()
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		env.cleanup()
	})

	It("drives discovery, setup, start, reload, and stop end to end", func() {
		By("discovering plugins from the scan directory")
		result, err := env.service.DiscoverPlugins(env.ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Specs).To(HaveLen(1))
		Expect(result.Specs[0].Name()).To(Equal("dashboard"))
		Expect(env.service.Phase()).To(Equal(legacy.PhaseDiscovered))

		By("recording setup dependencies")
		err = env.service.Setup(env.ctx, legacy.SetupDeps{Metrics: env.metrics})
		Expect(err).NotTo(HaveOccurred())
		Expect(env.service.Phase()).To(Equal(legacy.PhaseSetup))

		By("starting the delegate with a bound listener")
		err = env.service.Start(env.ctx, legacy.StartDeps{AutoListen: true})
		Expect(err).NotTo(HaveOccurred())
		Expect(env.service.Phase()).To(Equal(legacy.PhaseStarted))

		By("answering the legacy status API with the loaded plugin")
		var status struct {
			Status  string `json:"status"`
			Version string `json:"version"`
			Plugins struct {
				Loaded int `json:"loaded"`
				Failed int `json:"failed"`
			} `json:"plugins"`
		}
		Eventually(func() error {
			return getJSON(env.apiURL("/api/status"), &status)
		}, 5*time.Second, 100*time.Millisecond).Should(Succeed())
		Expect(status.Status).To(Equal("green"))
		Expect(status.Version).To(Equal(hostVersion))
		Expect(status.Plugins.Loaded).To(Equal(1))
		Expect(status.Plugins.Failed).To(BeZero())

		By("serving the plugin's nav-link export")
		var nav struct {
			NavLinks []struct {
				ID     string `json:"id"`
				Title  string `json:"title"`
				Plugin string `json:"plugin"`
			} `json:"navLinks"`
		}
		Expect(getJSON(env.apiURL("/api/nav-links"), &nav)).To(Succeed())
		Expect(nav.NavLinks).To(HaveLen(1))
		Expect(nav.NavLinks[0].ID).To(Equal("dashboard"))
		Expect(nav.NavLinks[0].Plugin).To(Equal("dashboard"))

		By("forwarding a config file change to the delegate")
		Expect(env.cfgService.Watch(env.ctx)).To(Succeed())
		Expect(env.writeConfig("debug")).To(Succeed())
		Eventually(func() float64 {
			return testutil.ToFloat64(env.metrics.SnapshotsForwarded)
		}, 10*time.Second, 100*time.Millisecond).Should(BeNumerically(">=", 1))
		Eventually(func() float64 {
			return testutil.ToFloat64(env.metrics.AppliedConfigSeq)
		}, 10*time.Second, 100*time.Millisecond).Should(BeNumerically(">=", 2))

		By("stopping the lifecycle")
		Expect(env.service.Stop(env.ctx)).To(Succeed())
		Expect(env.service.Phase()).To(Equal(legacy.PhaseStopped))

		By("refusing connections after the delegate closed")
		Eventually(func() error {
			var out map[string]any
			return getJSON(env.apiURL("/api/status"), &out)
		}, 5*time.Second, 100*time.Millisecond).ShouldNot(Succeed())

		By("tolerating a second stop")
		Expect(env.service.Stop(env.ctx)).To(Succeed())
	})

	It("enforces the lifecycle call order", func() {
		By("rejecting setup before discovery")
		err := env.service.Setup(env.ctx, legacy.SetupDeps{})
		Expect(err).To(HaveOccurred())
		Expect(errutil.Code(err)).To(Equal("LEGACY_DISCOVERY_REQUIRED"))

		By("rejecting start before setup")
		err = env.service.Start(env.ctx, legacy.StartDeps{})
		Expect(err).To(HaveOccurred())
		Expect(errutil.Code(err)).To(Equal("LEGACY_SETUP_REQUIRED"))

		By("treating stop without start as a no-op")
		Expect(env.service.Stop(env.ctx)).To(Succeed())
		Expect(env.service.Phase()).To(Equal(legacy.PhaseNew))

		By("rejecting a second discovery after the first")
		_, err = env.service.DiscoverPlugins(env.ctx)
		Expect(err).NotTo(HaveOccurred())
		_, err = env.service.DiscoverPlugins(env.ctx)
		Expect(err).To(HaveOccurred())
		Expect(errutil.Code(err)).To(Equal("LEGACY_ALREADY_DISCOVERED"))
	})

	It("serves host status over the control socket", func() {
		_, err := env.service.DiscoverPlugins(env.ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(env.service.Setup(env.ctx, legacy.SetupDeps{Metrics: env.metrics})).To(Succeed())
		Expect(env.service.Start(env.ctx, legacy.StartDeps{AutoListen: false})).To(Succeed())

		By("starting the control socket next to the config file")
		socketPath := filepath.Join(env.dir, "molt.sock")
		var shutdownRequested atomic.Bool
		env.control = control.NewServer(socketPath,
			func() control.LifecycleStatus {
				status := control.LifecycleStatus{Phase: env.service.Phase().String()}
				if d := env.service.Discovery(); d != nil {
					status.Plugins = len(d.Specs)
				}
				return status
			},
			func() { shutdownRequested.Store(true) },
		)
		Expect(env.control.Start()).To(Succeed())

		client := unixHTTPClient(socketPath)

		By("reporting the running lifecycle phase")
		var status control.StatusResponse
		Eventually(func() error {
			return getUnixJSON(client, "/status", &status)
		}, 5*time.Second, 100*time.Millisecond).Should(Succeed())
		Expect(status.Running).To(BeTrue())
		Expect(status.Phase).To(Equal("started"))
		Expect(status.Plugins).To(Equal(1))
		Expect(status.PID).To(Equal(os.Getpid()))

		By("triggering shutdown on request")
		resp, err := client.Post("http://unix/shutdown", "application/json", nil)
		Expect(err).NotTo(HaveOccurred())
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Eventually(shutdownRequested.Load, 5*time.Second, 50*time.Millisecond).Should(BeTrue())

		By("removing the socket file on stop")
		Expect(env.control.Stop(env.ctx)).To(Succeed())
		env.control = nil
		_, err = os.Stat(socketPath)
		Expect(os.IsNotExist(err)).To(BeTrue())
	})
})

// unixHTTPClient dials the control socket regardless of the request URL
// host.
func unixHTTPClient(socketPath string) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
		Timeout: 2 * time.Second,
	}
}

func getUnixJSON(client *http.Client, path string, out any) error {
	resp, err := client.Get("http://unix" + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
