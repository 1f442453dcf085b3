// Package control provides an HTTP control socket for process management.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/moltserver/molt/internal/xdg"
)

// HealthResponse is returned by the /health endpoint.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// StatusResponse is returned by the /status endpoint.
type StatusResponse struct {
	Running        bool    `json:"running"`
	Phase          string  `json:"phase"`
	Plugins        int     `json:"plugins"`
	PID            int     `json:"pid"`
	UptimeSeconds  int64   `json:"uptime_seconds"`
	CPUPercent     float64 `json:"cpu_percent"`
	MemoryRSSBytes uint64  `json:"memory_rss_bytes"`
}

// ShutdownResponse is returned by the /shutdown endpoint.
type ShutdownResponse struct {
	Message string `json:"message"`
}

// LifecycleStatus is the host state surfaced on /status.
type LifecycleStatus struct {
	Phase   string
	Plugins int
}

// StatusFunc reports the current lifecycle state.
type StatusFunc func() LifecycleStatus

// ShutdownFunc is called when shutdown is requested.
type ShutdownFunc func()

// Server runs HTTP over a Unix socket for process management.
type Server struct {
	startTime    time.Time
	listener     net.Listener
	httpServer   *http.Server
	socketPath   string
	statusFunc   StatusFunc
	shutdownFunc ShutdownFunc
	running      atomic.Bool
}

// NewServer creates a control socket server. An empty socketPath falls
// back to DefaultSocketPath at Start.
func NewServer(socketPath string, statusFunc StatusFunc, shutdownFunc ShutdownFunc) *Server {
	s := &Server{
		startTime:    time.Now(),
		socketPath:   socketPath,
		statusFunc:   statusFunc,
		shutdownFunc: shutdownFunc,
	}
	s.running.Store(true)
	return s
}

// DefaultSocketPath returns the socket path under the runtime directory.
func DefaultSocketPath() string {
	return filepath.Join(xdg.RuntimeDir(), "molt.sock")
}

// Start begins listening on the Unix socket.
func (s *Server) Start() error {
	if s.socketPath == "" {
		s.socketPath = DefaultSocketPath()
	}

	// Ensure runtime directory exists
	runtimeDir := filepath.Dir(s.socketPath)
	if err := xdg.EnsureDir(runtimeDir); err != nil {
		return fmt.Errorf("failed to create runtime directory: %w", err)
	}

	// Remove existing socket file if present
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on socket: %w", err)
	}
	s.listener = listener

	// Set socket permissions to owner-only
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /shutdown", s.handleShutdown)

	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("control socket server error",
				"path", s.socketPath,
				"error", err,
			)
		}
	}()

	return nil
}

// Stop gracefully shuts down the control socket server.
func (s *Server) Stop(ctx context.Context) error {
	s.running.Store(false)

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown http server: %w", err)
		}
	}

	// Close listener if httpServer didn't handle it
	if s.listener != nil {
		if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			slog.Warn("failed to close control socket listener",
				"path", s.socketPath,
				"error", err,
			)
		}
	}

	// Clean up socket file
	if s.socketPath != "" {
		if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
			slog.Warn("failed to remove control socket file",
				"path", s.socketPath,
				"error", err,
			)
		}
	}

	return nil
}

// handleHealth returns health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if err := writeJSON(w, http.StatusOK, resp); err != nil {
		slog.Error("failed to write health response", "error", err)
	}
}

// handleStatus returns running status with lifecycle and process stats.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{
		Running:       s.running.Load(),
		PID:           os.Getpid(),
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
	}
	if s.statusFunc != nil {
		status := s.statusFunc()
		resp.Phase = status.Phase
		resp.Plugins = status.Plugins
	}
	resp.CPUPercent, resp.MemoryRSSBytes = procStats()

	if err := writeJSON(w, http.StatusOK, resp); err != nil {
		slog.Error("failed to write status response", "error", err)
	}
}

// handleShutdown initiates graceful shutdown.
func (s *Server) handleShutdown(w http.ResponseWriter, _ *http.Request) {
	resp := ShutdownResponse{
		Message: "shutdown initiated",
	}
	if err := writeJSON(w, http.StatusOK, resp); err != nil {
		slog.Error("failed to write shutdown response", "error", err)
	}

	// Trigger shutdown asynchronously
	if s.shutdownFunc != nil {
		go s.shutdownFunc()
	}
}

// procStats samples this process's CPU and resident memory. Sampling
// failures report zeros; the status endpoint must keep answering.
func procStats() (cpuPercent float64, rssBytes uint64) {
	proc, err := process.NewProcess(int32(os.Getpid())) // #nosec G115 -- PIDs fit in int32 on supported platforms
	if err != nil {
		return 0, 0
	}
	if v, err := proc.CPUPercent(); err == nil {
		cpuPercent = v
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		rssBytes = mem.RSS
	}
	return cpuPercent, rssBytes
}

// writeJSON writes a JSON response with the given status code.
// Returns an error if JSON encoding fails.
//
//nolint:unparam // statusCode is always http.StatusOK currently, but API is designed for extensibility
func writeJSON(w http.ResponseWriter, statusCode int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		return fmt.Errorf("failed to encode JSON response: %w", err)
	}
	return nil
}
