package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/moltserver/molt/internal/control"
)

// HostStatus holds the status information for the molt process.
type HostStatus struct {
	Running        bool    `json:"running"`
	Health         string  `json:"health,omitempty"`
	Phase          string  `json:"phase,omitempty"`
	Plugins        int     `json:"plugins,omitempty"`
	PID            int     `json:"pid,omitempty"`
	UptimeSeconds  int64   `json:"uptime_seconds,omitempty"`
	CPUPercent     float64 `json:"cpu_percent,omitempty"`
	MemoryRSSBytes uint64  `json:"memory_rss_bytes,omitempty"`
	Error          string  `json:"error,omitempty"`
}

// statusConfig holds configuration for the status command.
type statusConfig struct {
	jsonOutput bool
	socketPath string
}

// newStatusCmd creates the status subcommand with all flags configured.
func newStatusCmd() *cobra.Command {
	cfg := &statusConfig{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show status of the running molt host",
		Long:  `Query the control socket of a running molt host and show its health and lifecycle state.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd, cfg)
		},
	}

	// Register flags
	cmd.Flags().BoolVar(&cfg.jsonOutput, "json", false, "output status as JSON")
	cmd.Flags().StringVar(&cfg.socketPath, "socket", "", "control socket path (default: XDG runtime dir)")

	return cmd
}

// runStatus executes the status command.
func runStatus(cmd *cobra.Command, cfg *statusConfig) error {
	socketPath := cfg.socketPath
	if socketPath == "" {
		socketPath = control.DefaultSocketPath()
	}

	status := queryHostStatus(socketPath)

	var output string
	var err error

	if cfg.jsonOutput {
		output, err = formatStatusJSON(status)
		if err != nil {
			return fmt.Errorf("failed to format JSON: %w", err)
		}
	} else {
		output = formatStatusTable(status)
	}

	cmd.Println(output)
	return nil
}

// queryHostStatus queries the control socket and returns the host status.
func queryHostStatus(socketPath string) HostStatus {
	var status HostStatus

	// Check if socket file exists
	if _, err := os.Stat(socketPath); os.IsNotExist(err) {
		status.Error = "socket not found"
		return status
	}

	client := createUnixHTTPClient(socketPath)

	// Query health endpoint
	healthResp, err := client.Get("http://localhost/health")
	if err != nil {
		status.Error = fmt.Sprintf("failed to connect: %v", err)
		return status
	}
	defer func() { _ = healthResp.Body.Close() }()

	var health control.HealthResponse
	if err := json.NewDecoder(healthResp.Body).Decode(&health); err != nil {
		status.Error = fmt.Sprintf("failed to decode health response: %v", err)
		return status
	}

	// Query status endpoint for more details
	statusResp, err := client.Get("http://localhost/status")
	if err != nil {
		// Health succeeded but status failed - still consider running
		status.Running = true
		status.Health = health.Status
		return status
	}
	defer func() { _ = statusResp.Body.Close() }()

	var controlStatus control.StatusResponse
	if err := json.NewDecoder(statusResp.Body).Decode(&controlStatus); err != nil {
		// Health succeeded but status decode failed - still consider running
		status.Running = true
		status.Health = health.Status
		return status
	}

	// Process is running and responding
	status.Running = controlStatus.Running
	status.Health = health.Status
	status.Phase = controlStatus.Phase
	status.Plugins = controlStatus.Plugins
	status.PID = controlStatus.PID
	status.UptimeSeconds = controlStatus.UptimeSeconds
	status.CPUPercent = controlStatus.CPUPercent
	status.MemoryRSSBytes = controlStatus.MemoryRSSBytes

	return status
}

// createUnixHTTPClient creates an HTTP client that connects via Unix socket.
func createUnixHTTPClient(socketPath string) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
				return net.Dial("unix", socketPath)
			},
		},
		Timeout: 2 * time.Second,
	}
}

// formatStatusTable formats the status as a human-readable table.
func formatStatusTable(status HostStatus) string {
	var buf []byte
	w := tabwriter.NewWriter((*byteWriter)(&buf), 0, 0, 2, ' ', 0)

	if !status.Running {
		reason := "not running"
		if status.Error != "" {
			reason = status.Error
		}
		_, _ = fmt.Fprintf(w, "STATUS\tstopped\n")
		_, _ = fmt.Fprintf(w, "REASON\t%s\n", reason)
		_ = w.Flush()
		return string(buf)
	}

	_, _ = fmt.Fprintf(w, "STATUS\trunning\n")
	_, _ = fmt.Fprintf(w, "HEALTH\t%s\n", status.Health)
	_, _ = fmt.Fprintf(w, "PHASE\t%s\n", status.Phase)
	_, _ = fmt.Fprintf(w, "PLUGINS\t%d\n", status.Plugins)
	_, _ = fmt.Fprintf(w, "PID\t%d\n", status.PID)
	_, _ = fmt.Fprintf(w, "UPTIME\t%s\n", formatUptime(status.UptimeSeconds))
	if status.CPUPercent > 0 {
		_, _ = fmt.Fprintf(w, "CPU\t%.1f%%\n", status.CPUPercent)
	}
	if status.MemoryRSSBytes > 0 {
		_, _ = fmt.Fprintf(w, "RSS\t%s\n", formatBytes(status.MemoryRSSBytes))
	}

	_ = w.Flush()
	return string(buf)
}

// formatStatusJSON formats the status as JSON.
func formatStatusJSON(status HostStatus) (string, error) {
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal status: %w", err)
	}
	return string(data), nil
}

// formatUptime formats seconds into a human-readable duration.
func formatUptime(seconds int64) string {
	if seconds < 60 {
		return fmt.Sprintf("%ds", seconds)
	}
	if seconds < 3600 {
		return fmt.Sprintf("%dm %ds", seconds/60, seconds%60)
	}
	hours := seconds / 3600
	minutes := (seconds % 3600) / 60
	return fmt.Sprintf("%dh %dm", hours, minutes)
}

// formatBytes renders a byte count in binary units.
func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// byteWriter is a simple writer that appends to a byte slice.
type byteWriter []byte

func (w *byteWriter) Write(p []byte) (int, error) {
	*w = append(*w, p...)
	return len(p), nil
}
