package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"text/tabwriter"

	"github.com/Masterminds/semver/v3"
	"github.com/spf13/cobra"

	"github.com/moltserver/molt/internal/config"
	"github.com/moltserver/molt/internal/plugin"
)

// discoverConfig holds configuration for the discover command.
type discoverConfig struct {
	jsonOutput bool
}

// discoveredPlugin is one row of discover output.
type discoveredPlugin struct {
	Name    string   `json:"name"`
	Version string   `json:"version"`
	Type    string   `json:"type"`
	Dir     string   `json:"dir"`
	Exports []string `json:"exports,omitempty"`
}

// discoverOutput is the JSON shape of a discovery run.
type discoverOutput struct {
	ScanID       string             `json:"scan_id"`
	DurationMS   int64              `json:"duration_ms"`
	Plugins      []discoveredPlugin `json:"plugins"`
	Disabled     []string           `json:"disabled,omitempty"`
	Incompatible []string           `json:"incompatible,omitempty"`
}

// newDiscoverCmd creates the discover subcommand with all flags configured.
func newDiscoverCmd() *cobra.Command {
	cfg := &discoverConfig{}

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Scan plugin directories without starting the host",
		Long: `Run one plugin discovery pass against the configured scan directories
and print what a serve run would load.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDiscover(cmd, cfg)
		},
	}

	// Register flags
	cmd.Flags().BoolVar(&cfg.jsonOutput, "json", false, "output discovery result as JSON")

	return cmd
}

// runDiscover executes the discover command.
func runDiscover(cmd *cobra.Command, cfg *discoverConfig) error {
	svc, err := config.NewService(slog.Default(), configFile, nil)
	if err != nil {
		return err
	}
	defer svc.Close()
	snap := svc.Current()

	var hostVersion *semver.Version
	if v, err := semver.NewVersion(version); err == nil {
		hostVersion = v
	}

	scanner, err := plugin.NewScanner(plugin.ScanOptions{
		Dirs:        snap.Config.Plugins.ScanDirs,
		Include:     snap.Config.Plugins.Include,
		Disabled:    snap.Config.Plugins.Disabled,
		Workers:     snap.Config.Plugins.ScanWorkers,
		HostVersion: hostVersion,
		Settings:    snap.Flat(),
	}, slog.Default())
	if err != nil {
		return err
	}

	result, err := scanner.Scan(cmd.Context())
	if err != nil {
		return err
	}

	out := discoveryOutput(result)

	if cfg.jsonOutput {
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal discovery result: %w", err)
		}
		cmd.Println(string(data))
		return nil
	}

	cmd.Println(formatDiscoveryTable(out))
	return nil
}

// discoveryOutput converts a scan result into the printable shape.
func discoveryOutput(result *plugin.DiscoveryResult) discoverOutput {
	out := discoverOutput{
		ScanID:       result.ScanID.String(),
		DurationMS:   result.Duration.Milliseconds(),
		Plugins:      make([]discoveredPlugin, 0, len(result.Specs)),
		Disabled:     result.Disabled,
		Incompatible: result.Incompatible,
	}
	for _, spec := range result.Specs {
		exports := make([]string, 0, len(spec.Manifest.Exports))
		for _, exp := range spec.Manifest.Exports {
			exports = append(exports, exp.Type)
		}
		out.Plugins = append(out.Plugins, discoveredPlugin{
			Name:    spec.Manifest.Name,
			Version: spec.Manifest.Version,
			Type:    string(spec.Manifest.Type),
			Dir:     spec.Dir,
			Exports: exports,
		})
	}
	return out
}

// formatDiscoveryTable formats the discovery result as a human-readable table.
func formatDiscoveryTable(out discoverOutput) string {
	var buf []byte
	w := tabwriter.NewWriter((*byteWriter)(&buf), 0, 0, 2, ' ', 0)

	_, _ = fmt.Fprintln(w, "NAME\tVERSION\tTYPE\tEXPORTS\tDIR")
	_, _ = fmt.Fprintln(w, "----\t-------\t----\t-------\t---")
	for _, p := range out.Plugins {
		exports := "-"
		if len(p.Exports) > 0 {
			exports = strings.Join(p.Exports, ",")
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", p.Name, p.Version, p.Type, exports, p.Dir)
	}
	_ = w.Flush()

	summary := fmt.Sprintf("\n%d plugin(s) discovered in %dms", len(out.Plugins), out.DurationMS)
	if len(out.Disabled) > 0 {
		summary += fmt.Sprintf(", %d disabled (%s)", len(out.Disabled), strings.Join(out.Disabled, ", "))
	}
	if len(out.Incompatible) > 0 {
		summary += fmt.Sprintf(", %d incompatible (%s)", len(out.Incompatible), strings.Join(out.Incompatible, ", "))
	}
	return string(buf) + summary
}
