package main

import (
	"github.com/spf13/cobra"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the molt CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "molt",
		Short: "Molt - a lifecycle host for a legacy plugin server",
		Long: `Molt hosts a legacy HTTP server as a managed delegate: layered
configuration with hot reload, one-time plugin discovery for script
and binary plugins, and a TLS search proxy.`,
	}

	// Global flag for config file path
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")

	// Add subcommands
	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(newDiscoverCmd())
	cmd.AddCommand(newStatusCmd())

	return cmd
}
