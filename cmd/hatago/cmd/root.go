// Package cmd provides the CLI commands for the hub.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hatago/hatago/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "hatago",
	Short: "Hatago - MCP hub",
	Long: `Hatago aggregates one or more upstream MCP servers behind a single
downstream MCP endpoint, merging their tools, resources, and prompts into
one namespaced catalog.

Quick start:
  1. Create a config file: hatago.yaml
  2. Run: hatago start

Configuration:
  Config is loaded from hatago.yaml in the current directory, $HOME/.hatago/,
  or /etc/hatago/.

  Environment variables can override config values with the HATAGO_ prefix.
  Example: HATAGO_SERVER_HTTP_ADDR=:9090

Commands:
  start       Start the hub
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./hatago.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
