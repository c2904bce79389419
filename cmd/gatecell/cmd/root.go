// Package cmd provides the CLI commands for gatecell.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gatecell/gatecell/internal/config"
)

var cfgFile string
var stateFilePath string
var logLevelFlag string

var rootCmd = &cobra.Command{
	Use:   "gatecell",
	Short: "gatecell - GCRA admission control service",
	Long: `gatecell is a rate limiting service built on the generic cell rate
algorithm (GCRA). Clients ask it whether a request should be admitted; it
answers from per-key virtual scheduling state, so bursts are absorbed up to
the configured burst size and sustained traffic is held to the configured
rate.

Quick start:
  1. Create a config file: gatecell.yaml
  2. Run: gatecell serve

Configuration:
  Config is loaded from gatecell.yaml in the current directory,
  $HOME/.gatecell/, or /etc/gatecell/.

  Environment variables can override config values with the GATECELL_ prefix.
  Example: GATECELL_SERVER_HTTP_ADDR=:9090

Commands:
  serve       Start the admission server
  stop        Stop the running server
  validate    Check a config file without starting the server
  hash-key    Generate an Argon2id hash for the admin API key
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
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./gatecell.yaml)")
	rootCmd.PersistentFlags().StringVar(&stateFilePath, "state", "", "path to state.json file (default: ./state.json)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "log level: debug, info, warn, error (overrides config)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
