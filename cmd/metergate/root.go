package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "metergate",
	Short: "API monetization gateway with per-call billing against a prepaid balance",
	Long: `Metergate sits in front of registered APIs. It authenticates API keys,
applies per-key rate limits, checks the developer's prepaid balance with an
external settlement service, streams the call through to the upstream, and
records an idempotent usage event plus a balance deduction for every
successful call.

Quick start:
  metergate validate   # Check configuration and registry
  metergate serve      # Start the gateway`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "metergate.yaml", "config file path")
}
