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

var rootCmd = &cobra.Command{
	Use:   "ganymede",
	Short: "Ganymede - credential-pooling reverse proxy",
	Long: `Ganymede pools OAuth-backed upstream accounts behind a single stable
HTTP endpoint and decides per request which credential serves it.

It provides:
  - Session-affine account selection with a preferred-account override
  - Live runtime reconfiguration without restarts
  - An operator command endpoint for pool management
  - Bounded transaction monitoring and usage statistics`,
	Version: Version,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yaml", "config file path")
}
