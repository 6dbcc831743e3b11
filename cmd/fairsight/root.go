package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"
	rootCmd = &cobra.Command{
		Use:   "fairsight",
		Short: "AI decision governance core",
		Long: `Fairsight - AI Decision Governance Core

Fairsight records AI-assisted banking decisions together with their
protected-attribute snapshots and model explanations, maintains sliding
window fairness metrics per demographic group, raises bias alerts when
a metric breaches its configured threshold, and keeps every event in a
hash-chained, append-only audit log.`,
		Version: version,
	}

	flagConfig  string
	flagDataDir string
)

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// init sets up the root command
func init() {
	rootCmd.SetVersionTemplate(`Fairsight {{.Version}} - AI Decision Governance Core
`)
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Path to YAML configuration (defaults apply when empty)")
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "./fairsight-data", "Directory for databases and the audit log")
}
