package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/talonsec/talon-stack/cli/internal/config"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "talon",
	Short: "Talon Stack CLI",
	Long: `talon is the command-line interface for the Talon triage stack.

Submit telemetry batches for triage, inspect run reports, look up
incident tickets, and find incidents similar to an event or a free-text
description.`,
	Version: "0.1.0",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.talon/config.yaml)")
	rootCmd.PersistentFlags().String("output", "table", "output format: table, json, yaml")
}

func initConfig() {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not load config: %v\n", err)
		cfg = config.Default()
	}
}
