package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "deoxy",
		Short: "deoxy - programmable buffer-exchange controller",
		Long: `deoxy drives lab buffer-exchange hardware (pumps, valves, pressure
sensors) from declarative, unit-checked programs.

Features:
  - Dimensionally checked quantities ("5 mL/min", "90 deg", "2 s")
  - Swappable GPIO and software device drivers
  - Immutable programs with creation-time validation
  - Asynchronous runs with device leasing and cancellation
  - TOML program library with live reload
  - Durable run history in SQLite`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "deoxy.toml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newServeCommand(version))
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newDevicesCommand())
	rootCmd.AddCommand(newRunCommand())

	return rootCmd
}
