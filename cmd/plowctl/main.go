package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wheretheplow/plowfleet/cmd/plowctl/commands"
)

var (
	// Version information (set by build flags)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "plowctl",
		Short: "Plowfleet operator CLI",
		Long: `plowctl administers a plowfleet coordinator: it admits and revokes agents,
provisions agent keys, inspects the fetch schedule and controls the
coordinator's direct collector.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	rootCmd.PersistentFlags().String("coordinator", "", "Coordinator URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().String("token", "", "Operator token (see 'coordinator token')")
	rootCmd.PersistentFlags().String("config", "", "Config file path (default: $HOME/.plowfleet/config.yaml)")
	rootCmd.PersistentFlags().StringP("output", "o", "table", "Output format: table, json, yaml")

	// Add subcommands
	rootCmd.AddCommand(commands.NewAgentsCommand())
	rootCmd.AddCommand(commands.NewCollectorCommand())
	rootCmd.AddCommand(commands.NewScheduleCommand())
	rootCmd.AddCommand(commands.NewEventsCommand())
	rootCmd.AddCommand(commands.NewVersionCommand(Version, BuildTime, GitCommit))

	return rootCmd
}
