package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/assuredefi/mason-autopilot/internal/log"
)

var (
	configPath string
	verbosity  int
	rootCmd    = &cobra.Command{
		Use:   "mason-autopilot",
		Short: "Mason Autopilot - autonomous backlog engine",
		Long: `Mason Autopilot runs the scheduled review and execution loop for a
Mason-connected repository: it analyzes the codebase for improvement
opportunities, auto-approves backlog items within the configured guardian
rails, drives the coding agent to implement approved work, and reports
outcomes to your notification channels.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log.Initialize(verbosity, os.Stderr)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "increase log verbosity (-v, -vv)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
