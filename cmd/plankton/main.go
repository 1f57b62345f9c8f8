// Package main provides the plankton binary, a continuous profiling agent
// that samples its own process and ships the results to a configurable
// destination.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/plankton/internal/cli/run"
	"github.com/coral-mesh/plankton/pkg/version"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "plankton",
		Short:         "Plankton - continuous profiling agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(run.New())
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("Plankton version %s\n", version.Version)
			cmd.Printf("Git commit: %s\n", version.GitCommit)
			cmd.Printf("Build date: %s\n", version.BuildDate)
			cmd.Printf("Go version: %s\n", version.GoVersion)
		},
	}
}
