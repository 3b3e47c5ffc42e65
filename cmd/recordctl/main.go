// Package main provides recordctl, the operator CLI for patient records.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "recordctl",
		Short:        "Inspect and reconcile patient records",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(diffCmd())
	rootCmd.AddCommand(mergeCmd())
	rootCmd.AddCommand(topicsCmd())
	rootCmd.AddCommand(schemaCmd())
	rootCmd.AddCommand(remoteDiffCmd())

	return rootCmd
}
