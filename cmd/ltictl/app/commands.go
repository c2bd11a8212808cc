// Package app holds the ltictl subcommands.
package app

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the ltictl command tree.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "ltictl",
		DisableAutoGenTag: true,
		SilenceUsage:      true,
		Short:             "Operator tasks for the LTI launch service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	rootCmd.AddCommand(newSweepCmd(), newHashPasswordCmd())
	return rootCmd
}
