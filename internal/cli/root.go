// Package cli implements the dlinject command line.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/coral-mesh/dlinject/pkg/version"
)

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dlinject",
		Short: "dlinject - load a shared library into a running process",
		Long: `Load a shared library into a running Linux or Android process without
ptrace, by patching its memory through /proc/<pid>/mem.

A frequently called function of the target is temporarily replaced by a
small bootstrap. The first thread to call it maps a fresh page and waits
there while dlinject restores the original code and hands that thread a
loader that calls dlopen on the payload and resumes the original call.

Supported targets: aarch64, x86_64 and i386.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newInjectCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("dlinject version %s\n", version.Version)
			cmd.Printf("Git commit: %s\n", version.GitCommit)
			cmd.Printf("Build date: %s\n", version.BuildDate)
			cmd.Printf("Go version: %s\n", version.GoVersion)
			cmd.Printf("Platform: %s\n", version.Platform())
		},
	}
}

// Execute runs the root command
func Execute() error {
	return NewRootCmd().Execute()
}
