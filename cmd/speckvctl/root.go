// root.go wires the speckvctl root command and its subcommands, in the
// style of the core library's cmd.go: a single NewCLI constructor
// assembling independently-defined subcommands.
package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

const version = "0.1.0"

// NewCLI constructs the root command.
func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "speckvctl",
		Short:         "Drive the tiered KV-cache memory engine over a mock transport",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.AddCommand(
		newDemoCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the speckvctl version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version)
			return nil
		},
	}
}
