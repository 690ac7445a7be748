// Package cli wires the etwtrace commands.
package cli

import (
	"github.com/spf13/cobra"

	configcmd "github.com/coral-mesh/etwtrace/internal/cli/config"
	"github.com/coral-mesh/etwtrace/internal/cli/helpers"
	"github.com/coral-mesh/etwtrace/internal/cli/symbols"
	"github.com/coral-mesh/etwtrace/internal/cli/trace"
	"github.com/coral-mesh/etwtrace/pkg/version"
)

// NewRootCmd creates the etwtrace command tree.
func NewRootCmd() *cobra.Command {
	opts := &helpers.GlobalOptions{}

	rootCmd := &cobra.Command{
		Use:   "etwtrace",
		Short: "Bridge trace actions to ETW and serve kernel symbols",
		Long: `etwtrace compiles etw_trace(...) calls into trace descriptors, emits events
from them to ETW providers, and runs the symbol server that answers the trace
driver's requests for module functions.

Configuration is read from $ETWTRACE_CONFIG or ~/.etwtrace/config.yaml, and
ETWTRACE_* environment variables override it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	opts.AddFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(trace.NewCompileCmd(opts))
	rootCmd.AddCommand(trace.NewInspectCmd(opts))
	rootCmd.AddCommand(trace.NewEmitCmd(opts))
	rootCmd.AddCommand(symbols.NewSymbolsCmd(opts))
	rootCmd.AddCommand(symbols.NewSymSrvCmd(opts))
	rootCmd.AddCommand(configcmd.NewConfigCmd(opts))
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Print(version.Get().String())
		},
	}
}

// Execute runs the root command
func Execute() error {
	return NewRootCmd().Execute()
}
