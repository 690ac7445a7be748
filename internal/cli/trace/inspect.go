package trace

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/etwtrace/internal/cli/helpers"
	"github.com/coral-mesh/etwtrace/internal/etw/descriptor"
	"github.com/coral-mesh/etwtrace/internal/etw/wiretype"
	"github.com/coral-mesh/etwtrace/internal/safe"
)

// NewInspectCmd creates the inspect command.
func NewInspectCmd(opts *helpers.GlobalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <file>",
		Short: "Validate and print a serialized descriptor",
		Long: `Read a descriptor written by 'etwtrace compile --out', check its integrity and
internal consistency and print it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := opts.Load()
			if err != nil {
				return err
			}

			blob, err := safe.ReadFile(args[0], &safe.ReadOptions{
				MaxSize: int64(env.Config.ETW.MaxDescriptorSize),
			})
			if err != nil {
				return fmt.Errorf("failed to read descriptor: %w", err)
			}

			d, err := descriptor.Rehydrate(blob)
			if err != nil {
				return err
			}
			if err := d.Validate(); err != nil {
				return err
			}

			types := wiretype.NewRegistry(wiretype.WithPointerSize(env.Config.ETW.PointerSize))
			return d.Fprint(cmd.OutOrStdout(), types)
		},
	}
}
