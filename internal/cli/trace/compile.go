package trace

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/etwtrace/internal/cli/helpers"
	"github.com/coral-mesh/etwtrace/internal/config"
	"github.com/coral-mesh/etwtrace/internal/errors"
	"github.com/coral-mesh/etwtrace/internal/etw/argtree"
	"github.com/coral-mesh/etwtrace/internal/safe"
)

// NewCompileCmd creates the compile command.
func NewCompileCmd(opts *helpers.GlobalOptions) *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "compile <call>",
		Short: "Compile a trace call into a descriptor",
		Long: `Parse an etw_trace(...) call, check it against the wire type registry and
print the resulting descriptor.

The call starts with the provider name, provider GUID, an optional provider
group GUID, the event name, level and keyword, followed by (type, name, value)
payload tuples.`,
		Example: `  etwtrace compile 'etw_trace("MyProv", "{b3a0...}", "Open", 4, 0x1, "etw_uint32", "pid", pid)'
  etwtrace compile --out open.etwd 'etw_trace(...)'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := opts.Load()
			if err != nil {
				return err
			}

			call, err := argtree.Parse(args[0], argtree.WithPointerSize(env.Config.ETW.PointerSize))
			if err != nil {
				return fmt.Errorf("failed to parse call: %w", err)
			}

			tc, err := newToolchain(env, config.SinkMemory)
			if err != nil {
				return err
			}
			defer errors.DeferClose(env.Logger, tc, "failed to close providers")

			d, err := tc.builder.Build(call)
			if err != nil {
				return err
			}
			defer d.Destroy()

			if err := d.Fprint(cmd.OutOrStdout(), tc.types); err != nil {
				return err
			}

			if out == "" {
				return nil
			}
			blob, err := d.MarshalBinary()
			if err != nil {
				return err
			}
			if err := safe.WriteFile(out, blob); err != nil {
				return fmt.Errorf("failed to write descriptor: %w", err)
			}
			env.Logger.Info().Str("path", out).Int("size", len(blob)).Msg("Descriptor written")
			return nil
		},
	}

	cmd.Flags().StringVar(&out, "out", "", "Write the serialized descriptor to this file")
	return cmd
}
