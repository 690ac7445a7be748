package trace

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/etwtrace/internal/cli/helpers"
	"github.com/coral-mesh/etwtrace/internal/config"
	"github.com/coral-mesh/etwtrace/internal/errors"
	"github.com/coral-mesh/etwtrace/internal/etw/argtree"
	"github.com/coral-mesh/etwtrace/internal/etw/emitter"
	"github.com/coral-mesh/etwtrace/internal/etw/provider"
)

// NewEmitCmd creates the emit command.
func NewEmitCmd(opts *helpers.GlobalOptions) *cobra.Command {
	var (
		sinkName string
		verbose  bool
	)

	cmd := &cobra.Command{
		Use:   "emit <call>",
		Short: "Compile a trace call and emit one event from its literal values",
		Long: `Compile an etw_trace(...) call whose payload values are all literals, lay the
values out as trace records and emit the event.

With the memory sink the recorded event is printed; with the etw sink it is
written to the ETW provider named by the call.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := opts.Load()
			if err != nil {
				return err
			}
			if sinkName == "" {
				sinkName = env.Config.ETW.Sink
			}

			call, err := argtree.Parse(args[0], argtree.WithPointerSize(env.Config.ETW.PointerSize))
			if err != nil {
				return fmt.Errorf("failed to parse call: %w", err)
			}

			tc, err := newToolchain(env, sinkName)
			if err != nil {
				return err
			}
			defer errors.DeferClose(env.Logger, tc, "failed to close providers")

			d, err := tc.builder.Build(call)
			if err != nil {
				return err
			}
			defer d.Destroy()

			recs, buf, err := emitter.Layout(d, call)
			if err != nil {
				return err
			}

			diag := io.Discard
			if verbose {
				diag = cmd.ErrOrStderr()
			}
			em := emitter.New(tc.types, tc.providers, env.Logger, emitter.WithOutput(diag))
			if _, err := em.Emit(d, recs, buf); err != nil {
				return err
			}

			stats := em.Stats()
			env.Logger.Debug().
				Uint64("emitted", stats.Emitted).
				Uint64("skipped", stats.Skipped).
				Uint64("disabled", stats.Disabled).
				Msg("Emit finished")
			if stats.Skipped > 0 {
				return fmt.Errorf("event %q was skipped", d.EventName())
			}
			if stats.Disabled > 0 {
				env.Logger.Info().Str("provider", d.ProviderName()).Msg("No session is listening to the provider")
			}

			if tc.memory == nil {
				return nil
			}
			id, _ := provider.ParseGUID(d.ProviderGUID())
			p, ok := tc.memory.Provider(id)
			if !ok {
				return fmt.Errorf("provider %s was not created", d.ProviderGUID())
			}
			for _, ev := range p.Events() {
				if _, err := fmt.Fprint(cmd.OutOrStdout(), helpers.RenderFields(ev)); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&sinkName, "sink", "", "Event sink (memory, etw); defaults to etw.sink from the configuration")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Print per-event trace diagnostics to stderr")
	_ = cmd.RegisterFlagCompletionFunc("sink", func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
		return []string{config.SinkMemory, config.SinkETW}, cobra.ShellCompDirectiveNoFileComp
	})
	return cmd
}
