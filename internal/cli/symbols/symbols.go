// Package symbols implements the symbol server commands.
package symbols

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/etwtrace/internal/cli/helpers"
	"github.com/coral-mesh/etwtrace/internal/config"
	"github.com/coral-mesh/etwtrace/internal/symsrv"
	"github.com/coral-mesh/etwtrace/internal/symsrv/module"
	"github.com/coral-mesh/etwtrace/internal/symsrv/transport"
)

// DefaultImageBase is the base an image given on the command line is loaded at
// when --base is not set.
const DefaultImageBase = 0x140000000

// FunctionRow is one line of symbols output.
type FunctionRow struct {
	RVA     uint32   `header:"RVA,hex" json:"rva" yaml:"rva"`
	Size    uint32   `header:"Size" json:"size" yaml:"size"`
	Name    string   `header:"Name" json:"name" yaml:"name"`
	Aliases []string `header:"Aliases" json:"aliases,omitempty" yaml:"aliases,omitempty"`
	VarArgs bool     `header:"VarArgs" json:"varargs" yaml:"varargs"`
	Types   []string `header:"Signature" json:"signature,omitempty" yaml:"signature,omitempty"`
}

// NewSymbolsCmd creates the symbols command.
func NewSymbolsCmd(opts *helpers.GlobalOptions) *cobra.Command {
	var (
		base   string
		filter string
		kernel bool
		where  string
		format string
	)

	cmd := &cobra.Command{
		Use:   "symbols [image]",
		Short: "List the functions the symbol server returns for a module",
		Long: `Run the symbol server worker against a PE image over an in-memory channel and
print every function it returns, the same way the driver enumerates them.

Without an image argument the module is looked up by --base among the
symsrv.modules mappings of the configuration.`,
		Example: `  etwtrace symbols C:\Windows\System32\drivers\tcpip.sys
  etwtrace symbols --base 0xfffff80012340000 --filter "Tcp*" -o json
  etwtrace symbols driver.sys --where 'varargs || signature.size() > 4'`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			outFormat, err := helpers.ParseFormat(format)
			if err != nil {
				return err
			}

			var wf *whereFilter
			if where != "" {
				if wf, err = newWhereFilter(where); err != nil {
					return err
				}
			}

			env, err := opts.Load()
			if err != nil {
				return err
			}

			moduleBase := uint64(DefaultImageBase)
			if base != "" {
				if moduleBase, err = helpers.ParseAddress(base); err != nil {
					return err
				}
			} else if len(args) == 0 {
				return fmt.Errorf("either an image or --base is required")
			}

			images := mappings(env.Config.SymSrv.Modules)
			if len(args) == 1 {
				images = append(images, module.ImageMapping{Base: moduleBase, Path: args[0]})
			}

			fns, err := enumerate(cmd.Context(), env, images, symsrv.Query{
				ModuleBase: moduleBase,
				Kernel:     kernel,
				Filter:     filter,
			})
			if err != nil {
				return err
			}

			out := rows(fns)
			if wf != nil {
				if out, err = wf.apply(out); err != nil {
					return err
				}
			}

			formatter, err := helpers.NewFormatter(outFormat)
			if err != nil {
				return err
			}
			return formatter.Format(out, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&base, "base", "", "Module base address (default 0x140000000 for an image argument)")
	cmd.Flags().StringVar(&filter, "filter", "", "Function name to look up; empty or a pattern lists every function")
	cmd.Flags().BoolVar(&kernel, "kernel", false, "Treat the module as the kernel image")
	cmd.Flags().StringVar(&where, "where", "", "CEL expression over rva, size, name, aliases, varargs and signature")
	cmd.Flags().StringVarP(&format, "format", "o", string(helpers.FormatTable),
		fmt.Sprintf("Output format (%s)", strings.Join(helpers.FormatNames(), ", ")))
	_ = cmd.RegisterFlagCompletionFunc("format", func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
		return helpers.FormatNames(), cobra.ShellCompDirectiveNoFileComp
	})
	return cmd
}

// enumerate starts a worker over an in-memory pipe and drives it with a
// client until the module's functions are exhausted.
func enumerate(ctx context.Context, env *helpers.Env, images []module.ImageMapping, q symsrv.Query) ([]symsrv.Function, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg := env.Config.SymSrv
	pipe := transport.NewPipe()
	srv := symsrv.NewServer(pipe, module.NewPELoader(images, env.Logger), env.Logger,
		symsrv.WithBufferSize(cfg.BufferSize),
		symsrv.WithStopPoll(cfg.StopPoll),
	)
	if err := srv.Start(ctx); err != nil {
		return nil, err
	}
	defer func() {
		_ = srv.Stop()
		stats := srv.Stats()
		env.Logger.Debug().
			Uint64("requests", stats.Requests).
			Uint64("replies", stats.Replies).
			Uint64("skipped", stats.Skipped).
			Msg("Symbol server stopped")
	}()

	fns, err := symsrv.NewClient(pipe, cfg.BufferSize).All(ctx, q)
	if err != nil {
		return nil, err
	}
	if srv.Stats().Failures > 0 {
		return nil, fmt.Errorf("failed to load module at 0x%x, see the log for details", q.ModuleBase)
	}
	return fns, nil
}

func mappings(mods []config.ModuleMapping) []module.ImageMapping {
	out := make([]module.ImageMapping, 0, len(mods)+1)
	for _, m := range mods {
		out = append(out, module.ImageMapping{Base: m.Base, Path: m.Path})
	}
	return out
}

func rows(fns []symsrv.Function) []FunctionRow {
	out := make([]FunctionRow, 0, len(fns))
	for _, f := range fns {
		row := FunctionRow{
			RVA:     f.RVA,
			Size:    f.Size,
			VarArgs: f.VarArgs,
			Types:   f.ParamTypes,
		}
		if len(f.Names) > 0 {
			row.Name = f.Names[0]
			row.Aliases = f.Names[1:]
		}
		out = append(out, row)
	}
	return out
}
