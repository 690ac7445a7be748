package symbols

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/etwtrace/internal/cli/helpers"
	"github.com/coral-mesh/etwtrace/internal/errors"
	"github.com/coral-mesh/etwtrace/internal/retry"
	"github.com/coral-mesh/etwtrace/internal/symsrv"
	"github.com/coral-mesh/etwtrace/internal/symsrv/module"
	"github.com/coral-mesh/etwtrace/internal/symsrv/transport"
)

// Loader names accepted by --loader.
const (
	LoaderDbghelp = "dbghelp"
	LoaderPE      = "pe"
)

// NewSymSrvCmd creates the symsrv command.
func NewSymSrvCmd(opts *helpers.GlobalOptions) *cobra.Command {
	var loaderName string

	cmd := &cobra.Command{
		Use:   "symsrv",
		Short: "Serve symbol requests from the trace driver",
		Long: `Open the trace driver's symbol control device and answer its requests for
module functions until interrupted.

The dbghelp loader resolves symbols through the configured symbol path. The pe
loader reads exports and exception tables from the images listed in
symsrv.modules and needs no PDBs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := opts.Load()
			if err != nil {
				return err
			}
			cfg := env.Config.SymSrv

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			var loader module.Loader
			switch loaderName {
			case LoaderDbghelp:
				dl, err := module.NewDbghelpLoader(cfg.SymbolPath, env.Logger)
				if err != nil {
					return fmt.Errorf("failed to initialize dbghelp: %w", err)
				}
				defer errors.DeferClose(env.Logger, dl, "failed to release dbghelp")
				loader = dl
			case LoaderPE:
				loader = module.NewPELoader(mappings(cfg.Modules), env.Logger)
			default:
				return fmt.Errorf("unknown loader %q, must be %q or %q", loaderName, LoaderDbghelp, LoaderPE)
			}

			ioctl := cfg.IOCTLCode
			if ioctl == 0 {
				ioctl = transport.DefaultIOCTL
			}
			dev, err := transport.OpenDevice(ctx, transport.DeviceConfig{
				Path:  cfg.DevicePath,
				IOCTL: ioctl,
				Retry: retry.DefaultConfig(cfg.OpenRetries),
			}, env.Logger)
			if err != nil {
				return fmt.Errorf("failed to open %s: %w", cfg.DevicePath, err)
			}
			defer errors.DeferClose(env.Logger, dev, "failed to close control device")

			srv := symsrv.NewServer(dev, loader, env.Logger,
				symsrv.WithBufferSize(cfg.BufferSize),
				symsrv.WithStopPoll(cfg.StopPoll),
			)
			if err := srv.Start(ctx); err != nil {
				return err
			}

			select {
			case <-ctx.Done():
			case <-srv.Done():
				env.Logger.Warn().Msg("Symbol server exited")
			}

			if err := srv.Stop(); err != nil {
				return err
			}

			stats := srv.Stats()
			env.Logger.Info().
				Uint64("requests", stats.Requests).
				Uint64("replies", stats.Replies).
				Uint64("reloads", stats.Reloads).
				Uint64("failures", stats.Failures).
				Uint64("skipped", stats.Skipped).
				Msg("Symbol server stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&loaderName, "loader", LoaderDbghelp, "Module loader (dbghelp, pe)")
	return cmd
}
