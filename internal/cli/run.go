package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/osbits/pagewatch/internal/api"
	"github.com/osbits/pagewatch/internal/observability"
	"github.com/osbits/pagewatch/internal/storage"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	var (
		serve           bool
		addr            string
		shutdownTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run monitors on their schedules until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := bootstrap(cmd, opts)
			if err != nil {
				return err
			}
			defer rt.Close()
			rt.setupRollbar()
			defer observability.CapturePanic(rt.logger, rt.rollbar)()

			serving := serve || rt.cfg.Server.Enabled
			if serving && rt.cfg.Storage.Path == "" {
				rt.cfg.Storage.Path = storage.MemoryPath
			}
			run, err := rt.newRunner()
			if err != nil {
				return err
			}

			var app *api.App
			if serving {
				if app, err = api.New(rt.cfg, rt.store, rt.logger); err != nil {
					return err
				}
				if addr == "" {
					addr = rt.cfg.Server.Addr
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				if err := run.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})

			if app != nil {
				g.Go(func() error {
					return app.Serve(ctx, addr, shutdownTimeout)
				})
			}

			rt.logger.Info("pagewatch started", "monitors", len(rt.cfg.Monitors), "driver", rt.cfg.Browser.Driver)
			err = g.Wait()
			rt.logger.Info("pagewatch stopped")
			return err
		},
	}
	cmd.Flags().BoolVar(&serve, "serve", false, "serve the status API even if server.enabled is false")
	cmd.Flags().StringVar(&addr, "addr", "", "status API listen address (defaults to server.addr)")
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 10*time.Second, "graceful shutdown timeout")
	return cmd
}
