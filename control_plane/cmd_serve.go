package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/itskum47/FwForge/control_plane/config"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane HTTP server and background loops",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv, err := Open(ctx, cfg, logger)
			if err != nil {
				return err
			}
			if migrate && srv.postgres != nil {
				if err := srv.postgres.Migrate(ctx); err != nil {
					srv.Close()
					return err
				}
				logger.Info("schema migrated")
			}

			if opts.configPath != "" {
				w := config.NewWatcher(opts.configPath, srv.ApplyConfig, logger)
				go func() {
					if err := w.Run(ctx); err != nil && ctx.Err() == nil {
						logger.Error("config watcher stopped", "error", err)
					}
				}()
			}

			return srv.Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply the Postgres schema before serving")
	return cmd
}
