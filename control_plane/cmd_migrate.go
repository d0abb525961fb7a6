package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/itskum47/FwForge/control_plane/store"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if cfg.Postgres.DSN == "" {
				return errors.New("postgres.dsn is required for migrate")
			}
			pg, err := store.NewPostgresStore(cmd.Context(), cfg.Postgres.DSN)
			if err != nil {
				return err
			}
			defer pg.Close()
			if err := pg.Migrate(cmd.Context()); err != nil {
				return err
			}
			logger.Info("schema migrated")
			return nil
		},
	}
}
