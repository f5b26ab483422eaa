package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/memohai/dmbridge/internal/db"
	"github.com/memohai/dmbridge/internal/logger"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back the Postgres schema",
	}
	for _, direction := range []string{"up", "down"} {
		direction := direction
		cmd.AddCommand(&cobra.Command{
			Use:   direction,
			Short: fmt.Sprintf("Run migrations %s", direction),
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := opts.loadConfig()
				if err != nil {
					return err
				}
				logger.Init(cfg.Log.Level, cfg.Log.Format)
				if err := db.Migrate(logger.L, cfg.Postgres.DSN(), direction); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "migrations %s: done\n", direction)
				return nil
			},
		})
	}
	return cmd
}
