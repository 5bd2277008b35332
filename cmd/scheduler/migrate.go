package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/example/studio-scheduler/internal/persistence/sqlite"
	"github.com/example/studio-scheduler/internal/persistence/sqlite/migration"
)

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations to the SQLite database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load(cmd)
			if err != nil {
				return err
			}
			if cfg.StorageDriver != "sqlite" {
				return fmt.Errorf("migrate: storage driver is %q, nothing to migrate", cfg.StorageDriver)
			}
			pool, err := sqlite.NewConnectionPool(cmd.Context(), migration.DefaultSQLiteConfig(cfg.SQLitePath))
			if err != nil {
				return err
			}
			defer pool.Close()

			applied, err := pool.Migrate(cmd.Context(), logger)
			if err != nil {
				return err
			}
			logger.Info("migrations complete", slog.Int("applied", applied), slog.String("path", cfg.SQLitePath))
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", applied)
			return nil
		},
	}
}
