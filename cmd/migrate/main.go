package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"CoverLedger/internal/config"
	"CoverLedger/internal/observability"
	"CoverLedger/internal/persistence"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
)

var cfgPath string

func main() {
	root := &cobra.Command{
		Use:          "migrate",
		Short:        "Applies or rolls back CoverLedger SQL migrations",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (defaults and COVER_* env when empty)")

	root.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: withMigrator(func(ctx context.Context, m *persistence.Migrator, cmd *cobra.Command) error {
				return m.Up(ctx)
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the last migration",
			Args:  cobra.NoArgs,
			RunE: withMigrator(func(ctx context.Context, m *persistence.Migrator, cmd *cobra.Command) error {
				return m.Down(ctx)
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "List migrations and whether they are applied",
			Args:  cobra.NoArgs,
			RunE: withMigrator(func(ctx context.Context, m *persistence.Migrator, cmd *cobra.Command) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return err
				}
				for _, s := range statuses {
					mark := " "
					if s.Applied {
						mark = "x"
					}
					fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s\n", mark, s.Filename)
				}
				return nil
			}),
		},
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func withMigrator(fn func(ctx context.Context, m *persistence.Migrator, cmd *cobra.Command) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		if err := cfg.Postgres.Validate(); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		log := observability.NewLoggerWithLevel("migrate", observability.ResolveLevel(cfg.Log.Level))

		db, err := sql.Open("postgres", cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer db.Close()

		ctx := cmd.Context()
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("ping db: %w", err)
		}
		return fn(ctx, persistence.NewMigrator(db, persistence.MigrationSource(cfg.Postgres.MigrationsDir), log), cmd)
	}
}
