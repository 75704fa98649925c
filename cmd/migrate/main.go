package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"PerpVault/internal/config"
	"PerpVault/internal/observability"
	"PerpVault/internal/persistence"
	"PerpVault/migrations"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:          "migrate",
		Short:        "Apply or roll back the perpvault schema migrations",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file; only database.url is read")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: withMigrator(func(ctx context.Context, m *persistence.Migrator, logger zerolog.Logger) error {
				n, err := m.Up(ctx)
				if err != nil {
					return err
				}
				logger.Info().Int("applied", n).Msg("migrations up to date")
				return nil
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the last applied migration",
			RunE: withMigrator(func(ctx context.Context, m *persistence.Migrator, logger zerolog.Logger) error {
				rolled, err := m.Down(ctx)
				if err != nil {
					return err
				}
				if !rolled {
					logger.Info().Msg("nothing to roll back")
					return nil
				}
				logger.Info().Msg("last migration rolled back")
				return nil
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "List migrations that have not been applied",
			RunE: withMigrator(func(ctx context.Context, m *persistence.Migrator, logger zerolog.Logger) error {
				pending, err := m.Pending(ctx)
				if err != nil {
					return err
				}
				if len(pending) == 0 {
					fmt.Println("up to date")
					return nil
				}
				for _, name := range pending {
					fmt.Println("pending", name)
				}
				return nil
			}),
		},
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func withMigrator(fn func(ctx context.Context, m *persistence.Migrator, logger zerolog.Logger) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		logger := observability.NewLoggerTo(os.Stderr, "migrate", observability.ParseLogLevel(cfg.Logging.Level))

		db, err := sql.Open("postgres", cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer db.Close()

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		return fn(ctx, persistence.NewMigrator(db, migrations.FS, logger), logger)
	}
}
