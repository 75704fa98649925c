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
		Use:   "perpvault",
		Short: "Leveraged perpetual exchange backed by a shared liquidity vault",
		Long: `perpvault runs the exchange core: positions priced by an oracle against a
staked USDC vault, with funding accrual, fee splitting and keeper liquidations.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ./config.yaml, ./config/, /etc/perpvault/)")

	rootCmd.AddCommand(newServeCmd(), newTokenCmd(), newProjectionsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig loads and validates the configuration and builds the root
// logger from it.
func loadConfig(component string) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if err := cfg.Validate(); err != nil {
		return nil, zerolog.Nop(), err
	}
	logger := observability.NewLoggerTo(os.Stdout, component, observability.ParseLogLevel(cfg.Logging.Level))
	return cfg, logger, nil
}

// openDB connects to Postgres and, if configured, applies pending
// migrations.
func openDB(ctx context.Context, cfg config.DatabaseConfig, logger zerolog.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	logger.Info().Msg("postgres connected")

	if cfg.Migrate {
		n, err := persistence.NewMigrator(db, migrations.FS, logger).Up(ctx)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		logger.Info().Int("applied", n).Msg("migrations up to date")
	}
	return db, nil
}
