package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"PerpVault/internal/projection"
	"PerpVault/internal/query"
	"PerpVault/internal/server"
)

func newTokenCmd() *cobra.Command {
	var account string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig("token")
			if err != nil {
				return err
			}
			id, err := uuid.Parse(account)
			if err != nil {
				return fmt.Errorf("--account: %w", err)
			}
			auth, err := server.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
			if err != nil {
				return err
			}
			token, err := auth.Issue(id)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "account UUID the token authenticates")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

func newProjectionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "projections",
		Short: "Maintain the read models derived from the event log",
	}

	rebuild := &cobra.Command{
		Use:   "rebuild",
		Short: "Truncate the position history and replay it from the event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig("projections")
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			db, err := openDB(ctx, cfg.Database, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			start := time.Now()
			w := projection.NewHistoryWorker(db, 1, cfg.Projection.CatchUpInterval, nil, logger)
			n, err := w.Rebuild(ctx)
			if err != nil {
				return err
			}
			logger.Info().Int("events", n).Int64("watermark", w.Watermark()).
				Dur("took", time.Since(start)).Msg("position history rebuilt")
			return nil
		},
	}

	verify := &cobra.Command{
		Use:   "verify",
		Short: "Check the event log and ledger tables; exits non-zero if unhealthy",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig("verify")
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()

			db, err := openDB(ctx, cfg.Database, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			report, err := query.NewService(db).VerifyIntegrity(ctx)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
			if !report.IsHealthy {
				return errors.New("integrity check failed")
			}
			return nil
		},
	}

	cmd.AddCommand(rebuild, verify)
	return cmd
}

