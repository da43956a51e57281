package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	"github.com/mbd888/trustbank/internal/chain"
	"github.com/mbd888/trustbank/internal/config"
	"github.com/mbd888/trustbank/internal/logging"
	"github.com/mbd888/trustbank/internal/stepup"
)

func purgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge-pending",
		Short: "Delete step-up actions expired longer than STEPUP_RETENTION",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is required")
			}
			limit, _ := cmd.Flags().GetInt("limit")
			if limit <= 0 {
				return fmt.Errorf("--limit must be positive")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			db, err := sql.Open("postgres", cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()
			if err := db.PingContext(ctx); err != nil {
				return fmt.Errorf("connect to database: %w", err)
			}

			logger := logging.New(cfg.LogLevel, "text")
			c := stepup.NewController(stepup.NewPostgresStore(db), nil, cfg.StepUpTTL, logger).
				WithRetention(cfg.StepUpRetention)
			total := 0
			for {
				n, err := c.PurgeExpired(ctx, limit)
				total += n
				if err != nil {
					return err
				}
				if n < limit {
					break
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d expired pending actions\n", total)
			return nil
		},
	}
	cmd.Flags().Int("limit", 500, "rows deleted per batch")
	return cmd
}

func ledgerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ledger-status",
		Short: "Dial the configured external ledger and report the binding",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := logging.New("warn", "text")
			b := chain.Bind(chain.Config{
				RPCURL:         cfg.LedgerRPCURL,
				PrivateKey:     cfg.LedgerPrivateKey,
				ChainID:        cfg.LedgerChainID,
				Contract:       cfg.LedgerContract,
				ConfirmTimeout: cfg.LedgerConfirmTimeout,
			}, logger)

			out := cmd.OutOrStdout()
			if !b.Configured() {
				fmt.Fprintf(out, "ledger: not configured (%s)\n", b.Reason())
				return nil
			}
			if a, ok := b.Chain().(*chain.Anchor); ok {
				defer func() { _ = a.Close() }()
				fmt.Fprintf(out, "ledger: configured\n  signer:   %s\n  contract: %s\n  chain id: %d\n",
					a.Address(), cfg.LedgerContract, cfg.LedgerChainID)
				return nil
			}
			fmt.Fprintln(out, "ledger: configured")
			return nil
		},
	}
}
