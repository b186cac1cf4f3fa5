package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/noah-isme/payment-core/internal/app"
	"github.com/noah-isme/payment-core/internal/config"
	"github.com/noah-isme/payment-core/internal/payment/postgres"
)

func newExpireCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "expire",
		Short: "Mark lapsed open intents EXPIRED once, outside the worker schedule",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			pool, err := app.OpenDB(ctx, cfg.DatabaseURL, "paymentctl")
			if err != nil {
				return err
			}
			defer pool.Close()
			n, err := postgres.New(pool).ExpireIntents(ctx, time.Now().UTC())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "expired %d intents\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall deadline")
	return cmd
}
