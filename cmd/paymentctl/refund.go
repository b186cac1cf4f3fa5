package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/noah-isme/payment-core/internal/app"
	"github.com/noah-isme/payment-core/internal/config"
	"github.com/noah-isme/payment-core/internal/payment"
	"github.com/noah-isme/payment-core/internal/payment/postgres"
)

func newResolveRefundCmd() *cobra.Command {
	var (
		outcome          string
		providerRefundID string
		timeout          time.Duration
	)
	cmd := &cobra.Command{
		Use:   "resolve-refund <refund-id>",
		Short: "Record the gateway outcome of a refund left INITIATED",
		Long: "A refund stays INITIATED when the gateway call timed out or its result could not be\n" +
			"stored. Check the gateway dashboard, then record what it shows here.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("refund id: %w", err)
			}
			var succeeded bool
			switch strings.ToLower(outcome) {
			case "succeeded":
				succeeded = true
			case "failed":
			default:
				return errors.New("--outcome must be succeeded or failed")
			}
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
			rec := &payment.Reconciler{Store: postgres.New(pool)}
			pay, err := rec.ResolveRefund(ctx, id, succeeded, providerRefundID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "payment %s %s refunded=%d\n", pay.ID, pay.Status, pay.RefundedCents)
			return nil
		},
	}
	cmd.Flags().StringVar(&outcome, "outcome", "", "succeeded or failed")
	cmd.Flags().StringVar(&providerRefundID, "provider-refund-id", "", "gateway refund transaction id")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall deadline")
	return cmd
}
