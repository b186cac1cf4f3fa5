package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/payment-core/internal/events"
	"github.com/noah-isme/payment-core/internal/obs"
	"github.com/noah-isme/payment-core/internal/orders"
	"github.com/noah-isme/payment-core/internal/payment"
)

// OrderNotifier delivers order.paid to the order service.
type OrderNotifier interface {
	MarkPaid(ctx context.Context, n orders.OrderPaid) error
}

// IntentExpirer runs the expiry sweep.
type IntentExpirer interface {
	ExpireIntents(ctx context.Context) (int64, error)
}

// Handlers processes worker tasks.
type Handlers struct {
	Reconciler payment.EventApplier
	Orders     OrderNotifier
	Expirer    IntentExpirer
	Logger     *zerolog.Logger
}

var nopLogger = zerolog.Nop()

func (h Handlers) log() *zerolog.Logger {
	if h.Logger == nil {
		return &nopLogger
	}
	return h.Logger
}

// Register mounts every handler with the metrics middleware.
func (h Handlers) Register(mux *asynq.ServeMux) {
	mux.Use(Metrics)
	mux.HandleFunc(TypeReconcile, h.HandleReconcile)
	mux.HandleFunc(TypeOrderPaid, h.HandleOrderPaid)
	mux.HandleFunc(TypeExpireIntents, h.HandleExpireIntents)
}

// HandleReconcile re-applies a parked gateway event. Errors are retried by
// asynq and archived once attempts run out.
func (h Handlers) HandleReconcile(ctx context.Context, t *asynq.Task) error {
	if h.Reconciler == nil {
		return errors.New("queue: reconciler not configured")
	}
	var evt payment.Event
	if err := json.Unmarshal(t.Payload(), &evt); err != nil {
		return fmt.Errorf("decode reconcile payload: %v: %w", err, asynq.SkipRetry)
	}
	res, err := h.Reconciler.Apply(ctx, evt)
	if err != nil {
		h.log().Warn().Err(err).Str("provider", string(evt.Provider)).Str("reference", evt.Reference).Msg("reconcile_retry_failed")
		return err
	}
	h.log().Info().Str("provider", string(evt.Provider)).Str("reference", evt.Reference).Str("outcome", string(res.Outcome)).Msg("reconcile_retry_applied")
	return nil
}

// HandleOrderPaid calls the order service for a settled payment.
func (h Handlers) HandleOrderPaid(ctx context.Context, t *asynq.Task) error {
	if h.Orders == nil {
		return errors.New("queue: order notifier not configured")
	}
	var ev events.Event
	if err := json.Unmarshal(t.Payload(), &ev); err != nil {
		return fmt.Errorf("decode order paid event: %v: %w", err, asynq.SkipRetry)
	}
	var n orders.OrderPaid
	if err := json.Unmarshal(ev.Payload, &n); err != nil {
		return fmt.Errorf("decode order paid payload: %v: %w", err, asynq.SkipRetry)
	}
	err := h.Orders.MarkPaid(ctx, n)
	if errors.Is(err, payment.ErrOrderNotFound) {
		countDelivery("unknown_order")
		h.log().Error().Str("order_id", n.OrderID).Str("payment_id", n.PaymentID).Msg("order_paid_unknown_order")
		return fmt.Errorf("order %s: %v: %w", n.OrderID, err, asynq.SkipRetry)
	}
	if err != nil {
		countDelivery("retry")
		return err
	}
	countDelivery("delivered")
	h.log().Info().Str("order_id", n.OrderID).Str("payment_id", n.PaymentID).Msg("order_paid_delivered")
	return nil
}

// HandleExpireIntents runs one expiry sweep.
func (h Handlers) HandleExpireIntents(ctx context.Context, _ *asynq.Task) error {
	if h.Expirer == nil {
		return errors.New("queue: expirer not configured")
	}
	_, err := h.Expirer.ExpireIntents(ctx)
	return err
}

func countDelivery(result string) {
	if obs.OrderPaidDeliveriesTotal != nil {
		obs.OrderPaidDeliveriesTotal.WithLabelValues(result).Inc()
	}
}
