package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/noah-isme/payment-core/internal/events"
	"github.com/noah-isme/payment-core/internal/payment"
)

// Enqueuer publishes tasks through asynq. It is the webhook retry queue and the
// event bus sink for order-paid deliveries.
type Enqueuer struct {
	Client      *asynq.Client
	Queue       string
	MaxAttempts int
	// Retention keeps finished tasks around so their ids keep deduplicating.
	Retention time.Duration
}

func (e Enqueuer) queue() string {
	if e.Queue == "" {
		return DefaultQueue
	}
	return e.Queue
}

func (e Enqueuer) options(id string) []asynq.Option {
	opts := []asynq.Option{asynq.Queue(e.queue()), asynq.TaskID(id)}
	if e.MaxAttempts > 0 {
		opts = append(opts, asynq.MaxRetry(e.MaxAttempts))
	}
	retention := e.Retention
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return append(opts, asynq.Retention(retention))
}

// EnqueueReconcile implements payment.RetryQueue. A duplicate of an already
// parked event reports payment.ErrConflict.
func (e Enqueuer) EnqueueReconcile(ctx context.Context, evt payment.Event) error {
	if e.Client == nil {
		return errors.New("queue: client not configured")
	}
	task, err := NewReconcileTask(evt)
	if err != nil {
		return fmt.Errorf("queue: encode reconcile task: %w", err)
	}
	_, err = e.Client.EnqueueContext(ctx, task, e.options(ReconcileTaskID(evt))...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return payment.ErrConflict
	}
	if err != nil {
		countProcessed(TypeReconcile, "enqueue_failed")
	}
	return err
}

// Deliver implements events.Sink; only order.paid events become tasks.
func (e Enqueuer) Deliver(ctx context.Context, ev events.Event) error {
	if ev.Topic != events.TopicOrderPaid {
		return nil
	}
	if e.Client == nil {
		return errors.New("queue: client not configured")
	}
	task, err := NewOrderPaidTask(ev)
	if err != nil {
		return fmt.Errorf("queue: encode order paid task: %w", err)
	}
	_, err = e.Client.EnqueueContext(ctx, task, e.options(OrderPaidTaskID(ev))...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}
