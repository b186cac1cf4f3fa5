package queue_test

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/payment-core/internal/events"
	"github.com/noah-isme/payment-core/internal/payment"
	"github.com/noah-isme/payment-core/internal/queue"
)

func newEnqueuer(t *testing.T) (queue.Enqueuer, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := asynq.NewClient(asynq.RedisClientOpt{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return queue.Enqueuer{Client: client, Queue: "payments", MaxAttempts: 5}, mr
}

func TestEnqueueReconcileDeduplicates(t *testing.T) {
	enq, mr := newEnqueuer(t)
	evt := payment.Event{Provider: payment.ProviderVNPay, Reference: "ref-1", RawStatus: "00", Payload: []byte(`{"vnp_TxnRef":"ref-1"}`)}

	require.NoError(t, enq.EnqueueReconcile(context.Background(), evt))
	require.True(t, mr.Exists("asynq:{payments}:t:"+queue.ReconcileTaskID(evt)))

	err := enq.EnqueueReconcile(context.Background(), evt)
	require.ErrorIs(t, err, payment.ErrConflict)
}

func TestDeliverOnlyQueuesOrderPaid(t *testing.T) {
	enq, mr := newEnqueuer(t)
	ctx := context.Background()

	paid := events.Event{ID: uuid.New(), Topic: events.TopicOrderPaid, Key: "pay-1", Payload: []byte(`{}`)}
	require.NoError(t, enq.Deliver(ctx, paid))
	require.NoError(t, enq.Deliver(ctx, paid), "repeat delivery for the same payment is absorbed")
	require.True(t, mr.Exists("asynq:{payments}:t:"+queue.OrderPaidTaskID(paid)))

	failed := events.Event{ID: uuid.New(), Topic: events.TopicPaymentFailed, Key: "pay-2", Payload: []byte(`{}`)}
	require.NoError(t, enq.Deliver(ctx, failed))
	require.False(t, mr.Exists("asynq:{payments}:t:"+queue.OrderPaidTaskID(failed)))
}
