package queue

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/hibiken/asynq"

	"github.com/noah-isme/payment-core/internal/events"
	"github.com/noah-isme/payment-core/internal/payment"
)

// Task types handled by the worker.
const (
	TypeReconcile     = "payment:reconcile"
	TypeOrderPaid     = "event:order.paid"
	TypeExpireIntents = "payment:expire_intents"
)

// DefaultQueue is used when no queue name is configured.
const DefaultQueue = "payments"

// NewReconcileTask wraps a verified gateway event that could not be applied inline.
func NewReconcileTask(evt payment.Event) (*asynq.Task, error) {
	raw, err := json.Marshal(evt)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeReconcile, raw), nil
}

// ReconcileTaskID derives a stable id from the event so a redelivered
// notification does not park a second copy.
func ReconcileTaskID(evt payment.Event) string {
	h := sha256.New()
	h.Write([]byte(evt.Provider))
	h.Write([]byte{0})
	h.Write([]byte(evt.Reference))
	h.Write([]byte{0})
	h.Write([]byte(evt.RawStatus))
	h.Write([]byte{0})
	h.Write(evt.Payload)
	return "reconcile:" + string(evt.Provider) + ":" + hex.EncodeToString(h.Sum(nil))[:32]
}

// NewOrderPaidTask carries an order.paid bus event to the delivery handler.
func NewOrderPaidTask(ev events.Event) (*asynq.Task, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeOrderPaid, raw), nil
}

// OrderPaidTaskID is keyed by payment id, one delivery per settled payment.
func OrderPaidTaskID(ev events.Event) string {
	return events.TopicOrderPaid + ":" + ev.Key
}

// NewExpireIntentsTask is the periodic intent expiry sweep.
func NewExpireIntentsTask() *asynq.Task {
	return asynq.NewTask(TypeExpireIntents, nil)
}
