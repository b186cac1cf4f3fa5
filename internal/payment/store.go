package payment

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/payment-core/internal/common"
)

// Intent is an initiated, not yet confirmed attempt to pay an order through one gateway.
type Intent struct {
	ID             uuid.UUID    `json:"id"`
	OrderID        string       `json:"orderId"`
	Provider       Provider     `json:"provider"`
	IdempotencyKey string       `json:"idempotencyKey"`
	ProviderRef    string       `json:"providerRef,omitempty"`
	RedirectURL    string       `json:"redirectUrl,omitempty"`
	ReturnURL      string       `json:"returnUrl,omitempty"`
	AmountCents    int64        `json:"amountCents"`
	Currency       string       `json:"currency"`
	Status         IntentStatus `json:"status"`
	ExpiresAt      time.Time    `json:"expiresAt"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

// Expired reports whether the intent can no longer be reused at now.
func (i Intent) Expired(now time.Time) bool {
	return i.Status == IntentExpired || (!i.ExpiresAt.IsZero() && !now.Before(i.ExpiresAt))
}

// Payment is the authoritative record of money movement for an order.
type Payment struct {
	ID            uuid.UUID  `json:"id"`
	OrderID       string     `json:"orderId"`
	IntentID      *uuid.UUID `json:"intentId,omitempty"`
	Provider      Provider   `json:"provider"`
	ProviderTxnID string     `json:"providerTransactionId,omitempty"`
	AmountCents   int64      `json:"amountCents"`
	RefundedCents int64      `json:"refundedCents"`
	Currency      string     `json:"currency"`
	Status        Status     `json:"status"`
	RawPayload    []byte     `json:"-"`
	// PaidAt is set once, when the payment first settles. Gateways key refunds on it.
	PaidAt    *time.Time `json:"paidAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// RefundStatus tracks one refund attempt against a gateway.
type RefundStatus string

const (
	// RefundInitiated reserves the amount; the gateway outcome is not yet recorded.
	RefundInitiated RefundStatus = "INITIATED"
	RefundSucceeded RefundStatus = "SUCCEEDED"
	RefundFailed    RefundStatus = "FAILED"
)

// Refund is one attempt to return money for a payment. Its RequestID is sent to
// the gateway so a repeated call is recognised as the same refund.
type Refund struct {
	ID               uuid.UUID    `json:"id"`
	PaymentID        uuid.UUID    `json:"paymentId"`
	Provider         Provider     `json:"provider"`
	IdempotencyKey   string       `json:"idempotencyKey"`
	RequestID        string       `json:"requestId"`
	AmountCents      int64        `json:"amountCents"`
	Status           RefundStatus `json:"status"`
	ProviderRefundID string       `json:"providerRefundId,omitempty"`
	Error            string       `json:"error,omitempty"`
	CreatedAt        time.Time    `json:"createdAt"`
	UpdatedAt        time.Time    `json:"updatedAt"`
}

// EventRecord is the audit row written for every event the reconciler sees.
type EventRecord struct {
	PaymentID     *uuid.UUID
	Provider      Provider
	ProviderTxnID string
	Reference     string
	RawStatus     string
	Status        Status
	Outcome       Outcome
	Payload       []byte
	ReceivedAt    time.Time
}

// PaymentFilter narrows admin listings. Zero values mean "any".
type PaymentFilter struct {
	Status   Status
	Provider Provider
	OrderID  string
	Limit    int
	Offset   int
}

// StatsRow aggregates payments sharing a provider and status.
type StatsRow struct {
	Provider    Provider `json:"provider"`
	Status      Status   `json:"status"`
	Count       int64    `json:"count"`
	AmountCents int64    `json:"amountCents"`
}

// Store persists intents and payments.
type Store interface {
	GetIntentByKey(ctx context.Context, provider Provider, key string) (Intent, error)
	GetIntentByRef(ctx context.Context, provider Provider, ref string) (Intent, error)
	GetIntent(ctx context.Context, id uuid.UUID) (Intent, error)
	HasSucceededPayment(ctx context.Context, orderID string) (bool, error)
	// SaveIntent expires other open intents of the order (and a lapsed intent holding
	// the same key), then inserts the intent and its PENDING payment in one transaction.
	// A live intent with the same key, or a concurrent checkout of the same order,
	// yields ErrConflict.
	SaveIntent(ctx context.Context, intent Intent, placeholder Payment) (Intent, error)
	ListPaymentsByOrder(ctx context.Context, orderID string) ([]Payment, error)
	GetPayment(ctx context.Context, id uuid.UUID) (Payment, error)
	ListPayments(ctx context.Context, f PaymentFilter) ([]Payment, int64, error)
	PaymentStats(ctx context.Context) ([]StatsRow, error)
	ExpireIntents(ctx context.Context, now time.Time) (int64, error)
	GetRefund(ctx context.Context, id uuid.UUID) (Refund, error)
	InTx(ctx context.Context, fn func(Tx) error) error
}

// Tx is the row-locking surface the reconciler works through. Every Lock* call
// holds the row until the surrounding transaction ends.
type Tx interface {
	LockIntentByRef(ctx context.Context, provider Provider, ref string) (Intent, error)
	LockPaymentByTxn(ctx context.Context, provider Provider, txnID string) (Payment, error)
	LockPaymentByIntent(ctx context.Context, intentID uuid.UUID) (Payment, error)
	LockPendingPayment(ctx context.Context, orderID string, provider Provider) (Payment, error)
	LockPayment(ctx context.Context, id uuid.UUID) (Payment, error)
	InsertPayment(ctx context.Context, p Payment) (Payment, error)
	UpdatePayment(ctx context.Context, p Payment) (Payment, error)
	InsertEvent(ctx context.Context, rec EventRecord) error
	// RefundByKey returns the payment's non-failed refund holding key.
	RefundByKey(ctx context.Context, paymentID uuid.UUID, key string) (Refund, error)
	// ReservedRefundCents sums the INITIATED refunds of the payment.
	ReservedRefundCents(ctx context.Context, paymentID uuid.UUID) (int64, error)
	InsertRefund(ctx context.Context, rf Refund) (Refund, error)
	LockRefund(ctx context.Context, id uuid.UUID) (Refund, error)
	UpdateRefund(ctx context.Context, rf Refund) (Refund, error)
}

// Order is the slice of the order aggregate this service reads.
type Order struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	TotalCents int64  `json:"totalCents"`
	Currency   string `json:"currency"`
	Number     string `json:"orderNumber,omitempty"`
	UserID     string `json:"userId,omitempty"`
}

// OwnedBy reports whether c may read or pay the order. Orders without an owner
// are visible to admins only.
func (o Order) OwnedBy(c common.Caller) bool {
	if c.Admin {
		return true
	}
	return o.UserID != "" && o.UserID == c.UserID
}

// Payable reports whether the order may start a new payment.
func (o Order) Payable() bool {
	switch o.Status {
	case "PAID", "CANCELLED", "CANCELED", "REFUNDED":
		return false
	default:
		return true
	}
}

// OrderGateway is the order-management collaborator.
type OrderGateway interface {
	GetOrder(ctx context.Context, orderID string) (Order, error)
	// MarkOrderPaid is fire-and-forget; the collaborator must treat it idempotently.
	MarkOrderPaid(ctx context.Context, orderID string, payment Payment) error
}

// EventPublisher fans payment lifecycle events out to other systems.
type EventPublisher interface {
	Publish(ctx context.Context, topic, key string, payload any) error
}

// RetryQueue parks verified events the reconciler could not apply because of an internal fault.
type RetryQueue interface {
	EnqueueReconcile(ctx context.Context, evt Event) error
}
