package payment

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Provider identifies one of the supported payment gateways.
type Provider string

const (
	ProviderVNPay Provider = "vnpay"
	ProviderMoMo  Provider = "momo"
	ProviderPayOS Provider = "payos"
)

// Providers lists every supported gateway in display order.
var Providers = []Provider{ProviderVNPay, ProviderMoMo, ProviderPayOS}

// ParseProvider normalises a route or request value into a Provider.
func ParseProvider(raw string) (Provider, error) {
	p := Provider(strings.ToLower(strings.TrimSpace(raw)))
	switch p {
	case ProviderVNPay, ProviderMoMo, ProviderPayOS:
		return p, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownProvider, raw)
	}
}

// Status is the generic payment status shared by every gateway.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
	StatusRefunded  Status = "REFUNDED"
	// StatusUnmapped is what adapters return for codes they do not recognise.
	// It is never persisted.
	StatusUnmapped Status = "UNMAPPED"
)

// Terminal reports whether no automatic transition may leave s.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled, StatusRefunded:
		return true
	default:
		return false
	}
}

// IntentStatus tracks the lifecycle of a payment intent.
type IntentStatus string

const (
	IntentCreated    IntentStatus = "CREATED"
	IntentRedirected IntentStatus = "REDIRECTED"
	IntentExpired    IntentStatus = "EXPIRED"
)

// CreateRequest is the gateway-agnostic description of a checkout.
type CreateRequest struct {
	IntentID       uuid.UUID
	OrderID        string
	AmountCents    int64
	Currency       string
	Description    string
	ReturnURL      string
	IdempotencyKey string
	ClientIP       string
	ExpiresAt      time.Time
}

// CreateResult is what a gateway hands back for a new checkout.
type CreateResult struct {
	RedirectURL       string
	ProviderReference string
	Raw               []byte
}

// RefundRequest asks a gateway to return money for a settled payment.
type RefundRequest struct {
	PaymentID uuid.UUID
	// RequestID is stable for one refund attempt; gateways deduplicate on it.
	RequestID     string
	Reference     string
	ProviderTxnID string
	AmountCents   int64
	TotalCents    int64
	Reason        string
	PaidAt        time.Time
	ClientIP      string
}

// RefundResult describes an accepted refund.
type RefundResult struct {
	ProviderRefundID string
	Raw              []byte
}

// Event is a verified gateway notification in generic form.
type Event struct {
	Provider      Provider  `json:"provider"`
	ProviderTxnID string    `json:"providerTxnId,omitempty"`
	Reference     string    `json:"reference"`
	RawStatus     string    `json:"rawStatus"`
	Status        Status    `json:"status"`
	AmountCents   int64     `json:"amountCents"`
	Payload       []byte    `json:"payload,omitempty"`
	ReceivedAt    time.Time `json:"receivedAt"`
}

// Adapter isolates one gateway's wire format behind a common contract.
type Adapter interface {
	Provider() Provider
	// CreatePayment opens a hosted checkout. Failures are ErrProviderUnavailable or ErrProviderRejected.
	CreatePayment(ctx context.Context, req CreateRequest) (CreateResult, error)
	// ParseWebhook verifies and decodes a notification; bad signatures yield ErrSignatureInvalid.
	ParseWebhook(body []byte, header http.Header) (Event, error)
	// MapStatus is total: unknown codes map to StatusUnmapped.
	MapStatus(code string) Status
	// CallbackReference extracts the reference from the browser return URL.
	CallbackReference(query url.Values) (string, bool)
	// Acknowledge is the JSON body the gateway expects on a 200 answer.
	Acknowledge() any
	Refund(ctx context.Context, req RefundRequest) (RefundResult, error)
}

// Adapters holds the three statically known gateway implementations.
type Adapters struct {
	VNPay *VNPay
	MoMo  *MoMo
	PayOS *PayOS
}

// For selects the adapter for p. Unconfigured gateways are reported as unknown.
func (a Adapters) For(p Provider) (Adapter, error) {
	switch p {
	case ProviderVNPay:
		if a.VNPay != nil {
			return a.VNPay, nil
		}
	case ProviderMoMo:
		if a.MoMo != nil {
			return a.MoMo, nil
		}
	case ProviderPayOS:
		if a.PayOS != nil {
			return a.PayOS, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, p)
}

// Enabled lists configured gateways.
func (a Adapters) Enabled() []Provider {
	out := make([]Provider, 0, len(Providers))
	for _, p := range Providers {
		if _, err := a.For(p); err == nil {
			out = append(out, p)
		}
	}
	return out
}

// mapCode looks a code up in a status table, defaulting to StatusUnmapped.
func mapCode(table map[string]Status, code string) Status {
	if s, ok := table[strings.TrimSpace(code)]; ok {
		return s
	}
	return StatusUnmapped
}
