package payment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/payment-core/internal/common"
	"github.com/noah-isme/payment-core/internal/lock"
	"github.com/noah-isme/payment-core/internal/obs"
)

// Locker serialises work on a key across processes.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

// Service is the idempotent entry point for starting payments.
type Service struct {
	Store    Store
	Adapters Adapters
	Orders   OrderGateway
	// Locker is optional; without it the unique (provider, key) constraint still
	// prevents duplicate intents but concurrent first requests may both reach the gateway.
	Locker         Locker
	LockTTL        time.Duration
	IntentTTL      time.Duration
	GatewayTimeout time.Duration
	Currency       string
	// ReturnURLFor gives the browser return URL when the client supplies none,
	// normally the provider's callback route.
	ReturnURLFor func(Provider) string
	Logger       *zerolog.Logger
	Now          func() time.Time
}

// IntentInput is a request to start paying an order.
type IntentInput struct {
	OrderID        string
	Provider       Provider
	IdempotencyKey string
	ReturnURL      string
	ClientIP       string
	Caller         common.Caller
}

var nopLogger = zerolog.Nop()

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) log(ctx context.Context) *zerolog.Logger {
	return loggerFor(ctx, s.Logger)
}

func loggerFor(ctx context.Context, fallback *zerolog.Logger) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l != nil && l.GetLevel() != zerolog.Disabled {
		return l
	}
	if fallback != nil {
		return fallback
	}
	return &nopLogger
}

// CreateIntent returns the live intent stored for (provider, key), or opens a new
// checkout with the gateway and persists it together with a PENDING payment.
func (s *Service) CreateIntent(ctx context.Context, in IntentInput) (Intent, error) {
	if s == nil || s.Store == nil || s.Orders == nil {
		return Intent{}, errors.New("payment service not configured")
	}
	ctx, span := otel.Tracer("payment.Service").Start(ctx, "PaymentService.CreateIntent")
	defer span.End()

	start := time.Now()
	result := "error"
	defer func() {
		span.SetAttributes(
			attribute.String("payment.provider", string(in.Provider)),
			attribute.String("order.id", in.OrderID),
			attribute.Float64("payment.intent.duration_ms", obs.DurationMillis(time.Since(start))),
			attribute.String("payment.intent.result", result),
		)
		if obs.PaymentIntentTotal != nil {
			obs.PaymentIntentTotal.WithLabelValues(string(in.Provider), result).Inc()
		}
	}()

	in.OrderID = strings.TrimSpace(in.OrderID)
	in.IdempotencyKey = strings.TrimSpace(in.IdempotencyKey)
	if in.OrderID == "" || in.IdempotencyKey == "" {
		return Intent{}, common.NewAppError("BAD_REQUEST", "orderId and idempotencyKey are required", http.StatusBadRequest, nil)
	}
	adapter, err := s.Adapters.For(in.Provider)
	if err != nil {
		return Intent{}, err
	}

	order, err := s.ownedOrder(ctx, in.Caller, in.OrderID)
	if err != nil {
		return Intent{}, err
	}

	var (
		intent Intent
		reused bool
	)
	run := func(ctx context.Context) error {
		var err error
		intent, reused, err = s.createIntent(ctx, adapter, order, in)
		return err
	}
	if s.Locker != nil {
		ttl := s.LockTTL
		if ttl <= 0 {
			ttl = 30 * time.Second
		}
		key := fmt.Sprintf("payment:intent:%s:%s", in.Provider, lockDigest(in.IdempotencyKey))
		err = s.Locker.WithLock(ctx, key, ttl, run)
		if errors.Is(err, lock.ErrNotAcquired) {
			err = common.NewAppError("INTENT_IN_PROGRESS", "a request with this idempotency key is in progress", http.StatusConflict, err)
		}
	} else {
		err = run(ctx)
	}
	if err != nil {
		span.RecordError(err)
		return Intent{}, err
	}
	if reused {
		result = "reused"
	} else {
		result = "created"
	}
	return intent, nil
}

func (s *Service) createIntent(ctx context.Context, adapter Adapter, order Order, in IntentInput) (Intent, bool, error) {
	now := s.now()
	existing, err := s.Store.GetIntentByKey(ctx, in.Provider, in.IdempotencyKey)
	switch {
	case err == nil && !existing.Expired(now):
		if existing.OrderID != in.OrderID {
			return Intent{}, false, common.NewAppError("IDEMPOTENCY_KEY_REUSED", "idempotency key belongs to another order", http.StatusUnprocessableEntity, nil)
		}
		return existing, true, nil
	case err != nil && !errors.Is(err, ErrNotFound):
		return Intent{}, false, fmt.Errorf("lookup intent: %w", err)
	}

	if !order.Payable() || order.TotalCents <= 0 {
		return Intent{}, false, fmt.Errorf("%w: order status %s", ErrOrderNotPayable, order.Status)
	}
	paid, err := s.Store.HasSucceededPayment(ctx, in.OrderID)
	if err != nil {
		return Intent{}, false, fmt.Errorf("check payments: %w", err)
	}
	if paid {
		return Intent{}, false, fmt.Errorf("%w: order already has a settled payment", ErrOrderNotPayable)
	}

	// an expired intent with the same key stays for audit; the retry gets a fresh id
	// so gateways that reject reused references accept it
	id := uuid.New()
	ttl := s.IntentTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	expiresAt := now.Add(ttl)
	currency := order.Currency
	if currency == "" {
		currency = s.Currency
	}
	returnURL := in.ReturnURL
	if returnURL == "" && s.ReturnURLFor != nil {
		returnURL = s.ReturnURLFor(in.Provider)
	}

	gwCtx := ctx
	if s.GatewayTimeout > 0 {
		var cancel context.CancelFunc
		gwCtx, cancel = context.WithTimeout(ctx, s.GatewayTimeout)
		defer cancel()
	}
	res, err := adapter.CreatePayment(gwCtx, CreateRequest{
		IntentID:       id,
		OrderID:        in.OrderID,
		AmountCents:    order.TotalCents,
		Currency:       currency,
		ReturnURL:      returnURL,
		IdempotencyKey: in.IdempotencyKey,
		ClientIP:       in.ClientIP,
		ExpiresAt:      expiresAt,
	})
	if err != nil {
		s.log(ctx).Warn().Err(err).Str("provider", string(in.Provider)).Str("order_id", in.OrderID).Msg("payment_intent_gateway_failed")
		return Intent{}, false, err
	}

	intent := Intent{
		ID:             id,
		OrderID:        in.OrderID,
		Provider:       in.Provider,
		IdempotencyKey: in.IdempotencyKey,
		ProviderRef:    res.ProviderReference,
		RedirectURL:    res.RedirectURL,
		ReturnURL:      returnURL,
		AmountCents:    order.TotalCents,
		Currency:       currency,
		Status:         IntentRedirected,
		ExpiresAt:      expiresAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	placeholder := Payment{
		ID:          uuid.New(),
		OrderID:     in.OrderID,
		IntentID:    &id,
		Provider:    in.Provider,
		AmountCents: order.TotalCents,
		Currency:    currency,
		Status:      StatusPending,
		RawPayload:  res.Raw,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	saved, err := s.Store.SaveIntent(ctx, intent, placeholder)
	if errors.Is(err, ErrConflict) {
		// a concurrent request with the same key won the insert
		winner, lookupErr := s.Store.GetIntentByKey(ctx, in.Provider, in.IdempotencyKey)
		if errors.Is(lookupErr, ErrNotFound) {
			// the conflict came from another key opening a checkout for the same order
			return Intent{}, false, fmt.Errorf("%w: another checkout for this order is in progress", ErrOrderNotPayable)
		}
		if lookupErr != nil {
			return Intent{}, false, fmt.Errorf("reload intent after conflict: %w", lookupErr)
		}
		return winner, true, nil
	}
	if err != nil {
		return Intent{}, false, fmt.Errorf("save intent: %w", err)
	}
	s.log(ctx).Info().Str("intent_id", saved.ID.String()).Str("provider", string(in.Provider)).Str("order_id", in.OrderID).Msg("payment_intent_created")
	return saved, false, nil
}

// OrderPaymentStatus is the consolidated view of an order's payments.
type OrderPaymentStatus struct {
	OrderID  string    `json:"orderId"`
	Status   Status    `json:"status"`
	Payments []Payment `json:"payments"`
}

// ConsolidatedStatus derives the order's payment status from persisted payments only.
func (s *Service) ConsolidatedStatus(ctx context.Context, caller common.Caller, orderID string) (OrderPaymentStatus, error) {
	if _, err := s.ownedOrder(ctx, caller, orderID); err != nil {
		return OrderPaymentStatus{}, err
	}
	payments, err := s.Store.ListPaymentsByOrder(ctx, orderID)
	if err != nil {
		return OrderPaymentStatus{}, err
	}
	return OrderPaymentStatus{OrderID: orderID, Status: Summarize(payments), Payments: payments}, nil
}

// Summarize folds an order's payments (newest first) into one status. Any settled
// payment wins; otherwise an open attempt reads as pending.
func Summarize(payments []Payment) Status {
	if len(payments) == 0 {
		return StatusPending
	}
	var refunded, pending bool
	for _, p := range payments {
		switch p.Status {
		case StatusSucceeded:
			return StatusSucceeded
		case StatusRefunded:
			refunded = true
		case StatusPending:
			pending = true
		}
	}
	switch {
	case refunded:
		return StatusRefunded
	case pending:
		return StatusPending
	default:
		return payments[0].Status
	}
}

// ExpireIntents marks open intents past their expiry as EXPIRED.
func (s *Service) ExpireIntents(ctx context.Context) (int64, error) {
	n, err := s.Store.ExpireIntents(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		if obs.IntentsExpiredTotal != nil {
			obs.IntentsExpiredTotal.Add(float64(n))
		}
		s.log(ctx).Info().Int64("expired", n).Msg("payment_intents_expired")
	}
	return n, nil
}

// Method describes a gateway a customer can choose at checkout.
type Method struct {
	Provider Provider `json:"provider"`
	Name     string   `json:"name"`
}

var methodNames = map[Provider]string{
	ProviderVNPay: "VNPAY",
	ProviderMoMo:  "MoMo",
	ProviderPayOS: "PayOS",
}

// Methods lists configured gateways.
func (s *Service) Methods() []Method {
	enabled := s.Adapters.Enabled()
	out := make([]Method, 0, len(enabled))
	for _, p := range enabled {
		out = append(out, Method{Provider: p, Name: methodNames[p]})
	}
	return out
}

// ownedOrder loads the order and hides it from callers who neither own it nor
// hold the admin role.
func (s *Service) ownedOrder(ctx context.Context, caller common.Caller, orderID string) (Order, error) {
	order, err := s.Orders.GetOrder(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if !order.OwnedBy(caller) {
		s.log(ctx).Warn().Str("order_id", orderID).Str("user_id", caller.UserID).Msg("payment_order_access_denied")
		return Order{}, ErrOrderNotFound
	}
	return order, nil
}

func lockDigest(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
