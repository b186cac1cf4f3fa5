package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/payment-core/internal/events"
	"github.com/noah-isme/payment-core/internal/obs"
)

// Outcome is the reconciler's decision for one event.
type Outcome string

const (
	// OutcomeApplied moved a PENDING payment to a terminal status.
	OutcomeApplied Outcome = "applied"
	// OutcomeReplayed saw the status already recorded.
	OutcomeReplayed Outcome = "replayed"
	// OutcomeConflict saw a different status than the recorded terminal one; not applied.
	OutcomeConflict Outcome = "conflict"
	// OutcomeRecorded kept a PENDING payment pending but stored the gateway details.
	OutcomeRecorded Outcome = "recorded"
	// OutcomeIgnored covers unmapped codes, unknown references and amount mismatches.
	OutcomeIgnored Outcome = "ignored"
	// OutcomeRefunded is written by explicit refunds.
	OutcomeRefunded Outcome = "refunded"
)

var errUnresolved = errors.New("payment: event reference matches no intent")

// Reconciler applies verified gateway events to payments under a monotonic state machine.
type Reconciler struct {
	Store    Store
	Orders   OrderGateway
	Events   EventPublisher
	Adapters Adapters
	// Timeout bounds the read-modify-write transaction.
	Timeout       time.Duration
	RefundTimeout time.Duration
	Logger        *zerolog.Logger
	Now           func() time.Time
}

// Result reports what Apply decided.
type Result struct {
	Outcome  Outcome
	Payment  Payment
	Previous Status
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Apply reconciles evt. Anomalies (duplicates, reordering, unmapped codes) are
// absorbed and reported through Result; only internal faults return an error.
func (r *Reconciler) Apply(ctx context.Context, evt Event) (Result, error) {
	ctx, span := otel.Tracer("payment.Reconciler").Start(ctx, "Reconciler.Apply")
	defer span.End()
	span.SetAttributes(
		attribute.String("payment.provider", string(evt.Provider)),
		attribute.String("payment.reference", evt.Reference),
		attribute.String("payment.event_status", string(evt.Status)),
	)
	if evt.Status == "" {
		evt.Status = StatusUnmapped
	}
	if evt.ReceivedAt.IsZero() {
		evt.ReceivedAt = r.now().UTC()
	}

	txCtx := ctx
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		txCtx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	var res Result
	err := r.Store.InTx(txCtx, func(tx Tx) error {
		res = Result{}
		pay, err := r.locate(txCtx, tx, evt)
		if errors.Is(err, errUnresolved) {
			res.Outcome = OutcomeIgnored
			return tx.InsertEvent(txCtx, r.record(nil, evt, OutcomeIgnored))
		}
		if err != nil {
			return err
		}
		res.Previous = pay.Status
		res.Outcome, pay = r.decide(pay, evt)
		if res.Outcome == OutcomeApplied || res.Outcome == OutcomeRecorded {
			pay, err = tx.UpdatePayment(txCtx, pay)
			if err != nil {
				return fmt.Errorf("update payment: %w", err)
			}
		}
		res.Payment = pay
		return tx.InsertEvent(txCtx, r.record(&pay.ID, evt, res.Outcome))
	})
	if err != nil {
		span.RecordError(err)
		return Result{}, fmt.Errorf("reconcile %s %s: %w", evt.Provider, evt.Reference, err)
	}
	span.SetAttributes(attribute.String("payment.reconcile_outcome", string(res.Outcome)))
	r.observe(ctx, evt, res)

	if res.Outcome == OutcomeApplied {
		r.afterCommit(ctx, res.Payment)
	}
	return res, nil
}

// locate finds the payment the event refers to, creating a PENDING one when the
// intent exists but no payment row does. Every row it returns is locked.
func (r *Reconciler) locate(ctx context.Context, tx Tx, evt Event) (Payment, error) {
	if evt.ProviderTxnID != "" {
		p, err := tx.LockPaymentByTxn(ctx, evt.Provider, evt.ProviderTxnID)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Payment{}, fmt.Errorf("lock payment by txn: %w", err)
		}
	}
	intent, err := tx.LockIntentByRef(ctx, evt.Provider, evt.Reference)
	if errors.Is(err, ErrNotFound) {
		return Payment{}, errUnresolved
	}
	if err != nil {
		return Payment{}, fmt.Errorf("lock intent: %w", err)
	}
	p, err := tx.LockPaymentByIntent(ctx, intent.ID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Payment{}, fmt.Errorf("lock payment by intent: %w", err)
	}
	p, err = tx.LockPendingPayment(ctx, intent.OrderID, evt.Provider)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Payment{}, fmt.Errorf("lock pending payment: %w", err)
	}
	now := r.now().UTC()
	intentID := intent.ID
	amount := intent.AmountCents
	if amount == 0 {
		amount = evt.AmountCents
	}
	p, err = tx.InsertPayment(ctx, Payment{
		ID:          uuid.New(),
		OrderID:     intent.OrderID,
		IntentID:    &intentID,
		Provider:    evt.Provider,
		AmountCents: amount,
		Currency:    intent.Currency,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return Payment{}, fmt.Errorf("insert payment: %w", err)
	}
	return p, nil
}

// decide is the state machine. It returns the outcome and the payment as it should be stored.
func (r *Reconciler) decide(pay Payment, evt Event) (Outcome, Payment) {
	if evt.Status == StatusUnmapped {
		return OutcomeIgnored, pay
	}
	if pay.Status.Terminal() {
		if pay.Status == evt.Status {
			return OutcomeReplayed, pay
		}
		return OutcomeConflict, pay
	}
	if evt.ProviderTxnID != "" {
		pay.ProviderTxnID = evt.ProviderTxnID
	}
	if len(evt.Payload) > 0 {
		pay.RawPayload = evt.Payload
	}
	pay.UpdatedAt = r.now().UTC()
	if evt.Status == StatusPending {
		return OutcomeRecorded, pay
	}
	if evt.Status == StatusSucceeded && evt.AmountCents > 0 && pay.AmountCents > 0 && evt.AmountCents != pay.AmountCents {
		return OutcomeIgnored, pay
	}
	pay.Status = evt.Status
	if pay.Status == StatusSucceeded && pay.PaidAt == nil {
		paid := pay.UpdatedAt
		pay.PaidAt = &paid
	}
	return OutcomeApplied, pay
}

func (r *Reconciler) record(paymentID *uuid.UUID, evt Event, outcome Outcome) EventRecord {
	return EventRecord{
		PaymentID:     paymentID,
		Provider:      evt.Provider,
		ProviderTxnID: evt.ProviderTxnID,
		Reference:     evt.Reference,
		RawStatus:     evt.RawStatus,
		Status:        evt.Status,
		Outcome:       outcome,
		Payload:       evt.Payload,
		ReceivedAt:    evt.ReceivedAt,
	}
}

func (r *Reconciler) observe(ctx context.Context, evt Event, res Result) {
	if obs.PaymentReconcileTotal != nil {
		obs.PaymentReconcileTotal.WithLabelValues(string(evt.Provider), string(res.Outcome)).Inc()
	}
	logger := loggerFor(ctx, r.Logger)
	base := func(e *zerolog.Event) *zerolog.Event {
		return e.Str("provider", string(evt.Provider)).
			Str("reference", evt.Reference).
			Str("provider_txn_id", evt.ProviderTxnID).
			Str("raw_status", evt.RawStatus).
			Str("event_status", string(evt.Status)).
			Str("payment_id", paymentIDString(res.Payment))
	}
	kind := ""
	switch res.Outcome {
	case OutcomeConflict:
		kind = "terminal_conflict"
		base(logger.Warn()).Str("recorded_status", string(res.Previous)).Msg("payment_event_conflict")
	case OutcomeIgnored:
		switch {
		case evt.Status == StatusUnmapped:
			kind = "unmapped_status"
			base(logger.Warn()).Err(ErrUnmappedStatus).Msg("payment_event_unmapped")
		case res.Payment.ID == uuid.Nil:
			kind = "unknown_reference"
			base(logger.Warn()).Msg("payment_event_unresolved")
		default:
			kind = "amount_mismatch"
			base(logger.Warn()).Int64("event_amount", evt.AmountCents).Int64("payment_amount", res.Payment.AmountCents).Msg("payment_event_amount_mismatch")
		}
	case OutcomeReplayed:
		base(logger.Debug()).Msg("payment_event_replayed")
	default:
		base(logger.Info()).Str("outcome", string(res.Outcome)).Str("status", string(res.Payment.Status)).Msg("payment_event_reconciled")
	}
	if kind != "" && obs.PaymentAnomalyTotal != nil {
		obs.PaymentAnomalyTotal.WithLabelValues(string(evt.Provider), kind).Inc()
	}
}

// afterCommit fires side effects for a freshly applied terminal status. It runs
// once per transition because only the PENDING->terminal write reaches it.
func (r *Reconciler) afterCommit(ctx context.Context, pay Payment) {
	logger := loggerFor(ctx, r.Logger)
	if pay.Status == StatusSucceeded && r.Orders != nil {
		if err := r.Orders.MarkOrderPaid(ctx, pay.OrderID, pay); err != nil {
			logger.Error().Err(err).Str("order_id", pay.OrderID).Str("payment_id", pay.ID.String()).Msg("mark_order_paid_failed")
		}
	}
	r.publish(ctx, pay)
}

func (r *Reconciler) publish(ctx context.Context, pay Payment) {
	if r.Events == nil {
		return
	}
	var topic string
	switch pay.Status {
	case StatusSucceeded:
		topic = events.TopicPaymentSucceeded
	case StatusFailed:
		topic = events.TopicPaymentFailed
	case StatusCancelled:
		topic = events.TopicPaymentCancelled
	case StatusRefunded:
		topic = events.TopicPaymentRefunded
	default:
		return
	}
	if err := r.Events.Publish(ctx, topic, pay.ID.String(), pay); err != nil {
		loggerFor(ctx, r.Logger).Error().Err(err).Str("topic", topic).Str("payment_id", pay.ID.String()).Msg("payment_event_publish_failed")
	}
}

// RefundInput is an operator request to return money for a settled payment.
type RefundInput struct {
	PaymentID   uuid.UUID
	AmountCents int64
	Reason      string
	ClientIP    string
	// IdempotencyKey identifies the refund across retries. When empty it is
	// derived from the requested amount and what was refunded before.
	IdempotencyKey string
}

// Refund returns money for a SUCCEEDED payment in three steps: reserve a refund
// row, call the gateway with no transaction open, then record the outcome.
// A retry with the same key never reaches the gateway twice: a settled refund
// is returned as is and one without a recorded outcome yields ErrRefundInProgress.
func (r *Reconciler) Refund(ctx context.Context, in RefundInput) (Payment, error) {
	ctx, span := otel.Tracer("payment.Reconciler").Start(ctx, "Reconciler.Refund")
	defer span.End()

	current, err := r.Store.GetPayment(ctx, in.PaymentID)
	if err != nil {
		return Payment{}, err
	}
	adapter, err := r.Adapters.For(current.Provider)
	if err != nil {
		return Payment{}, err
	}
	var ref string
	if current.IntentID != nil {
		intent, err := r.Store.GetIntent(ctx, *current.IntentID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return Payment{}, err
		}
		ref = intent.ProviderRef
	}

	rf, pay, fresh, err := r.reserveRefund(ctx, in)
	if err != nil {
		span.RecordError(err)
		return Payment{}, err
	}
	if !fresh {
		switch rf.Status {
		case RefundSucceeded:
			return pay, nil
		case RefundInitiated:
			return Payment{}, fmt.Errorf("%w: refund %s", ErrRefundInProgress, rf.ID)
		}
	}

	callCtx := ctx
	if r.RefundTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.RefundTimeout)
		defer cancel()
	}
	result, callErr := adapter.Refund(callCtx, RefundRequest{
		PaymentID:     pay.ID,
		RequestID:     rf.RequestID,
		Reference:     ref,
		ProviderTxnID: pay.ProviderTxnID,
		AmountCents:   rf.AmountCents,
		TotalCents:    pay.AmountCents,
		Reason:        strings.TrimSpace(in.Reason),
		PaidAt:        settledAt(pay),
		ClientIP:      in.ClientIP,
	})
	logger := loggerFor(ctx, r.Logger)
	if callErr != nil && !errors.Is(callErr, ErrProviderRejected) {
		// the gateway may or may not have acted; the row stays reserved until resolved
		logger.Warn().Err(callErr).Str("refund_id", rf.ID.String()).Str("payment_id", pay.ID.String()).Msg("refund_outcome_unknown")
		span.RecordError(callErr)
		return Payment{}, callErr
	}

	out, err := r.settleRefund(ctx, rf, ref, result, callErr)
	if err != nil {
		logger.Error().Err(err).Str("refund_id", rf.ID.String()).Str("payment_id", pay.ID.String()).Msg("refund_record_failed")
		span.RecordError(err)
		return Payment{}, err
	}
	if callErr != nil {
		return Payment{}, callErr
	}
	return out, nil
}

// ResolveRefund records an outcome confirmed out of band for a refund left
// INITIATED, releasing or applying its reserved amount.
func (r *Reconciler) ResolveRefund(ctx context.Context, refundID uuid.UUID, succeeded bool, providerRefundID string) (Payment, error) {
	rf, err := r.Store.GetRefund(ctx, refundID)
	if err != nil {
		return Payment{}, err
	}
	var callErr error
	if !succeeded {
		callErr = fmt.Errorf("%w: resolved as failed by operator", ErrProviderRejected)
	}
	var ref string
	if current, err := r.Store.GetPayment(ctx, rf.PaymentID); err == nil && current.IntentID != nil {
		if intent, err := r.Store.GetIntent(ctx, *current.IntentID); err == nil {
			ref = intent.ProviderRef
		}
	}
	return r.settleRefund(ctx, rf, ref, RefundResult{ProviderRefundID: providerRefundID}, callErr)
}

func (r *Reconciler) reserveRefund(ctx context.Context, in RefundInput) (Refund, Payment, bool, error) {
	txCtx := ctx
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		txCtx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	var (
		rf    Refund
		pay   Payment
		fresh bool
	)
	err := r.Store.InTx(txCtx, func(tx Tx) error {
		var err error
		pay, err = tx.LockPayment(txCtx, in.PaymentID)
		if err != nil {
			return err
		}
		key := strings.TrimSpace(in.IdempotencyKey)
		if key == "" {
			key = fmt.Sprintf("auto:%d:%d", pay.RefundedCents, in.AmountCents)
		}
		rf, err = tx.RefundByKey(txCtx, pay.ID, key)
		if err == nil {
			fresh = false
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("find refund: %w", err)
		}
		if pay.Status != StatusSucceeded {
			return fmt.Errorf("%w: status %s", ErrNotRefundable, pay.Status)
		}
		reserved, err := tx.ReservedRefundCents(txCtx, pay.ID)
		if err != nil {
			return fmt.Errorf("reserved refunds: %w", err)
		}
		remaining := pay.AmountCents - pay.RefundedCents - reserved
		amount := in.AmountCents
		if amount == 0 {
			amount = remaining
		}
		if amount <= 0 || amount > remaining {
			return fmt.Errorf("%w: amount %d exceeds refundable %d", ErrNotRefundable, amount, remaining)
		}
		now := r.now().UTC()
		id := uuid.New()
		rf, err = tx.InsertRefund(txCtx, Refund{
			ID:             id,
			PaymentID:      pay.ID,
			Provider:       pay.Provider,
			IdempotencyKey: key,
			RequestID:      compactRef(id),
			AmountCents:    amount,
			Status:         RefundInitiated,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
		if err != nil {
			return fmt.Errorf("insert refund: %w", err)
		}
		fresh = true
		return nil
	})
	return rf, pay, fresh, err
}

// settleRefund records the gateway's answer for an INITIATED refund. A rejection
// releases the reservation; success moves the amount onto the payment.
func (r *Reconciler) settleRefund(ctx context.Context, rf Refund, ref string, result RefundResult, callErr error) (Payment, error) {
	txCtx := ctx
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		txCtx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	var (
		out      Payment
		refunded bool
	)
	err := r.Store.InTx(txCtx, func(tx Tx) error {
		refunded = false
		pay, err := tx.LockPayment(txCtx, rf.PaymentID)
		if err != nil {
			return err
		}
		locked, err := tx.LockRefund(txCtx, rf.ID)
		if err != nil {
			return err
		}
		out = pay
		if locked.Status != RefundInitiated {
			return nil
		}
		now := r.now().UTC()
		locked.UpdatedAt = now
		if callErr != nil {
			locked.Status = RefundFailed
			locked.Error = callErr.Error()
			_, err = tx.UpdateRefund(txCtx, locked)
			return err
		}
		locked.Status = RefundSucceeded
		locked.ProviderRefundID = result.ProviderRefundID
		if _, err := tx.UpdateRefund(txCtx, locked); err != nil {
			return fmt.Errorf("update refund: %w", err)
		}
		pay.RefundedCents += locked.AmountCents
		if pay.RefundedCents >= pay.AmountCents {
			pay.Status = StatusRefunded
		}
		pay.UpdatedAt = now
		pay, err = tx.UpdatePayment(txCtx, pay)
		if err != nil {
			return fmt.Errorf("update payment: %w", err)
		}
		out = pay
		refunded = true
		return tx.InsertEvent(txCtx, EventRecord{
			PaymentID:     &pay.ID,
			Provider:      pay.Provider,
			ProviderTxnID: result.ProviderRefundID,
			Reference:     ref,
			RawStatus:     "REFUND",
			Status:        pay.Status,
			Outcome:       OutcomeRefunded,
			Payload:       result.Raw,
			ReceivedAt:    now,
		})
	})
	if err != nil {
		return Payment{}, err
	}
	if refunded {
		loggerFor(ctx, r.Logger).Info().Str("payment_id", out.ID.String()).Str("refund_id", rf.ID.String()).Int64("refunded_cents", out.RefundedCents).Str("status", string(out.Status)).Msg("payment_refunded")
		if out.Status == StatusRefunded {
			r.publish(ctx, out)
		}
	}
	return out, nil
}

// settledAt is the original transaction time gateways match refunds against.
func settledAt(p Payment) time.Time {
	if p.PaidAt != nil {
		return *p.PaidAt
	}
	return p.UpdatedAt
}

func paymentIDString(p Payment) string {
	if p.ID == uuid.Nil {
		return ""
	}
	return p.ID.String()
}
