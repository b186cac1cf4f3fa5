// Package postgres implements payment.Store on PostgreSQL through pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noah-isme/payment-core/internal/payment"
)

const uniqueViolation = "23505"

const intentColumns = `id, order_id, provider, idempotency_key, provider_ref, redirect_url, return_url,
	amount_cents, currency, status, expires_at, created_at, updated_at`

const paymentColumns = `id, order_id, intent_id, provider, provider_txn_id, amount_cents, refunded_cents,
	currency, status, raw_payload, paid_at, created_at, updated_at`

const refundColumns = `id, payment_id, provider, idempotency_key, request_id, amount_cents, status,
	provider_refund_id, error_message, created_at, updated_at`

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the pgx-backed payment.Store.
type Store struct {
	Pool *pgxpool.Pool
}

// New returns a Store over pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool}
}

var _ payment.Store = (*Store)(nil)

func (s *Store) GetIntentByKey(ctx context.Context, provider payment.Provider, key string) (payment.Intent, error) {
	// the live row wins over expired ones sharing the key
	row := s.Pool.QueryRow(ctx, `SELECT `+intentColumns+` FROM payment_intents
WHERE provider = $1 AND idempotency_key = $2
ORDER BY (status <> 'EXPIRED') DESC, created_at DESC LIMIT 1`, string(provider), key)
	return scanIntent(row)
}

func (s *Store) GetIntentByRef(ctx context.Context, provider payment.Provider, ref string) (payment.Intent, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+intentColumns+` FROM payment_intents WHERE provider = $1 AND provider_ref = $2`, string(provider), ref)
	return scanIntent(row)
}

func (s *Store) GetIntent(ctx context.Context, id uuid.UUID) (payment.Intent, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+intentColumns+` FROM payment_intents WHERE id = $1`, id)
	return scanIntent(row)
}

func (s *Store) HasSucceededPayment(ctx context.Context, orderID string) (bool, error) {
	var exists bool
	err := s.Pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM payments WHERE order_id = $1 AND status = 'SUCCEEDED')`, orderID).Scan(&exists)
	return exists, mapErr(err)
}

func (s *Store) SaveIntent(ctx context.Context, intent payment.Intent, placeholder payment.Payment) (payment.Intent, error) {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return payment.Intent{}, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	// supersede the order's other open intents and free a lapsed intent's key;
	// a still-live intent with the same key is left to trip the unique index
	_, err = tx.Exec(ctx, `UPDATE payment_intents SET status = 'EXPIRED', updated_at = $5
WHERE status <> 'EXPIRED' AND (
	(order_id = $1 AND NOT (provider = $2 AND idempotency_key = $3))
	OR (provider = $2 AND idempotency_key = $3 AND expires_at <= $4)
)`, intent.OrderID, string(intent.Provider), intent.IdempotencyKey, intent.CreatedAt, intent.UpdatedAt)
	if err != nil {
		return payment.Intent{}, fmt.Errorf("supersede intents: %w", err)
	}

	row := tx.QueryRow(ctx, `INSERT INTO payment_intents (`+intentColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
RETURNING `+intentColumns,
		intent.ID, intent.OrderID, string(intent.Provider), intent.IdempotencyKey, intent.ProviderRef,
		intent.RedirectURL, intent.ReturnURL, intent.AmountCents, intent.Currency, string(intent.Status),
		intent.ExpiresAt, intent.CreatedAt, intent.UpdatedAt)
	saved, err := scanIntent(row)
	if err != nil {
		return payment.Intent{}, err
	}
	if _, err := insertPayment(ctx, tx, placeholder); err != nil {
		return payment.Intent{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return payment.Intent{}, mapErr(err)
	}
	return saved, nil
}

func (s *Store) ListPaymentsByOrder(ctx context.Context, orderID string) ([]payment.Payment, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+paymentColumns+` FROM payments WHERE order_id = $1 ORDER BY created_at DESC, id`, orderID)
	if err != nil {
		return nil, err
	}
	return collectPayments(rows)
}

func (s *Store) GetPayment(ctx context.Context, id uuid.UUID) (payment.Payment, error) {
	return scanPayment(s.Pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
}

func (s *Store) ListPayments(ctx context.Context, f payment.PaymentFilter) ([]payment.Payment, int64, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, strings.Replace(cond, "?", "$"+strconv.Itoa(len(args)), 1))
	}
	if f.Status != "" {
		add("status = ?", string(f.Status))
	}
	if f.Provider != "" {
		add("provider = ?", string(f.Provider))
	}
	if f.OrderID != "" {
		add("order_id = ?", f.OrderID)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int64
	if err := s.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM payments`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)
	query := `SELECT ` + paymentColumns + ` FROM payments` + clause +
		fmt.Sprintf(` ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`, len(args)-1, len(args))
	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	items, err := collectPayments(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (s *Store) PaymentStats(ctx context.Context) ([]payment.StatsRow, error) {
	rows, err := s.Pool.Query(ctx, `SELECT provider, status, COUNT(*), COALESCE(SUM(amount_cents), 0)::BIGINT
FROM payments GROUP BY provider, status ORDER BY provider, status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []payment.StatsRow
	for rows.Next() {
		var (
			provider, status string
			r                payment.StatsRow
		)
		if err := rows.Scan(&provider, &status, &r.Count, &r.AmountCents); err != nil {
			return nil, err
		}
		r.Provider = payment.Provider(provider)
		r.Status = payment.Status(status)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) ExpireIntents(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.Pool.Exec(ctx, `UPDATE payment_intents SET status = 'EXPIRED', updated_at = $1
WHERE status <> 'EXPIRED' AND expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) GetRefund(ctx context.Context, id uuid.UUID) (payment.Refund, error) {
	return scanRefund(s.Pool.QueryRow(ctx, `SELECT `+refundColumns+` FROM payment_refunds WHERE id = $1`, id))
}

// InTx runs fn in a read-committed transaction; row locks taken through the Tx
// are held until fn returns.
func (s *Store) InTx(ctx context.Context, fn func(payment.Tx) error) error {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	if err := fn(txStore{q: tx}); err != nil {
		return err
	}
	return mapErr(tx.Commit(ctx))
}

type txStore struct {
	q querier
}

func (t txStore) LockIntentByRef(ctx context.Context, provider payment.Provider, ref string) (payment.Intent, error) {
	return scanIntent(t.q.QueryRow(ctx, `SELECT `+intentColumns+` FROM payment_intents
WHERE provider = $1 AND provider_ref = $2 FOR UPDATE`, string(provider), ref))
}

func (t txStore) LockPaymentByTxn(ctx context.Context, provider payment.Provider, txnID string) (payment.Payment, error) {
	return scanPayment(t.q.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments
WHERE provider = $1 AND provider_txn_id = $2 FOR UPDATE`, string(provider), txnID))
}

func (t txStore) LockPaymentByIntent(ctx context.Context, intentID uuid.UUID) (payment.Payment, error) {
	return scanPayment(t.q.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments
WHERE intent_id = $1 FOR UPDATE`, intentID))
}

func (t txStore) LockPendingPayment(ctx context.Context, orderID string, provider payment.Provider) (payment.Payment, error) {
	return scanPayment(t.q.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments
WHERE order_id = $1 AND provider = $2 AND status = 'PENDING'
ORDER BY created_at, id LIMIT 1 FOR UPDATE`, orderID, string(provider)))
}

func (t txStore) LockPayment(ctx context.Context, id uuid.UUID) (payment.Payment, error) {
	return scanPayment(t.q.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, id))
}

func (t txStore) InsertPayment(ctx context.Context, p payment.Payment) (payment.Payment, error) {
	return insertPayment(ctx, t.q, p)
}

func (t txStore) UpdatePayment(ctx context.Context, p payment.Payment) (payment.Payment, error) {
	return scanPayment(t.q.QueryRow(ctx, `UPDATE payments SET
	provider_txn_id = $2, status = $3, refunded_cents = $4, raw_payload = $5, updated_at = $6,
	paid_at = COALESCE(paid_at, $7)
WHERE id = $1
RETURNING `+paymentColumns,
		p.ID, nullString(p.ProviderTxnID), string(p.Status), p.RefundedCents, jsonOrNil(p.RawPayload), p.UpdatedAt, p.PaidAt))
}

func (t txStore) InsertEvent(ctx context.Context, rec payment.EventRecord) error {
	_, err := t.q.Exec(ctx, `INSERT INTO payment_events
	(payment_id, provider, provider_txn_id, reference, raw_status, status, outcome, payload, received_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.PaymentID, string(rec.Provider), rec.ProviderTxnID, rec.Reference, rec.RawStatus,
		string(rec.Status), string(rec.Outcome), jsonOrNil(rec.Payload), rec.ReceivedAt)
	return mapErr(err)
}

func (t txStore) RefundByKey(ctx context.Context, paymentID uuid.UUID, key string) (payment.Refund, error) {
	return scanRefund(t.q.QueryRow(ctx, `SELECT `+refundColumns+` FROM payment_refunds
WHERE payment_id = $1 AND idempotency_key = $2 AND status <> 'FAILED'`, paymentID, key))
}

func (t txStore) ReservedRefundCents(ctx context.Context, paymentID uuid.UUID) (int64, error) {
	var sum int64
	err := t.q.QueryRow(ctx, `SELECT COALESCE(SUM(amount_cents), 0)::BIGINT FROM payment_refunds
WHERE payment_id = $1 AND status = 'INITIATED'`, paymentID).Scan(&sum)
	return sum, mapErr(err)
}

func (t txStore) InsertRefund(ctx context.Context, rf payment.Refund) (payment.Refund, error) {
	return scanRefund(t.q.QueryRow(ctx, `INSERT INTO payment_refunds (`+refundColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
RETURNING `+refundColumns,
		rf.ID, rf.PaymentID, string(rf.Provider), rf.IdempotencyKey, rf.RequestID, rf.AmountCents,
		string(rf.Status), rf.ProviderRefundID, rf.Error, rf.CreatedAt, rf.UpdatedAt))
}

func (t txStore) LockRefund(ctx context.Context, id uuid.UUID) (payment.Refund, error) {
	return scanRefund(t.q.QueryRow(ctx, `SELECT `+refundColumns+` FROM payment_refunds WHERE id = $1 FOR UPDATE`, id))
}

func (t txStore) UpdateRefund(ctx context.Context, rf payment.Refund) (payment.Refund, error) {
	return scanRefund(t.q.QueryRow(ctx, `UPDATE payment_refunds SET
	status = $2, provider_refund_id = $3, error_message = $4, updated_at = $5
WHERE id = $1
RETURNING `+refundColumns,
		rf.ID, string(rf.Status), rf.ProviderRefundID, rf.Error, rf.UpdatedAt))
}

func insertPayment(ctx context.Context, q querier, p payment.Payment) (payment.Payment, error) {
	return scanPayment(q.QueryRow(ctx, `INSERT INTO payments (`+paymentColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
RETURNING `+paymentColumns,
		p.ID, p.OrderID, p.IntentID, string(p.Provider), nullString(p.ProviderTxnID), p.AmountCents,
		p.RefundedCents, p.Currency, string(p.Status), jsonOrNil(p.RawPayload), p.PaidAt, p.CreatedAt, p.UpdatedAt))
}

func scanIntent(row pgx.Row) (payment.Intent, error) {
	var (
		in               payment.Intent
		provider, status string
	)
	err := row.Scan(&in.ID, &in.OrderID, &provider, &in.IdempotencyKey, &in.ProviderRef, &in.RedirectURL,
		&in.ReturnURL, &in.AmountCents, &in.Currency, &status, &in.ExpiresAt, &in.CreatedAt, &in.UpdatedAt)
	if err != nil {
		return payment.Intent{}, mapErr(err)
	}
	in.Provider = payment.Provider(provider)
	in.Status = payment.IntentStatus(status)
	return in, nil
}

func scanPayment(row pgx.Row) (payment.Payment, error) {
	var (
		p                payment.Payment
		intentID         pgtype.UUID
		txnID            pgtype.Text
		paidAt           pgtype.Timestamptz
		provider, status string
	)
	err := row.Scan(&p.ID, &p.OrderID, &intentID, &provider, &txnID, &p.AmountCents, &p.RefundedCents,
		&p.Currency, &status, &p.RawPayload, &paidAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return payment.Payment{}, mapErr(err)
	}
	if intentID.Valid {
		id := uuid.UUID(intentID.Bytes)
		p.IntentID = &id
	}
	if paidAt.Valid {
		at := paidAt.Time
		p.PaidAt = &at
	}
	p.ProviderTxnID = txnID.String
	p.Provider = payment.Provider(provider)
	p.Status = payment.Status(status)
	return p, nil
}

func scanRefund(row pgx.Row) (payment.Refund, error) {
	var (
		rf               payment.Refund
		provider, status string
	)
	err := row.Scan(&rf.ID, &rf.PaymentID, &provider, &rf.IdempotencyKey, &rf.RequestID, &rf.AmountCents,
		&status, &rf.ProviderRefundID, &rf.Error, &rf.CreatedAt, &rf.UpdatedAt)
	if err != nil {
		return payment.Refund{}, mapErr(err)
	}
	rf.Provider = payment.Provider(provider)
	rf.Status = payment.RefundStatus(status)
	return rf, nil
}

func collectPayments(rows pgx.Rows) ([]payment.Payment, error) {
	defer rows.Close()
	out := []payment.Payment{}
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return payment.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", payment.ErrConflict, pgErr.ConstraintName)
	}
	return err
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func jsonOrNil(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
