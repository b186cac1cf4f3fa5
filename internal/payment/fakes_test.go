package payment

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memStore mirrors the postgres store's constraints closely enough for service
// and reconciler tests. InTx serialises transactions, standing in for row locks.
type memStore struct {
	mu       sync.Mutex
	txMu     sync.Mutex
	intents  map[uuid.UUID]Intent
	payments map[uuid.UUID]Payment
	refunds  map[uuid.UUID]Refund
	events   []EventRecord

	failTx   error
	saveHook func()
	// failEvents makes the next n InsertEvent calls fail, rolling their transaction back.
	failEvents int
}

func newMemStore() *memStore {
	return &memStore{intents: map[uuid.UUID]Intent{}, payments: map[uuid.UUID]Payment{}, refunds: map[uuid.UUID]Refund{}}
}

func (m *memStore) GetIntentByKey(_ context.Context, provider Provider, key string) (Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *Intent
	for _, in := range m.intents {
		if in.Provider != provider || in.IdempotencyKey != key {
			continue
		}
		in := in
		if best == nil || (best.Status == IntentExpired && in.Status != IntentExpired) ||
			(best.Status == in.Status && in.CreatedAt.After(best.CreatedAt)) {
			best = &in
		}
	}
	if best == nil {
		return Intent{}, ErrNotFound
	}
	return *best, nil
}

func (m *memStore) GetIntentByRef(_ context.Context, provider Provider, ref string) (Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.intentByRef(provider, ref)
}

func (m *memStore) intentByRef(provider Provider, ref string) (Intent, error) {
	for _, in := range m.intents {
		if in.Provider == provider && in.ProviderRef == ref {
			return in, nil
		}
	}
	return Intent{}, ErrNotFound
}

func (m *memStore) GetIntent(_ context.Context, id uuid.UUID) (Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.intents[id]
	if !ok {
		return Intent{}, ErrNotFound
	}
	return in, nil
}

func (m *memStore) HasSucceededPayment(_ context.Context, orderID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.OrderID == orderID && p.Status == StatusSucceeded {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) SaveIntent(_ context.Context, intent Intent, placeholder Payment) (Intent, error) {
	if m.saveHook != nil {
		m.saveHook()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, in := range m.intents {
		if in.Status == IntentExpired {
			continue
		}
		sameKey := in.Provider == intent.Provider && in.IdempotencyKey == intent.IdempotencyKey
		if (in.OrderID == intent.OrderID && !sameKey) || (sameKey && !in.ExpiresAt.After(intent.CreatedAt)) {
			in.Status = IntentExpired
			m.intents[id] = in
		}
	}
	for _, in := range m.intents {
		if in.Status == IntentExpired {
			continue
		}
		if in.Provider == intent.Provider && in.IdempotencyKey == intent.IdempotencyKey {
			return Intent{}, ErrConflict
		}
		if in.OrderID == intent.OrderID {
			return Intent{}, ErrConflict
		}
	}
	m.intents[intent.ID] = intent
	m.payments[placeholder.ID] = placeholder
	return intent, nil
}

func (m *memStore) ListPaymentsByOrder(_ context.Context, orderID string) ([]Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []Payment{}
	for _, p := range m.payments {
		if p.OrderID == orderID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memStore) GetPayment(_ context.Context, id uuid.UUID) (Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return Payment{}, ErrNotFound
	}
	return p, nil
}

func (m *memStore) ListPayments(_ context.Context, f PaymentFilter) ([]Payment, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []Payment
	for _, p := range m.payments {
		if (f.Status == "" || p.Status == f.Status) && (f.Provider == "" || p.Provider == f.Provider) && (f.OrderID == "" || p.OrderID == f.OrderID) {
			all = append(all, p)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := int64(len(all))
	if f.Offset >= len(all) {
		return []Payment{}, total, nil
	}
	all = all[f.Offset:]
	if f.Limit > 0 && len(all) > f.Limit {
		all = all[:f.Limit]
	}
	return all, total, nil
}

func (m *memStore) PaymentStats(_ context.Context) ([]StatsRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := map[[2]string]*StatsRow{}
	for _, p := range m.payments {
		k := [2]string{string(p.Provider), string(p.Status)}
		row, ok := idx[k]
		if !ok {
			row = &StatsRow{Provider: p.Provider, Status: p.Status}
			idx[k] = row
		}
		row.Count++
		row.AmountCents += p.AmountCents
	}
	out := make([]StatsRow, 0, len(idx))
	for _, r := range idx {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].Status < out[j].Status
	})
	return out, nil
}

func (m *memStore) ExpireIntents(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, in := range m.intents {
		if in.Status != IntentExpired && !in.ExpiresAt.After(now) {
			in.Status = IntentExpired
			m.intents[id] = in
			n++
		}
	}
	return n, nil
}

func (m *memStore) GetRefund(_ context.Context, id uuid.UUID) (Refund, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rf, ok := m.refunds[id]
	if !ok {
		return Refund{}, ErrNotFound
	}
	return rf, nil
}

func (m *memStore) InTx(_ context.Context, fn func(Tx) error) error {
	if m.failTx != nil {
		return m.failTx
	}
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	tx := &memTx{
		intents:  copyMap(m.intents),
		payments: copyMap(m.payments),
		refunds:  copyMap(m.refunds),
	}
	tx.store = m
	m.mu.Unlock()

	if err := fn(tx); err != nil {
		return err
	}
	m.mu.Lock()
	m.intents = tx.intents
	m.payments = tx.payments
	m.refunds = tx.refunds
	m.events = append(m.events, tx.events...)
	m.mu.Unlock()
	return nil
}

func (m *memStore) refundList() []Refund {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Refund, 0, len(m.refunds))
	for _, rf := range m.refunds {
		out = append(out, rf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *memStore) put(p Payment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments[p.ID] = p
}

func (m *memStore) putIntent(in Intent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.intents[in.ID] = in
}

func (m *memStore) payment(id uuid.UUID) Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.payments[id]
}

func (m *memStore) eventLog() []EventRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]EventRecord(nil), m.events...)
}

func copyMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

type memTx struct {
	intents  map[uuid.UUID]Intent
	payments map[uuid.UUID]Payment
	refunds  map[uuid.UUID]Refund
	events   []EventRecord
	store    *memStore
}

func (t *memTx) LockIntentByRef(_ context.Context, provider Provider, ref string) (Intent, error) {
	for _, in := range t.intents {
		if in.Provider == provider && in.ProviderRef == ref {
			return in, nil
		}
	}
	return Intent{}, ErrNotFound
}

func (t *memTx) LockPaymentByTxn(_ context.Context, provider Provider, txnID string) (Payment, error) {
	for _, p := range t.payments {
		if p.Provider == provider && p.ProviderTxnID == txnID {
			return p, nil
		}
	}
	return Payment{}, ErrNotFound
}

func (t *memTx) LockPaymentByIntent(_ context.Context, intentID uuid.UUID) (Payment, error) {
	for _, p := range t.payments {
		if p.IntentID != nil && *p.IntentID == intentID {
			return p, nil
		}
	}
	return Payment{}, ErrNotFound
}

func (t *memTx) LockPendingPayment(_ context.Context, orderID string, provider Provider) (Payment, error) {
	var best *Payment
	for _, p := range t.payments {
		if p.OrderID == orderID && p.Provider == provider && p.Status == StatusPending {
			p := p
			if best == nil || p.CreatedAt.Before(best.CreatedAt) {
				best = &p
			}
		}
	}
	if best == nil {
		return Payment{}, ErrNotFound
	}
	return *best, nil
}

func (t *memTx) LockPayment(_ context.Context, id uuid.UUID) (Payment, error) {
	p, ok := t.payments[id]
	if !ok {
		return Payment{}, ErrNotFound
	}
	return p, nil
}

func (t *memTx) InsertPayment(_ context.Context, p Payment) (Payment, error) {
	for _, existing := range t.payments {
		if p.IntentID != nil && existing.IntentID != nil && *existing.IntentID == *p.IntentID {
			return Payment{}, ErrConflict
		}
	}
	t.payments[p.ID] = p
	return p, nil
}

func (t *memTx) UpdatePayment(_ context.Context, p Payment) (Payment, error) {
	if _, ok := t.payments[p.ID]; !ok {
		return Payment{}, ErrNotFound
	}
	for id, existing := range t.payments {
		if id != p.ID && p.ProviderTxnID != "" && existing.Provider == p.Provider && existing.ProviderTxnID == p.ProviderTxnID {
			return Payment{}, ErrConflict
		}
	}
	if prev := t.payments[p.ID]; prev.PaidAt != nil {
		p.PaidAt = prev.PaidAt
	}
	t.payments[p.ID] = p
	return p, nil
}

func (t *memTx) InsertEvent(_ context.Context, rec EventRecord) error {
	if t.store != nil {
		t.store.mu.Lock()
		fail := t.store.failEvents > 0
		if fail {
			t.store.failEvents--
		}
		t.store.mu.Unlock()
		if fail {
			return errors.New("insert event: connection reset")
		}
	}
	t.events = append(t.events, rec)
	return nil
}

func (t *memTx) RefundByKey(_ context.Context, paymentID uuid.UUID, key string) (Refund, error) {
	for _, rf := range t.refunds {
		if rf.PaymentID == paymentID && rf.IdempotencyKey == key && rf.Status != RefundFailed {
			return rf, nil
		}
	}
	return Refund{}, ErrNotFound
}

func (t *memTx) ReservedRefundCents(_ context.Context, paymentID uuid.UUID) (int64, error) {
	var sum int64
	for _, rf := range t.refunds {
		if rf.PaymentID == paymentID && rf.Status == RefundInitiated {
			sum += rf.AmountCents
		}
	}
	return sum, nil
}

func (t *memTx) InsertRefund(_ context.Context, rf Refund) (Refund, error) {
	if _, err := t.RefundByKey(context.Background(), rf.PaymentID, rf.IdempotencyKey); err == nil {
		return Refund{}, ErrConflict
	}
	t.refunds[rf.ID] = rf
	return rf, nil
}

func (t *memTx) LockRefund(_ context.Context, id uuid.UUID) (Refund, error) {
	rf, ok := t.refunds[id]
	if !ok {
		return Refund{}, ErrNotFound
	}
	return rf, nil
}

func (t *memTx) UpdateRefund(_ context.Context, rf Refund) (Refund, error) {
	if _, ok := t.refunds[rf.ID]; !ok {
		return Refund{}, ErrNotFound
	}
	t.refunds[rf.ID] = rf
	return rf, nil
}

type stubOrders struct {
	mu     sync.Mutex
	orders map[string]Order
	err    error
	paid   []string
}

func (s *stubOrders) GetOrder(_ context.Context, id string) (Order, error) {
	if s.err != nil {
		return Order{}, s.err
	}
	o, ok := s.orders[id]
	if !ok {
		return Order{}, ErrOrderNotFound
	}
	return o, nil
}

func (s *stubOrders) MarkOrderPaid(_ context.Context, orderID string, _ Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paid = append(s.paid, orderID)
	return nil
}

func (s *stubOrders) paidOrders() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.paid...)
}

type published struct {
	Topic string
	Key   string
}

type stubPublisher struct {
	mu   sync.Mutex
	sent []published
}

func (s *stubPublisher) Publish(_ context.Context, topic, key string, _ any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, published{Topic: topic, Key: key})
	return nil
}

func (s *stubPublisher) topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sent))
	for _, p := range s.sent {
		out = append(out, p.Topic)
	}
	return out
}

// doerFunc lets tests answer outbound gateway calls inline.
type doerFunc func(req *http.Request) (*http.Response, error)

func (f doerFunc) Do(_ context.Context, req *http.Request) (*http.Response, error) {
	return f(req)
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}
