package payment

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/payment-core/internal/common"
	"github.com/noah-isme/payment-core/internal/lock"
)

var testNow = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

type serviceFixture struct {
	svc    *Service
	store  *memStore
	orders *stubOrders
	clock  *time.Time
}

func newServiceFixture(t *testing.T) serviceFixture {
	t.Helper()
	store := newMemStore()
	orders := &stubOrders{orders: map[string]Order{
		"ord-1": {ID: "ord-1", Status: "PENDING_PAYMENT", TotalCents: 150000, Currency: "VND", UserID: "user-1"},
		"ord-2": {ID: "ord-2", Status: "PENDING_PAYMENT", TotalCents: 90000, Currency: "VND", UserID: "user-1"},
		"paid":  {ID: "paid", Status: "PAID", TotalCents: 1000, Currency: "VND", UserID: "user-1"},
	}}
	now := testNow
	f := serviceFixture{store: store, orders: orders, clock: &now}
	f.svc = &Service{
		Store:     store,
		Adapters:  Adapters{VNPay: testVNPay()},
		Orders:    orders,
		IntentTTL: 15 * time.Minute,
		Currency:  "VND",
		Now:       func() time.Time { return *f.clock },
	}
	return f
}

func intentInput(order, key string) IntentInput {
	return IntentInput{
		OrderID: order, Provider: ProviderVNPay, IdempotencyKey: key,
		ReturnURL: "https://shop.example/return", Caller: common.Caller{UserID: "user-1"},
	}
}

func TestCreateIntentPersistsIntentAndPendingPayment(t *testing.T) {
	f := newServiceFixture(t)
	intent, err := f.svc.CreateIntent(context.Background(), intentInput("ord-1", "key-000001"))
	require.NoError(t, err)
	require.Equal(t, IntentRedirected, intent.Status)
	require.Equal(t, int64(150000), intent.AmountCents)
	require.Equal(t, testNow.Add(15*time.Minute), intent.ExpiresAt)
	require.Contains(t, intent.RedirectURL, "vnp_TxnRef="+intent.ProviderRef)

	payments, err := f.store.ListPaymentsByOrder(context.Background(), "ord-1")
	require.NoError(t, err)
	require.Len(t, payments, 1)
	require.Equal(t, StatusPending, payments[0].Status)
	require.Equal(t, intent.ID, *payments[0].IntentID)
}

func TestCreateIntentIsIdempotent(t *testing.T) {
	f := newServiceFixture(t)
	first, err := f.svc.CreateIntent(context.Background(), intentInput("ord-1", "key-000001"))
	require.NoError(t, err)
	second, err := f.svc.CreateIntent(context.Background(), intentInput("ord-1", "key-000001"))
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, first.RedirectURL, second.RedirectURL)

	payments, _ := f.store.ListPaymentsByOrder(context.Background(), "ord-1")
	require.Len(t, payments, 1)
}

func TestCreateIntentKeyBoundToOrder(t *testing.T) {
	f := newServiceFixture(t)
	_, err := f.svc.CreateIntent(context.Background(), intentInput("ord-1", "key-000001"))
	require.NoError(t, err)
	_, err = f.svc.CreateIntent(context.Background(), intentInput("ord-2", "key-000001"))
	var appErr *common.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, "IDEMPOTENCY_KEY_REUSED", appErr.Code)
}

func TestCreateIntentAfterExpiryIssuesFreshIntent(t *testing.T) {
	f := newServiceFixture(t)
	first, err := f.svc.CreateIntent(context.Background(), intentInput("ord-1", "key-000001"))
	require.NoError(t, err)

	*f.clock = testNow.Add(16 * time.Minute)
	second, err := f.svc.CreateIntent(context.Background(), intentInput("ord-1", "key-000001"))
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	old, err := f.store.GetIntent(context.Background(), first.ID)
	require.NoError(t, err)
	require.Equal(t, IntentExpired, old.Status)
}

func TestCreateIntentNewKeySupersedesOpenIntent(t *testing.T) {
	f := newServiceFixture(t)
	first, err := f.svc.CreateIntent(context.Background(), intentInput("ord-1", "key-000001"))
	require.NoError(t, err)
	_, err = f.svc.CreateIntent(context.Background(), intentInput("ord-1", "key-000002"))
	require.NoError(t, err)

	old, err := f.store.GetIntent(context.Background(), first.ID)
	require.NoError(t, err)
	require.Equal(t, IntentExpired, old.Status)
}

func TestCreateIntentRejectsUnpayableOrders(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.svc.CreateIntent(context.Background(), intentInput("paid", "key-000001"))
	require.ErrorIs(t, err, ErrOrderNotPayable)
	require.Equal(t, http.StatusConflict, AppErrorFor(err).Status)

	_, err = f.svc.CreateIntent(context.Background(), intentInput("missing", "key-000002"))
	require.ErrorIs(t, err, ErrOrderNotFound)

	f.store.put(Payment{ID: uuid.New(), OrderID: "ord-2", Provider: ProviderMoMo, Status: StatusSucceeded, CreatedAt: testNow})
	_, err = f.svc.CreateIntent(context.Background(), intentInput("ord-2", "key-000003"))
	require.ErrorIs(t, err, ErrOrderNotPayable)
}

func TestCreateIntentGatewayFailureStoresNothing(t *testing.T) {
	f := newServiceFixture(t)
	f.svc.Adapters = Adapters{MoMo: testMoMo(doerFunc(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("connection reset")
	}))}
	in := intentInput("ord-1", "key-000001")
	in.Provider = ProviderMoMo
	_, err := f.svc.CreateIntent(context.Background(), in)
	require.ErrorIs(t, err, ErrProviderUnavailable)
	require.Equal(t, http.StatusBadGateway, AppErrorFor(err).Status)

	_, err = f.store.GetIntentByKey(context.Background(), ProviderMoMo, "key-000001")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCreateIntentUnknownProvider(t *testing.T) {
	f := newServiceFixture(t)
	in := intentInput("ord-1", "key-000001")
	in.Provider = ProviderPayOS
	_, err := f.svc.CreateIntent(context.Background(), in)
	require.ErrorIs(t, err, ErrUnknownProvider)
}

func TestCreateIntentConflictReturnsWinner(t *testing.T) {
	f := newServiceFixture(t)
	winner := Intent{
		ID: uuid.New(), OrderID: "ord-1", Provider: ProviderVNPay, IdempotencyKey: "key-000001",
		ProviderRef: "winner", Status: IntentRedirected, ExpiresAt: testNow.Add(time.Hour), CreatedAt: testNow,
	}
	// the concurrent request lands between our lookup and our insert
	var once sync.Once
	f.store.saveHook = func() { once.Do(func() { f.store.putIntent(winner) }) }

	got, err := f.svc.CreateIntent(context.Background(), intentInput("ord-1", "key-000001"))
	require.NoError(t, err)
	require.Equal(t, winner.ID, got.ID)
}

func TestCreateIntentConcurrentRequestsShareOneIntent(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	f := newServiceFixture(t)
	f.svc.Locker = lock.Locker{R: rdb, RetryBackoff: 5 * time.Millisecond, MaxWait: 5 * time.Second}

	const n = 8
	ids := make([]uuid.UUID, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			intent, err := f.svc.CreateIntent(context.Background(), intentInput("ord-1", "key-000001"))
			assert.NoError(t, err)
			ids[i] = intent.ID
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		require.Equal(t, ids[0], id)
	}
	payments, _ := f.store.ListPaymentsByOrder(context.Background(), "ord-1")
	require.Len(t, payments, 1)
}

func TestCreateIntentLockTimeout(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	f := newServiceFixture(t)
	f.svc.Locker = lock.Locker{R: rdb, RetryBackoff: 5 * time.Millisecond, MaxWait: 30 * time.Millisecond}
	mr.Set("payment:intent:vnpay:"+lockDigest("key-000001"), "someone-else")

	_, err := f.svc.CreateIntent(context.Background(), intentInput("ord-1", "key-000001"))
	var appErr *common.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, "INTENT_IN_PROGRESS", appErr.Code)
	require.Equal(t, http.StatusConflict, appErr.Status)
}

func TestCreateIntentHidesOtherUsersOrder(t *testing.T) {
	f := newServiceFixture(t)
	in := intentInput("ord-1", "key-000001")
	in.Caller = common.Caller{UserID: "user-2"}
	_, err := f.svc.CreateIntent(context.Background(), in)
	require.ErrorIs(t, err, ErrOrderNotFound)

	// a replayed key is no way around the check
	_, err = f.svc.CreateIntent(context.Background(), intentInput("ord-1", "key-000001"))
	require.NoError(t, err)
	_, err = f.svc.CreateIntent(context.Background(), in)
	require.ErrorIs(t, err, ErrOrderNotFound)

	in.Caller = common.Caller{UserID: "ops", Admin: true}
	_, err = f.svc.CreateIntent(context.Background(), in)
	require.NoError(t, err)
}

func TestConsolidatedStatusChecksOwner(t *testing.T) {
	f := newServiceFixture(t)
	f.orders.orders["legacy"] = Order{ID: "legacy", Status: "PENDING_PAYMENT", TotalCents: 1000}

	_, err := f.svc.ConsolidatedStatus(context.Background(), common.Caller{UserID: "user-1"}, "ord-1")
	require.NoError(t, err)
	_, err = f.svc.ConsolidatedStatus(context.Background(), common.Caller{UserID: "user-2"}, "ord-1")
	require.ErrorIs(t, err, ErrOrderNotFound)
	_, err = f.svc.ConsolidatedStatus(context.Background(), common.Caller{UserID: "user-1"}, "legacy")
	require.ErrorIs(t, err, ErrOrderNotFound)
	_, err = f.svc.ConsolidatedStatus(context.Background(), common.Caller{UserID: "ops", Admin: true}, "legacy")
	require.NoError(t, err)
}

func TestSummarize(t *testing.T) {
	p := func(s Status) Payment { return Payment{Status: s} }
	require.Equal(t, StatusPending, Summarize(nil))
	require.Equal(t, StatusSucceeded, Summarize([]Payment{p(StatusFailed), p(StatusSucceeded)}))
	require.Equal(t, StatusRefunded, Summarize([]Payment{p(StatusFailed), p(StatusRefunded)}))
	require.Equal(t, StatusPending, Summarize([]Payment{p(StatusCancelled), p(StatusPending)}))
	require.Equal(t, StatusCancelled, Summarize([]Payment{p(StatusCancelled), p(StatusFailed)}))
}

func TestExpireIntents(t *testing.T) {
	f := newServiceFixture(t)
	_, err := f.svc.CreateIntent(context.Background(), intentInput("ord-1", "key-000001"))
	require.NoError(t, err)

	n, err := f.svc.ExpireIntents(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)

	*f.clock = testNow.Add(time.Hour)
	n, err = f.svc.ExpireIntents(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestMethodsListsConfiguredGateways(t *testing.T) {
	f := newServiceFixture(t)
	f.svc.Adapters = Adapters{VNPay: testVNPay(), PayOS: testPayOS(nil)}
	require.Equal(t, []Method{
		{Provider: ProviderVNPay, Name: "VNPAY"},
		{Provider: ProviderPayOS, Name: "PayOS"},
	}, f.svc.Methods())
}
