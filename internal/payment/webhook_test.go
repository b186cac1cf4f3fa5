package payment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

type stubRetry struct {
	events []Event
	err    error
}

func (s *stubRetry) EnqueueReconcile(_ context.Context, evt Event) error {
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, evt)
	return nil
}

func paymentRouter(wh Webhook, cb Callback) http.Handler {
	r := chi.NewRouter()
	r.Post("/payments/{provider}/webhook", wh.Handle)
	r.Get("/payments/{provider}/webhook", wh.Handle)
	r.Get("/payments/{provider}/callback", cb.Handle)
	return r
}

func (f reconcilerFixture) ipn(status string) string {
	return f.rec.Adapters.VNPay.SignedQuery(map[string]string{
		"vnp_TxnRef":            f.intent.ProviderRef,
		"vnp_Amount":            "5000000",
		"vnp_ResponseCode":      status,
		"vnp_TransactionStatus": status,
		"vnp_TransactionNo":     "14000001",
	})
}

func TestWebhookAppliesVerifiedEvent(t *testing.T) {
	f := newReconcilerFixture(t)
	h := paymentRouter(Webhook{Adapters: f.rec.Adapters, Reconciler: f.rec}, Callback{})

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/payments/vnpay/webhook?"+f.ipn("00"), nil)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		require.Equal(t, http.StatusOK, rr.Code)
		var ack map[string]string
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &ack))
		require.Equal(t, "00", ack["RspCode"])
	}
	require.Equal(t, StatusSucceeded, f.store.payment(f.pay.ID).Status)
	require.Len(t, f.orders.paidOrders(), 1)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	f := newReconcilerFixture(t)
	wrong := testVNPay()
	wrong.HashSecret = "not-the-secret"
	forged := wrong.SignedQuery(map[string]string{
		"vnp_TxnRef":       f.intent.ProviderRef,
		"vnp_Amount":       "5000000",
		"vnp_ResponseCode": "00",
	})
	h := paymentRouter(Webhook{Adapters: f.rec.Adapters, Reconciler: f.rec}, Callback{})

	req := httptest.NewRequest(http.MethodPost, "/payments/vnpay/webhook", strings.NewReader(forged))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	require.Equal(t, StatusPending, f.store.payment(f.pay.ID).Status)
	require.Empty(t, f.store.eventLog())
}

func TestWebhookUnknownProvider(t *testing.T) {
	f := newReconcilerFixture(t)
	h := paymentRouter(Webhook{Adapters: f.rec.Adapters, Reconciler: f.rec}, Callback{})
	req := httptest.NewRequest(http.MethodPost, "/payments/momo/webhook", strings.NewReader("{}"))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestWebhookAnomaliesStillAnswerOK(t *testing.T) {
	f := newReconcilerFixture(t)
	h := paymentRouter(Webhook{Adapters: f.rec.Adapters, Reconciler: f.rec}, Callback{})

	req := httptest.NewRequest(http.MethodGet, "/payments/vnpay/webhook?"+f.ipn("42"), nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, StatusPending, f.store.payment(f.pay.ID).Status)
}

func TestWebhookDefersOnInternalFailure(t *testing.T) {
	f := newReconcilerFixture(t)
	f.store.failTx = errors.New("db down")
	retry := &stubRetry{}
	h := paymentRouter(Webhook{Adapters: f.rec.Adapters, Reconciler: f.rec, Retry: retry}, Callback{})

	req := httptest.NewRequest(http.MethodGet, "/payments/vnpay/webhook?"+f.ipn("00"), nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, retry.events, 1)
	require.Equal(t, f.intent.ProviderRef, retry.events[0].Reference)

	// a task already parked for the same event is fine
	retry.err = ErrConflict
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/payments/vnpay/webhook?"+f.ipn("00"), nil))
	require.Equal(t, http.StatusOK, rr.Code)

	retry.err = errors.New("redis down")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/payments/vnpay/webhook?"+f.ipn("00"), nil))
	require.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestWebhookWithoutRetryAnswers500OnFailure(t *testing.T) {
	f := newReconcilerFixture(t)
	f.store.failTx = errors.New("db down")
	h := paymentRouter(Webhook{Adapters: f.rec.Adapters, Reconciler: f.rec}, Callback{})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/payments/vnpay/webhook?"+f.ipn("00"), nil))
	require.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestCallbackReadsPersistedStatusOnly(t *testing.T) {
	f := newReconcilerFixture(t)
	cb := Callback{Adapters: f.rec.Adapters, Store: f.store}
	h := paymentRouter(Webhook{}, cb)

	// the browser claims success but no webhook has landed
	forged := url.Values{"vnp_TxnRef": {f.intent.ProviderRef}, "vnp_ResponseCode": {"00"}}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/payments/vnpay/callback?"+forged.Encode(), nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var body callbackResp
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, "pending", body.Status)
	require.Equal(t, "ord-1", body.OrderID)

	f.settle(t)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/payments/vnpay/callback?"+forged.Encode(), nil))
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, "succeeded", body.Status)
}

func TestCallbackRedirectsToResultPage(t *testing.T) {
	f := newReconcilerFixture(t)
	cb := Callback{Adapters: f.rec.Adapters, Store: f.store, ResultURL: "https://shop.example/checkout/result"}
	h := paymentRouter(Webhook{}, cb)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/payments/vnpay/callback?vnp_TxnRef="+f.intent.ProviderRef, nil))
	require.Equal(t, http.StatusFound, rr.Code)
	loc, err := url.Parse(rr.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "ord-1", loc.Query().Get("orderId"))
	require.Equal(t, "pending", loc.Query().Get("status"))
}

func TestCallbackUnknownReference(t *testing.T) {
	f := newReconcilerFixture(t)
	h := paymentRouter(Webhook{}, Callback{Adapters: f.rec.Adapters, Store: f.store})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/payments/vnpay/callback?vnp_TxnRef=nope", nil))
	require.Equal(t, http.StatusNotFound, rr.Code)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/payments/vnpay/callback", nil))
	require.Equal(t, http.StatusBadRequest, rr.Code)
}
