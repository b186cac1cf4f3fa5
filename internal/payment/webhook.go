package payment

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/noah-isme/payment-core/internal/common"
	"github.com/noah-isme/payment-core/internal/obs"
)

// EventApplier is the reconciler as seen by the HTTP edge and the retry worker.
type EventApplier interface {
	Apply(ctx context.Context, evt Event) (Result, error)
}

// Webhook receives gateway notifications, verifies them and hands them to the reconciler.
type Webhook struct {
	Adapters   Adapters
	Reconciler EventApplier
	// Retry receives events that failed on an internal fault. When nil such
	// failures answer 500 so the gateway redelivers.
	Retry  RetryQueue
	Logger *zerolog.Logger
}

// Handle serves POST (and, for VNPAY IPN, GET) /payments/{provider}/webhook.
func (h Webhook) Handle(w http.ResponseWriter, r *http.Request) {
	if h.Reconciler == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "webhook unavailable", nil)
		return
	}
	provider, err := ParseProvider(chi.URLParam(r, "provider"))
	if err != nil {
		common.JSONError(w, http.StatusNotFound, "PROVIDER_NOT_SUPPORTED", "unknown provider", nil)
		return
	}
	adapter, err := h.Adapters.For(provider)
	if err != nil {
		common.JSONError(w, http.StatusNotFound, "PROVIDER_NOT_SUPPORTED", "unknown provider", nil)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "INVALID_BODY", "unable to read payload", nil)
		return
	}
	if len(body) == 0 && r.URL.RawQuery != "" {
		body = []byte(r.URL.RawQuery)
	}

	ctx := r.Context()
	logger := loggerFor(ctx, h.Logger)
	evt, err := adapter.ParseWebhook(body, r.Header)
	if err != nil {
		countWebhook(provider, "invalid_signature")
		logger.Warn().
			Str("provider", string(provider)).
			Time("received_at", time.Now().UTC()).
			Str("remote_ip", common.ClientIP(r)).
			Msg("payment_webhook_signature_invalid")
		common.JSONError(w, http.StatusUnauthorized, "INVALID_SIGNATURE", "signature verification failed", nil)
		return
	}

	res, err := h.Reconciler.Apply(ctx, evt)
	if err != nil {
		logger.Error().Err(err).Str("provider", string(provider)).Str("reference", evt.Reference).Msg("payment_webhook_reconcile_failed")
		if h.Retry == nil {
			countWebhook(provider, "error")
			common.JSONError(w, http.StatusInternalServerError, "RECONCILE_FAILED", "temporary failure", nil)
			return
		}
		if qerr := h.Retry.EnqueueReconcile(ctx, evt); qerr != nil && !errors.Is(qerr, ErrConflict) {
			countWebhook(provider, "error")
			logger.Error().Err(qerr).Str("provider", string(provider)).Str("reference", evt.Reference).Msg("payment_webhook_retry_enqueue_failed")
			common.JSONError(w, http.StatusInternalServerError, "RECONCILE_FAILED", "temporary failure", nil)
			return
		}
		countWebhook(provider, "deferred")
		common.JSON(w, http.StatusOK, adapter.Acknowledge())
		return
	}
	countWebhook(provider, string(res.Outcome))
	common.JSON(w, http.StatusOK, adapter.Acknowledge())
}

func countWebhook(provider Provider, result string) {
	if obs.PaymentWebhookTotal != nil {
		obs.PaymentWebhookTotal.WithLabelValues(string(provider), result).Inc()
	}
}
