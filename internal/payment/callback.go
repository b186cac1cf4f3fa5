package payment

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/noah-isme/payment-core/internal/common"
)

// Callback serves the browser return from a hosted checkout. Query parameters only
// pick the order; the status shown always comes from persisted payments.
type Callback struct {
	Adapters Adapters
	Store    Store
	// ResultURL, when set, receives a 302 with orderId and status instead of a JSON body.
	ResultURL string
	Logger    *zerolog.Logger
}

type callbackResp struct {
	OrderID  string   `json:"orderId"`
	IntentID string   `json:"intentId"`
	Provider Provider `json:"provider"`
	Status   string   `json:"status"`
}

func (h Callback) Handle(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "callback unavailable", nil)
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
	ref, ok := adapter.CallbackReference(r.URL.Query())
	if !ok {
		common.JSONError(w, http.StatusBadRequest, "MISSING_REFERENCE", "payment reference missing", nil)
		return
	}
	ctx := r.Context()
	intent, err := h.Store.GetIntentByRef(ctx, provider, ref)
	if errors.Is(err, ErrNotFound) {
		common.JSONError(w, http.StatusNotFound, "PAYMENT_NOT_FOUND", "payment not found", nil)
		return
	}
	if err != nil {
		loggerFor(ctx, h.Logger).Error().Err(err).Str("provider", string(provider)).Msg("payment_callback_lookup_failed")
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "status lookup failed", nil)
		return
	}
	payments, err := h.Store.ListPaymentsByOrder(ctx, intent.OrderID)
	if err != nil {
		loggerFor(ctx, h.Logger).Error().Err(err).Str("order_id", intent.OrderID).Msg("payment_callback_lookup_failed")
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "status lookup failed", nil)
		return
	}
	status := strings.ToLower(string(Summarize(payments)))

	if h.ResultURL != "" {
		if target, err := url.Parse(h.ResultURL); err == nil {
			q := target.Query()
			q.Set("orderId", intent.OrderID)
			q.Set("status", status)
			target.RawQuery = q.Encode()
			http.Redirect(w, r, target.String(), http.StatusFound)
			return
		}
	}
	common.JSON(w, http.StatusOK, callbackResp{
		OrderID:  intent.OrderID,
		IntentID: intent.ID.String(),
		Provider: provider,
		Status:   status,
	})
}
