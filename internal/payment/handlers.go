package payment

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/noah-isme/payment-core/internal/common"
)

// Handler exposes the customer and admin payment endpoints.
type Handler struct {
	Svc        *Service
	Reconciler *Reconciler
}

type intentReq struct {
	OrderID        string `json:"orderId" validate:"required,max=64"`
	Provider       string `json:"provider" validate:"required,oneof=vnpay momo payos"`
	IdempotencyKey string `json:"idempotencyKey" validate:"required,min=8,max=128"`
	ReturnURL      string `json:"returnUrl" validate:"omitempty,url"`
}

type intentResp struct {
	IntentID    string       `json:"intentId"`
	RedirectURL string       `json:"redirectUrl"`
	Provider    Provider     `json:"provider"`
	Status      IntentStatus `json:"status"`
	ExpiresAt   time.Time    `json:"expiresAt"`
}

// Intent creates (or returns the stored) payment intent for the caller's order.
func (h *Handler) Intent(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "payment handler unavailable", nil)
		return
	}
	caller, ok := common.CallerFrom(r.Context())
	if !ok {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "login required", nil)
		return
	}
	var req intentReq
	if appErr := common.DecodeJSON(r, &req); appErr != nil {
		common.WriteError(w, appErr)
		return
	}
	provider, err := ParseProvider(req.Provider)
	if err != nil {
		common.WriteError(w, AppErrorFor(err))
		return
	}
	intent, err := h.Svc.CreateIntent(r.Context(), IntentInput{
		OrderID:        req.OrderID,
		Provider:       provider,
		IdempotencyKey: req.IdempotencyKey,
		ReturnURL:      req.ReturnURL,
		ClientIP:       common.ClientIP(r),
		Caller:         caller,
	})
	if err != nil {
		common.WriteError(w, AppErrorFor(err))
		return
	}
	common.JSON(w, http.StatusCreated, intentResp{
		IntentID:    intent.ID.String(),
		RedirectURL: intent.RedirectURL,
		Provider:    intent.Provider,
		Status:      intent.Status,
		ExpiresAt:   intent.ExpiresAt,
	})
}

// Status returns the consolidated payment status of an order the caller owns.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	caller, ok := common.CallerFrom(r.Context())
	if !ok {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "login required", nil)
		return
	}
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "orderID required", nil)
		return
	}
	status, err := h.Svc.ConsolidatedStatus(r.Context(), caller, orderID)
	if err != nil {
		common.WriteError(w, AppErrorFor(err))
		return
	}
	common.JSON(w, http.StatusOK, status)
}

// Methods lists the gateways available at checkout.
func (h *Handler) Methods(w http.ResponseWriter, _ *http.Request) {
	common.JSON(w, http.StatusOK, map[string]any{"data": h.Svc.Methods()})
}

// List serves the admin payment listing.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := common.ParsePage(q, 20, 100)
	filter := PaymentFilter{
		Status:  Status(strings.ToUpper(strings.TrimSpace(q.Get("status")))),
		OrderID: strings.TrimSpace(q.Get("orderId")),
		Limit:   page.Size,
		Offset:  page.Offset(),
	}
	if raw := q.Get("provider"); raw != "" {
		p, err := ParseProvider(raw)
		if err != nil {
			common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "unknown provider", nil)
			return
		}
		filter.Provider = p
	}
	items, total, err := h.Svc.Store.ListPayments(r.Context(), filter)
	if err != nil {
		common.WriteError(w, AppErrorFor(err))
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{
		"data":       items,
		"pagination": page.Meta(total),
	})
}

// Stats serves per provider and status aggregates.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	rows, err := h.Svc.Store.PaymentStats(r.Context())
	if err != nil {
		common.WriteError(w, AppErrorFor(err))
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": rows})
}

type refundReq struct {
	PaymentID   string `json:"paymentId" validate:"required,uuid"`
	AmountCents int64  `json:"amountCents" validate:"gte=0"`
	Reason      string `json:"reason" validate:"max=255"`
	// IdempotencyKey makes a retried request return the first attempt's result.
	IdempotencyKey string `json:"idempotencyKey" validate:"omitempty,min=8,max=128"`
}

// Refund returns money for a settled payment.
func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Reconciler == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "refunds unavailable", nil)
		return
	}
	var req refundReq
	if appErr := common.DecodeJSON(r, &req); appErr != nil {
		common.WriteError(w, appErr)
		return
	}
	id, err := uuid.Parse(req.PaymentID)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid paymentId", nil)
		return
	}
	pay, err := h.Reconciler.Refund(r.Context(), RefundInput{
		PaymentID:      id,
		AmountCents:    req.AmountCents,
		Reason:         req.Reason,
		ClientIP:       common.ClientIP(r),
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		common.WriteError(w, AppErrorFor(err))
		return
	}
	common.JSON(w, http.StatusOK, pay)
}
