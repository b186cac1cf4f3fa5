package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/noah-isme/payment-core/internal/signature"
)

var payosCreateScheme = signature.Scheme{Include: []string{
	"amount", "cancelUrl", "description", "orderCode", "returnUrl",
}}

// data.code values and payment-link statuses.
var payosStatuses = map[string]Status{
	"00":         StatusSucceeded,
	"PAID":       StatusSucceeded,
	"01":         StatusFailed,
	"EXPIRED":    StatusFailed,
	"02":         StatusCancelled,
	"CANCELLED":  StatusCancelled,
	"PENDING":    StatusPending,
	"PROCESSING": StatusPending,
}

// PayOS creates payment links and verifies their webhooks.
type PayOS struct {
	ClientID    string
	APIKey      string
	ChecksumKey string
	PartnerCode string
	APIURL      string
	// CancelURL is where the hosted page sends users who abandon checkout.
	// Defaults to the return URL.
	CancelURL string
	HTTP      Doer
}

// Provider identifies the adapter as PayOS.
func (p *PayOS) Provider() Provider { return ProviderPayOS }

type payosEnvelope struct {
	Code string          `json:"code"`
	Desc string          `json:"desc"`
	Data json.RawMessage `json:"data"`
}

func (p *PayOS) headers() http.Header {
	h := http.Header{}
	h.Set("x-client-id", p.ClientID)
	h.Set("x-api-key", p.APIKey)
	if p.PartnerCode != "" {
		h.Set("x-partner-code", p.PartnerCode)
	}
	return h
}

// CreatePayment opens a payment link and returns its checkoutUrl.
func (p *PayOS) CreatePayment(ctx context.Context, req CreateRequest) (CreateResult, error) {
	if req.AmountCents <= 0 {
		return CreateResult{}, rejected(ProviderPayOS, "create", 0, "", "amount must be positive")
	}
	orderCode := numericRef(req.IntentID)
	cancelURL := p.CancelURL
	if cancelURL == "" {
		cancelURL = req.ReturnURL
	}
	desc := req.Description
	if desc == "" {
		desc = "DH " + req.OrderID
	}
	body := map[string]any{
		"orderCode":   orderCode,
		"amount":      req.AmountCents,
		"description": truncate(desc, 25),
		"returnUrl":   req.ReturnURL,
		"cancelUrl":   cancelURL,
	}
	if !req.ExpiresAt.IsZero() {
		body["expiredAt"] = req.ExpiresAt.Unix()
	}
	body["signature"] = signature.Sign(payosCreateScheme.Canonicalize(body), p.ChecksumKey)

	var env payosEnvelope
	raw, err := postJSON(ctx, p.HTTP, ProviderPayOS, "create", p.url("/v2/payment-requests"), p.headers(), body, &env)
	if err != nil {
		return CreateResult{}, err
	}
	if env.Code != "00" {
		return CreateResult{}, rejected(ProviderPayOS, "create", http.StatusOK, env.Code, env.Desc)
	}
	var data struct {
		CheckoutURL string `json:"checkoutUrl"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil || data.CheckoutURL == "" {
		return CreateResult{}, unavailable(ProviderPayOS, "create", http.StatusOK, fmt.Errorf("missing checkoutUrl"))
	}
	return CreateResult{
		RedirectURL:       data.CheckoutURL,
		ProviderReference: strconv.FormatInt(orderCode, 10),
		Raw:               raw,
	}, nil
}

// ParseWebhook verifies the signature over the data object with the generic canonical form.
func (p *PayOS) ParseWebhook(body []byte, header http.Header) (Event, error) {
	envelope, err := signature.DecodeJSON(body)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	data, ok := envelope["data"].(map[string]any)
	if !ok {
		return Event{}, fmt.Errorf("%w: missing data", ErrSignatureInvalid)
	}
	sig, _ := envelope["signature"].(string)
	if sig == "" && header != nil {
		sig = header.Get("x-signature")
	}
	if !signature.Verify(data, sig, p.ChecksumKey) {
		return Event{}, ErrSignatureInvalid
	}
	ref := stringify(data["orderCode"])
	if ref == "" {
		return Event{}, fmt.Errorf("%w: missing orderCode", ErrSignatureInvalid)
	}
	amount, err := parseAmount(data["amount"])
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	code := stringify(data["code"])
	if code == "" {
		code = stringify(envelope["code"])
	}
	txn := stringify(data["reference"])
	if txn == "" {
		txn = stringify(data["paymentLinkId"])
	}
	return Event{
		Provider:      ProviderPayOS,
		ProviderTxnID: txn,
		Reference:     ref,
		RawStatus:     code,
		Status:        p.MapStatus(code),
		AmountCents:   amount,
		Payload:       body,
		ReceivedAt:    time.Now().UTC(),
	}, nil
}

// MapStatus maps a PayOS code or link status onto a payment status.
func (p *PayOS) MapStatus(code string) Status {
	return mapCode(payosStatuses, strings.ToUpper(code))
}

// CallbackReference reads orderCode from the return query.
func (p *PayOS) CallbackReference(q url.Values) (string, bool) {
	ref := strings.TrimSpace(q.Get("orderCode"))
	return ref, ref != ""
}

// Acknowledge is the JSON PayOS expects from a webhook endpoint.
func (p *PayOS) Acknowledge() any { return map[string]bool{"success": true} }

// Refund cancels the payment link; PayOS settles the reversal out of band.
func (p *PayOS) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	reason := req.Reason
	if reason == "" {
		reason = "refund"
	}
	var env payosEnvelope
	path := "/v2/payment-requests/" + url.PathEscape(req.Reference) + "/cancel"
	raw, err := postJSON(ctx, p.HTTP, ProviderPayOS, "refund", p.url(path), p.headers(), map[string]string{"cancellationReason": reason}, &env)
	if err != nil {
		return RefundResult{}, err
	}
	if env.Code != "00" {
		return RefundResult{Raw: raw}, rejected(ProviderPayOS, "refund", http.StatusOK, env.Code, env.Desc)
	}
	return RefundResult{ProviderRefundID: req.Reference, Raw: raw}, nil
}

// SignWebhook builds a webhook body around data, as PayOS would deliver it.
func (p *PayOS) SignWebhook(data map[string]any) ([]byte, error) {
	code, _ := data["code"].(string)
	return json.Marshal(map[string]any{
		"code":      code,
		"desc":      "success",
		"success":   code == "00",
		"data":      data,
		"signature": signature.Sign(signature.Canonicalize(data), p.ChecksumKey),
	})
}

func (p *PayOS) url(path string) string {
	return strings.TrimRight(p.APIURL, "/") + path
}

var _ Adapter = (*PayOS)(nil)
