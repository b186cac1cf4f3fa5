package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/noah-isme/payment-core/internal/signature"
)

var (
	momoCreateScheme = signature.Scheme{Include: []string{
		"accessKey", "amount", "extraData", "ipnUrl", "orderId", "orderInfo",
		"partnerCode", "redirectUrl", "requestId", "requestType",
	}}
	momoIPNScheme = signature.Scheme{Include: []string{
		"accessKey", "amount", "extraData", "message", "orderId", "orderInfo", "orderType",
		"partnerCode", "payType", "requestId", "responseTime", "resultCode", "transId",
	}}
	momoRefundScheme = signature.Scheme{Include: []string{
		"accessKey", "amount", "description", "orderId", "partnerCode", "requestId", "transId",
	}}
)

// resultCode values.
var momoStatuses = map[string]Status{
	"0":    StatusSucceeded,
	"9000": StatusPending,
	"1000": StatusPending,
	"7000": StatusPending,
	"7002": StatusPending,
	"1003": StatusCancelled,
	"1006": StatusCancelled,
	"1001": StatusFailed,
	"1002": StatusFailed,
	"1004": StatusFailed,
	"1005": StatusFailed,
	"1007": StatusFailed,
	"1017": StatusFailed,
	"1026": StatusFailed,
	"1080": StatusFailed,
	"1081": StatusFailed,
	"2019": StatusFailed,
	"4001": StatusFailed,
	"4100": StatusFailed,
}

// MoMo talks to the MoMo wallet v2 gateway.
type MoMo struct {
	PartnerCode string
	AccessKey   string
	SecretKey   string
	Endpoint    string
	// IPNURL is where MoMo posts notifications (our webhook route).
	IPNURL string
	HTTP   Doer
}

// Provider identifies the adapter as MoMo.
func (m *MoMo) Provider() Provider { return ProviderMoMo }

type momoCreateResponse struct {
	PartnerCode string      `json:"partnerCode"`
	OrderID     string      `json:"orderId"`
	RequestID   string      `json:"requestId"`
	ResultCode  json.Number `json:"resultCode"`
	Message     string      `json:"message"`
	PayURL      string      `json:"payUrl"`
}

// CreatePayment calls /v2/gateway/api/create and returns the payUrl to redirect to.
// The intent id doubles as orderId and requestId, so a resent create is deduplicated.
func (m *MoMo) CreatePayment(ctx context.Context, req CreateRequest) (CreateResult, error) {
	if req.AmountCents <= 0 {
		return CreateResult{}, rejected(ProviderMoMo, "create", 0, "", "amount must be positive")
	}
	ref := compactRef(req.IntentID)
	info := req.Description
	if info == "" {
		info = "Thanh toan don hang " + req.OrderID
	}
	body := map[string]any{
		"partnerCode": m.PartnerCode,
		"accessKey":   m.AccessKey,
		"requestId":   ref,
		"amount":      req.AmountCents,
		"orderId":     ref,
		"orderInfo":   info,
		"redirectUrl": req.ReturnURL,
		"ipnUrl":      m.IPNURL,
		"extraData":   "",
		"requestType": "payWithATM",
		"lang":        "vi",
	}
	body["signature"] = signature.Sign(momoCreateScheme.Canonicalize(body), m.SecretKey)

	var resp momoCreateResponse
	raw, err := postJSON(ctx, m.HTTP, ProviderMoMo, "create", m.url("/v2/gateway/api/create"), nil, body, &resp)
	if err != nil {
		return CreateResult{}, err
	}
	code := resp.ResultCode.String()
	if code != "0" {
		if code == "99" {
			return CreateResult{}, unavailable(ProviderMoMo, "create", http.StatusOK, fmt.Errorf("result %s: %s", code, resp.Message))
		}
		return CreateResult{}, rejected(ProviderMoMo, "create", http.StatusOK, code, resp.Message)
	}
	if resp.PayURL == "" {
		return CreateResult{}, unavailable(ProviderMoMo, "create", http.StatusOK, fmt.Errorf("missing payUrl"))
	}
	return CreateResult{RedirectURL: resp.PayURL, ProviderReference: ref, Raw: raw}, nil
}

// ParseWebhook verifies the IPN JSON body against its HMAC-SHA256 signature.
func (m *MoMo) ParseWebhook(body []byte, _ http.Header) (Event, error) {
	payload, err := signature.DecodeJSON(body)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	sig, _ := payload["signature"].(string)
	signed := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		signed[k] = v
	}
	signed["accessKey"] = m.AccessKey
	if !momoIPNScheme.Verify(signed, sig, m.SecretKey) {
		return Event{}, ErrSignatureInvalid
	}
	ref := stringify(payload["orderId"])
	if ref == "" {
		return Event{}, fmt.Errorf("%w: missing orderId", ErrSignatureInvalid)
	}
	amount, err := parseAmount(payload["amount"])
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	code := stringify(payload["resultCode"])
	return Event{
		Provider:      ProviderMoMo,
		ProviderTxnID: stringify(payload["transId"]),
		Reference:     ref,
		RawStatus:     code,
		Status:        m.MapStatus(code),
		AmountCents:   amount,
		Payload:       body,
		ReceivedAt:    time.Now().UTC(),
	}, nil
}

// MapStatus maps a MoMo resultCode onto a payment status.
func (m *MoMo) MapStatus(code string) Status { return mapCode(momoStatuses, code) }

// CallbackReference reads orderId from the redirect query.
func (m *MoMo) CallbackReference(q url.Values) (string, bool) {
	ref := strings.TrimSpace(q.Get("orderId"))
	return ref, ref != ""
}

// Acknowledge is a nominal body; MoMo only looks at the HTTP status.
func (m *MoMo) Acknowledge() any { return map[string]string{"status": "ok"} }

type momoRefundResponse struct {
	ResultCode json.Number `json:"resultCode"`
	Message    string      `json:"message"`
	TransID    json.Number `json:"transId"`
}

// Refund calls /v2/gateway/api/refund against the settled transId. RequestID
// becomes the refund orderId, so a resent refund is not paid twice.
func (m *MoMo) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	refundID := refundRequestID(req)
	desc := req.Reason
	if desc == "" {
		desc = "Refund " + req.Reference
	}
	body := map[string]any{
		"partnerCode": m.PartnerCode,
		"accessKey":   m.AccessKey,
		"orderId":     refundID,
		"requestId":   refundID,
		"amount":      req.AmountCents,
		"transId":     req.ProviderTxnID,
		"lang":        "vi",
		"description": desc,
	}
	body["signature"] = signature.Sign(momoRefundScheme.Canonicalize(body), m.SecretKey)

	var resp momoRefundResponse
	raw, err := postJSON(ctx, m.HTTP, ProviderMoMo, "refund", m.url("/v2/gateway/api/refund"), nil, body, &resp)
	if err != nil {
		return RefundResult{}, err
	}
	if code := resp.ResultCode.String(); code != "0" {
		return RefundResult{Raw: raw}, rejected(ProviderMoMo, "refund", http.StatusOK, code, resp.Message)
	}
	return RefundResult{ProviderRefundID: resp.TransID.String(), Raw: raw}, nil
}

// SignIPN returns body with its signature field set, as MoMo would send it.
func (m *MoMo) SignIPN(body map[string]any) map[string]any {
	signed := make(map[string]any, len(body)+1)
	for k, v := range body {
		signed[k] = v
	}
	signed["accessKey"] = m.AccessKey
	out := make(map[string]any, len(body)+1)
	for k, v := range body {
		out[k] = v
	}
	out["signature"] = signature.Sign(momoIPNScheme.Canonicalize(signed), m.SecretKey)
	return out
}

func (m *MoMo) url(path string) string {
	return strings.TrimRight(m.Endpoint, "/") + path
}

var _ Adapter = (*MoMo)(nil)
