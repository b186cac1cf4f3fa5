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

const vnpayVersion = "2.1.0"

// vnTime is the gateway's wall clock (Asia/Ho_Chi_Minh has no DST).
var vnTime = time.FixedZone("ICT", 7*60*60)

var vnpayScheme = signature.Scheme{
	Exclude:     []string{"vnp_SecureHash", "vnp_SecureHashType"},
	EncodeValue: url.QueryEscape,
}

// vnp_ResponseCode / vnp_TransactionStatus values.
var vnpayStatuses = map[string]Status{
	"00": StatusSucceeded,
	"07": StatusPending,
	"24": StatusCancelled,
	"09": StatusFailed,
	"10": StatusFailed,
	"11": StatusFailed,
	"12": StatusFailed,
	"13": StatusFailed,
	"51": StatusFailed,
	"65": StatusFailed,
	"75": StatusFailed,
	"79": StatusFailed,
	"99": StatusFailed,
}

// VNPay signs hosted-checkout redirect URLs and verifies IPN calls.
type VNPay struct {
	TmnCode    string
	HashSecret string
	PayURL     string
	// APIURL is the merchant API used for refunds.
	APIURL string
	HTTP   Doer
	Now    func() time.Time
}

// Provider identifies the adapter as VNPAY.
func (v *VNPay) Provider() Provider { return ProviderVNPay }

func (v *VNPay) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

// CreatePayment builds the signed redirect locally; VNPAY has no create call.
func (v *VNPay) CreatePayment(_ context.Context, req CreateRequest) (CreateResult, error) {
	if strings.TrimSpace(v.TmnCode) == "" || strings.TrimSpace(v.HashSecret) == "" {
		return CreateResult{}, rejected(ProviderVNPay, "create", 0, "", "merchant credentials missing")
	}
	if req.AmountCents <= 0 {
		return CreateResult{}, rejected(ProviderVNPay, "create", 0, "", "amount must be positive")
	}
	ref := compactRef(req.IntentID)
	now := v.now().In(vnTime)
	expires := req.ExpiresAt
	if expires.IsZero() {
		expires = now.Add(15 * time.Minute)
	}
	ip := req.ClientIP
	if ip == "" {
		ip = "127.0.0.1"
	}
	info := req.Description
	if info == "" {
		info = "Thanh toan don hang " + req.OrderID
	}
	params := map[string]any{
		"vnp_Version":    vnpayVersion,
		"vnp_Command":    "pay",
		"vnp_TmnCode":    v.TmnCode,
		"vnp_Amount":     strconv.FormatInt(req.AmountCents*100, 10),
		"vnp_CurrCode":   "VND",
		"vnp_TxnRef":     ref,
		"vnp_OrderInfo":  info,
		"vnp_OrderType":  "other",
		"vnp_Locale":     "vn",
		"vnp_ReturnUrl":  req.ReturnURL,
		"vnp_IpAddr":     ip,
		"vnp_CreateDate": now.Format("20060102150405"),
		"vnp_ExpireDate": expires.In(vnTime).Format("20060102150405"),
	}
	query := vnpayScheme.Canonicalize(params)
	hash := signature.Sign(query, v.HashSecret)
	redirect := strings.TrimRight(v.PayURL, "?") + "?" + query + "&vnp_SecureHash=" + hash
	return CreateResult{RedirectURL: redirect, ProviderReference: ref}, nil
}

// ParseWebhook accepts the IPN query string (GET) or form body (POST).
func (v *VNPay) ParseWebhook(body []byte, _ http.Header) (Event, error) {
	values, err := url.ParseQuery(strings.TrimSpace(string(body)))
	if err != nil {
		return Event{}, fmt.Errorf("%w: malformed ipn payload", ErrSignatureInvalid)
	}
	payload := make(map[string]any, len(values))
	flat := make(map[string]string, len(values))
	for k := range values {
		if strings.HasPrefix(k, "vnp_") {
			payload[k] = values.Get(k)
			flat[k] = values.Get(k)
		}
	}
	if !vnpayScheme.Verify(payload, values.Get("vnp_SecureHash"), v.HashSecret) {
		return Event{}, ErrSignatureInvalid
	}
	ref := values.Get("vnp_TxnRef")
	if ref == "" {
		return Event{}, fmt.Errorf("%w: missing vnp_TxnRef", ErrSignatureInvalid)
	}
	code := values.Get("vnp_ResponseCode")
	if ts := values.Get("vnp_TransactionStatus"); code == "00" && ts != "" && ts != "00" {
		code = ts
	}
	amount, err := parseAmount(values.Get("vnp_Amount"))
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	txn := values.Get("vnp_TransactionNo")
	if txn == "0" {
		txn = ""
	}
	raw, _ := json.Marshal(flat)
	return Event{
		Provider:      ProviderVNPay,
		ProviderTxnID: txn,
		Reference:     ref,
		RawStatus:     code,
		Status:        v.MapStatus(code),
		AmountCents:   amount / 100,
		Payload:       raw,
		ReceivedAt:    time.Now().UTC(),
	}, nil
}

// MapStatus maps a vnp_ResponseCode onto a payment status.
func (v *VNPay) MapStatus(code string) Status { return mapCode(vnpayStatuses, code) }

// CallbackReference reads vnp_TxnRef from the browser return query.
func (v *VNPay) CallbackReference(q url.Values) (string, bool) {
	ref := strings.TrimSpace(q.Get("vnp_TxnRef"))
	return ref, ref != ""
}

// Acknowledge is the IPN reply VNPAY expects; any other body makes it redeliver.
func (v *VNPay) Acknowledge() any {
	return map[string]string{"RspCode": "00", "Message": "Confirm Success"}
}

type vnpayRefundResponse struct {
	ResponseCode  string `json:"vnp_ResponseCode"`
	Message       string `json:"vnp_Message"`
	TransactionNo string `json:"vnp_TransactionNo"`
}

// Refund calls the merchant API. Its digest covers a pipe-joined field list rather
// than the sorted query used for checkout.
func (v *VNPay) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	if v.APIURL == "" {
		return RefundResult{}, rejected(ProviderVNPay, "refund", 0, "", "merchant api url missing")
	}
	now := v.now().In(vnTime)
	txnType := "02"
	if req.TotalCents > 0 && req.AmountCents < req.TotalCents {
		txnType = "03"
	}
	ip := req.ClientIP
	if ip == "" {
		ip = "127.0.0.1"
	}
	reason := req.Reason
	if reason == "" {
		reason = "Hoan tien " + req.Reference
	}
	fields := []struct{ k, v string }{
		{"vnp_RequestId", refundRequestID(req)},
		{"vnp_Version", vnpayVersion},
		{"vnp_Command", "refund"},
		{"vnp_TmnCode", v.TmnCode},
		{"vnp_TransactionType", txnType},
		{"vnp_TxnRef", req.Reference},
		{"vnp_Amount", strconv.FormatInt(req.AmountCents*100, 10)},
		{"vnp_TransactionNo", req.ProviderTxnID},
		{"vnp_TransactionDate", req.PaidAt.In(vnTime).Format("20060102150405")},
		{"vnp_CreateBy", "payment-core"},
		{"vnp_CreateDate", now.Format("20060102150405")},
		{"vnp_IpAddr", ip},
		{"vnp_OrderInfo", reason},
	}
	body := make(map[string]string, len(fields)+1)
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		body[f.k] = f.v
		parts = append(parts, f.v)
	}
	body["vnp_SecureHash"] = signature.Sign(strings.Join(parts, "|"), v.HashSecret)

	var resp vnpayRefundResponse
	raw, err := postJSON(ctx, v.HTTP, ProviderVNPay, "refund", v.APIURL, nil, body, &resp)
	if err != nil {
		return RefundResult{}, err
	}
	if resp.ResponseCode != "00" {
		return RefundResult{Raw: raw}, rejected(ProviderVNPay, "refund", http.StatusOK, resp.ResponseCode, resp.Message)
	}
	return RefundResult{ProviderRefundID: resp.TransactionNo, Raw: raw}, nil
}

var _ Adapter = (*VNPay)(nil)

// SignedQuery renders params as an IPN query string signed with the merchant secret.
func (v *VNPay) SignedQuery(params map[string]string) string {
	payload := make(map[string]any, len(params))
	for k, val := range params {
		payload[k] = val
	}
	q := vnpayScheme.Canonicalize(payload)
	return q + "&vnp_SecureHash=" + signature.Sign(q, v.HashSecret)
}
