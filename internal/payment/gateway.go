package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/payment-core/internal/obs"
	"github.com/noah-isme/payment-core/internal/resilience"
)

// Doer is the outbound HTTP surface; resilience.HTTPClient satisfies it.
type Doer interface {
	Do(ctx context.Context, req *http.Request) (*http.Response, error)
}

const maxGatewayBody = 1 << 20

// postJSON sends body to url and decodes a 2xx answer into out, classifying every
// failure as ErrProviderUnavailable or ErrProviderRejected.
func postJSON(ctx context.Context, client Doer, provider Provider, op, url string, header http.Header, body, out any) ([]byte, error) {
	if client == nil {
		return nil, unavailable(provider, op, 0, errors.New("http client not configured"))
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: encode request: %w", provider, op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%s %s: build request: %w", provider, op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, vals := range header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}

	start := time.Now()
	result := "error"
	defer func() {
		if obs.GatewayRequestLatency != nil {
			obs.GatewayRequestLatency.WithLabelValues(string(provider), op, result).Observe(obs.DurationMillis(time.Since(start)))
		}
	}()

	resp, err := client.Do(ctx, req)
	if err != nil {
		var statusErr *resilience.StatusError
		if errors.As(err, &statusErr) {
			return nil, unavailable(provider, op, statusErr.StatusCode, err)
		}
		return nil, unavailable(provider, op, 0, err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxGatewayBody))
	if err != nil {
		return nil, unavailable(provider, op, resp.StatusCode, err)
	}
	switch {
	case resp.StatusCode >= 500:
		return raw, unavailable(provider, op, resp.StatusCode, errors.New(resp.Status))
	case resp.StatusCode >= 400:
		result = "rejected"
		return raw, rejected(provider, op, resp.StatusCode, "", snippet(raw))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return raw, unavailable(provider, op, resp.StatusCode, errors.New(resp.Status))
	}
	if out != nil {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(out); err != nil {
			return raw, unavailable(provider, op, resp.StatusCode, fmt.Errorf("malformed response: %w", err))
		}
	}
	result = "ok"
	return raw, nil
}

func snippet(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// parseAmount reads a gateway amount (number or string) as whole minor units.
func parseAmount(v any) (int64, error) {
	var text string
	switch t := v.(type) {
	case nil:
		return 0, nil
	case json.Number:
		text = t.String()
	case string:
		text = t
	case float64:
		return decimal.NewFromFloat(t).Round(0).IntPart(), nil
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	default:
		return 0, fmt.Errorf("unsupported amount type %T", v)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(text)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", text, err)
	}
	return d.Round(0).IntPart(), nil
}

// stringify renders scalar JSON values the way gateways print them.
func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

// compactRef is the intent id without dashes, accepted by every gateway's text reference fields.
func compactRef(id uuid.UUID) string {
	return strings.ReplaceAll(id.String(), "-", "")
}

// refundRequestID is the id a gateway deduplicates refunds on.
func refundRequestID(req RefundRequest) string {
	if req.RequestID != "" {
		return req.RequestID
	}
	return compactRef(uuid.New())
}

const maxSafeInteger = 1<<53 - 1

// numericRef folds an intent id into a positive integer below 2^53, the range PayOS
// accepts for orderCode.
func numericRef(id uuid.UUID) int64 {
	h := fnv.New64a()
	_, _ = h.Write(id[:])
	n := int64(h.Sum64() & maxSafeInteger)
	if n == 0 {
		n = 1
	}
	return n
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
