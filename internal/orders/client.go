package orders

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/noah-isme/payment-core/internal/payment"
)

// Client talks to the order service's internal API.
type Client struct {
	BaseURL string
	Token   string
	HTTP    payment.Doer
}

// OrderPaid is the notification body sent when an order's payment settles.
type OrderPaid struct {
	OrderID       string           `json:"orderId"`
	PaymentID     string           `json:"paymentId"`
	Provider      payment.Provider `json:"provider"`
	AmountCents   int64            `json:"amountCents"`
	Currency      string           `json:"currency"`
	ProviderTxnID string           `json:"providerTransactionId,omitempty"`
	PaidAt        time.Time        `json:"paidAt"`
}

// NewOrderPaid builds the notification for a settled payment.
func NewOrderPaid(p payment.Payment) OrderPaid {
	return OrderPaid{
		OrderID:       p.OrderID,
		PaymentID:     p.ID.String(),
		Provider:      p.Provider,
		AmountCents:   p.AmountCents,
		Currency:      p.Currency,
		ProviderTxnID: p.ProviderTxnID,
		PaidAt:        p.UpdatedAt,
	}
}

// GetOrder loads an order. A 404 maps to payment.ErrOrderNotFound.
func (c *Client) GetOrder(ctx context.Context, orderID string) (payment.Order, error) {
	resp, err := c.do(ctx, http.MethodGet, c.orderURL(orderID, ""), nil)
	if err != nil {
		return payment.Order{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusNotFound {
		return payment.Order{}, payment.ErrOrderNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return payment.Order{}, fmt.Errorf("orders: get %s: unexpected status %d", orderID, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return payment.Order{}, fmt.Errorf("orders: read body: %w", err)
	}
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && len(envelope.Data) > 0 && string(envelope.Data) != "null" {
		body = envelope.Data
	}
	var order payment.Order
	if err := json.Unmarshal(body, &order); err != nil {
		return payment.Order{}, fmt.Errorf("orders: decode order: %w", err)
	}
	if order.ID == "" {
		order.ID = orderID
	}
	order.Status = strings.ToUpper(strings.TrimSpace(order.Status))
	return order, nil
}

// MarkPaid tells the order service the order is paid. The service treats repeats
// idempotently, so 409 counts as success.
func (c *Client) MarkPaid(ctx context.Context, n OrderPaid) error {
	raw, err := json.Marshal(n)
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, http.MethodPost, c.orderURL(n.OrderID, "/paid"), raw)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300, resp.StatusCode == http.StatusConflict:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return payment.ErrOrderNotFound
	default:
		return fmt.Errorf("orders: mark %s paid: unexpected status %d", n.OrderID, resp.StatusCode)
	}
}

func (c *Client) orderURL(orderID, suffix string) string {
	return strings.TrimRight(c.BaseURL, "/") + "/internal/orders/" + url.PathEscape(orderID) + suffix
}

func (c *Client) do(ctx context.Context, method, target string, body []byte) (*http.Response, error) {
	if c == nil || c.HTTP == nil || c.BaseURL == "" {
		return nil, errors.New("orders: client not configured")
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTP.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("orders: %s %s: %w", method, target, err)
	}
	return resp, nil
}
