package orders

import (
	"context"
	"errors"

	"github.com/noah-isme/payment-core/internal/events"
	"github.com/noah-isme/payment-core/internal/payment"
)

// Publisher is the event bus as seen by the gateway.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload any) error
}

// Gateway reads orders synchronously and announces paid orders through the
// event bus, whose queue sink delivers them to the order service with retries.
type Gateway struct {
	Client *Client
	Events Publisher
}

// GetOrder implements payment.OrderGateway.
func (g Gateway) GetOrder(ctx context.Context, orderID string) (payment.Order, error) {
	return g.Client.GetOrder(ctx, orderID)
}

// MarkOrderPaid implements payment.OrderGateway. The event is keyed by payment
// id so a repeated call for the same payment collapses into one delivery.
func (g Gateway) MarkOrderPaid(ctx context.Context, _ string, p payment.Payment) error {
	if g.Events == nil {
		if g.Client == nil {
			return errors.New("orders: gateway not configured")
		}
		return g.Client.MarkPaid(ctx, NewOrderPaid(p))
	}
	return g.Events.Publish(ctx, events.TopicOrderPaid, p.ID.String(), NewOrderPaid(p))
}
