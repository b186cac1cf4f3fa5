package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event is a published domain event.
type Event struct {
	ID         uuid.UUID       `json:"id"`
	Topic      string          `json:"topic"`
	Key        string          `json:"key"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"occurredAt"`
}

// Sink receives events from the bus (task queue, Kafka, ...).
type Sink interface {
	Deliver(ctx context.Context, ev Event) error
}

// Bus encodes events and fans them out to every configured sink.
type Bus struct {
	Sinks []Sink
	Now   func() time.Time
}

// Publish builds an event for topic and hands it to all sinks. A failing sink
// does not stop delivery to the others; their errors are joined.
func (b *Bus) Publish(ctx context.Context, topic, key string, payload any) error {
	if b == nil {
		return errors.New("events: bus not configured")
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return errors.New("events: topic is required")
	}
	if strings.TrimSpace(key) == "" {
		return errors.New("events: key is required")
	}
	encoded, err := encodePayload(payload)
	if err != nil {
		return fmt.Errorf("events: encode payload: %w", err)
	}
	now := time.Now
	if b.Now != nil {
		now = b.Now
	}
	ev := Event{
		ID:         uuid.New(),
		Topic:      topic,
		Key:        key,
		Payload:    encoded,
		OccurredAt: now().UTC(),
	}
	var joined error
	for _, sink := range b.Sinks {
		if sink == nil {
			continue
		}
		if sinkErr := sink.Deliver(ctx, ev); sinkErr != nil {
			joined = errors.Join(joined, fmt.Errorf("events: sink %s: %w", topic, sinkErr))
		}
	}
	return joined
}

func encodePayload(payload any) ([]byte, error) {
	if payload == nil {
		return []byte("{}"), nil
	}
	switch v := payload.(type) {
	case []byte:
		return rawJSON(v)
	case json.RawMessage:
		return rawJSON(v)
	case string:
		if strings.TrimSpace(v) == "" {
			return []byte("{}"), nil
		}
		return rawJSON([]byte(v))
	default:
		return json.Marshal(v)
	}
}

func rawJSON(v []byte) ([]byte, error) {
	if len(v) == 0 {
		return []byte("{}"), nil
	}
	if !json.Valid(v) {
		return nil, errors.New("payload is not valid json")
	}
	return append([]byte(nil), v...), nil
}
