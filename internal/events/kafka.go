package events

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"time"

	"github.com/IBM/sarama"
)

// KafkaSink forwards events to a Kafka topic keyed by the event key, so events
// for one payment stay on one partition.
type KafkaSink struct {
	Producer sarama.SyncProducer
	Topic    string
	// Topics limits which event topics are forwarded; empty forwards all.
	Topics []string
}

// NewKafkaProducer dials brokers with acks from all in-sync replicas.
func NewKafkaProducer(brokers []string, clientID string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	if clientID != "" {
		cfg.ClientID = clientID
	}
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Retry.Backoff = 200 * time.Millisecond
	cfg.Producer.Return.Successes = true
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	return sarama.NewSyncProducer(brokers, cfg)
}

// Deliver implements Sink.
func (k KafkaSink) Deliver(_ context.Context, ev Event) error {
	if k.Producer == nil || strings.TrimSpace(k.Topic) == "" {
		return nil
	}
	if len(k.Topics) > 0 && !slices.Contains(k.Topics, ev.Topic) {
		return nil
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, _, err = k.Producer.SendMessage(&sarama.ProducerMessage{
		Topic:     k.Topic,
		Key:       sarama.StringEncoder(ev.Key),
		Value:     sarama.ByteEncoder(body),
		Timestamp: ev.OccurredAt,
		Headers: []sarama.RecordHeader{
			{Key: []byte("event-topic"), Value: []byte(ev.Topic)},
			{Key: []byte("event-id"), Value: []byte(ev.ID.String())},
		},
	})
	return err
}
