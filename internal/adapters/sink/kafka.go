package sink

import (
	"context"

	"costops/internal/adapters/kafka"
)

// KafkaTransport publishes events keyed by event_id. The producer waits for
// all in-sync replicas, which is the ack.
type KafkaTransport struct {
	producer *kafka.Producer
	topic    string
}

func NewKafkaTransport(p *kafka.Producer, topic string) *KafkaTransport {
	if topic == "" {
		topic = kafka.TopicDecisionEvents
	}
	return &KafkaTransport{producer: p, topic: topic}
}

func (t *KafkaTransport) Name() string { return "kafka" }

func (t *KafkaTransport) Deliver(ctx context.Context, eventID string, body []byte) error {
	err := t.producer.Publish(ctx, t.topic, eventID, body, kafka.Header{Key: "event_id", Value: eventID})
	if err != nil {
		return transient("publish to "+t.topic, err)
	}
	return nil
}

func (t *KafkaTransport) Ping(ctx context.Context) error {
	if err := t.producer.Ping(ctx); err != nil {
		return transient("dial brokers", err)
	}
	return nil
}

// Close releases the producer's writers
func (t *KafkaTransport) Close() error {
	return t.producer.Close()
}
