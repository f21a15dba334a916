package kafka

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"costops/pkg/logger"
)

// Producer handles Kafka message publishing
type Producer struct {
	mu           sync.Mutex
	writers      map[string]*kafka.Writer
	brokers      []string
	writeTimeout time.Duration
	log          *logger.Logger
}

// ProducerConfig holds producer configuration
type ProducerConfig struct {
	Brokers      []string
	WriteTimeout time.Duration
}

// Header is a message header
type Header struct {
	Key   string
	Value string
}

// NewProducer creates a new Kafka producer
func NewProducer(cfg ProducerConfig) *Producer {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Producer{
		writers:      make(map[string]*kafka.Writer),
		brokers:      cfg.Brokers,
		writeTimeout: cfg.WriteTimeout,
		log:          logger.Get().With("component", "kafka_producer"),
	}
}

// writer returns or creates the writer for a topic. Writes are synchronous
// and wait for all in-sync replicas, so a nil error means the broker durably
// acknowledged the message.
func (p *Producer) writer(topic string) *kafka.Writer {
	p.mu.Lock()
	defer p.mu.Unlock()

	if w, ok := p.writers[topic]; ok {
		return w
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(p.brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		Async:                  false,
		WriteTimeout:           p.writeTimeout,
		AllowAutoTopicCreation: false,
	}

	p.writers[topic] = w
	return w
}

// Publish sends one pre-encoded message to a topic
func (p *Producer) Publish(ctx context.Context, topic string, key string, value []byte, headers ...Header) error {
	msg := kafka.Message{
		Key:   []byte(key),
		Value: value,
	}
	for _, h := range headers {
		msg.Headers = append(msg.Headers, kafka.Header{Key: h.Key, Value: []byte(h.Value)})
	}

	if err := p.writer(topic).WriteMessages(ctx, msg); err != nil {
		p.log.Warnw("Kafka publish failed", "topic", topic, "key", key, "error", err)
		return err
	}

	p.log.Debugw("Published", "topic", topic, "key", key)
	return nil
}

// Brokers returns the configured bootstrap brokers
func (p *Producer) Brokers() []string {
	return p.brokers
}

// Ping dials the first reachable broker
func (p *Producer) Ping(ctx context.Context) error {
	var lastErr error
	for _, b := range p.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", b)
		if err != nil {
			lastErr = err
			continue
		}
		return conn.Close()
	}
	return lastErr
}

// Close closes all writers
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for topic, w := range p.writers {
		if err := w.Close(); err != nil {
			p.log.Errorw("Failed to close kafka writer", "topic", topic, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
