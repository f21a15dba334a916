// Package sink delivers DecisionEvents to the external audit store with
// at-least-once semantics: bounded retries, then a local SQLite spool that
// is replayed in order once the store is reachable again.
package sink

import (
	"context"
	"net/http"
	"time"

	"costops/internal/adapters/config"
	"costops/internal/adapters/kafka"
	"costops/pkg/errors"
)

const component = "audit_sink"

// Transport moves one encoded event to the audit store. A nil error means
// the store acknowledged it.
type Transport interface {
	Deliver(ctx context.Context, eventID string, body []byte) error
	Ping(ctx context.Context) error
	Name() string
}

// NewTransport builds the transport selected by AUDIT_SINK_KIND
func NewTransport(cfg config.AuditSinkConfig, brokers []string) (Transport, error) {
	switch cfg.Kind {
	case "http":
		return NewHTTPTransport(cfg.Endpoint, &http.Client{Timeout: cfg.Timeout()}), nil
	case "kafka":
		p := kafka.NewProducer(kafka.ProducerConfig{Brokers: brokers, WriteTimeout: cfg.Timeout()})
		return NewKafkaTransport(p, cfg.Topic), nil
	}
	return nil, errors.NewDomainError(errors.KindConfigInvalid, component, "unknown sink kind "+cfg.Kind, nil)
}

func transient(msg string, err error) error {
	return errors.NewDomainError(errors.KindTransient, component, msg, err)
}

func attemptContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
