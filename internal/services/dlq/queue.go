// Package dlq parks ingestion payloads that could not be processed
// synchronously and retries them with bounded exponential backoff.
package dlq

import (
	"context"
	"encoding/json"
	"time"

	"costops/internal/adapters/config"
	"costops/internal/domain/dlq"
	"costops/internal/metrics"
	"costops/pkg/correlation"
	"costops/pkg/errors"
	"costops/pkg/id"
	"costops/pkg/logger"
	"costops/pkg/retry"
)

const component = "dlq"

// Policy bounds the retry schedule.
type Policy struct {
	MaxAttempts int
	Backoff     retry.Backoff
}

// PolicyFromConfig maps DLQ_* settings to a policy.
func PolicyFromConfig(cfg config.DLQConfig) Policy {
	return Policy{
		MaxAttempts: cfg.MaxAttempts,
		Backoff: retry.Backoff{
			BaseDelay: cfg.BaseDelay(),
			MaxDelay:  cfg.MaxDelay(),
			Jitter:    cfg.Jitter(),
		},
	}
}

// Queue is the write side of the DLQ plus its operator queries.
type Queue struct {
	repo   dlq.Repository
	policy Policy
	log    *logger.Logger
	now    func() time.Time
}

// NewQueue creates a queue over the repository.
func NewQueue(repo dlq.Repository, policy Policy, log *logger.Logger) *Queue {
	if log == nil {
		log = logger.Get()
	}
	return &Queue{
		repo:   repo,
		policy: policy,
		log:    log.WithComponent(component),
		now:    time.Now,
	}
}

// Enqueue durably parks payload. The first retry is due after one base delay.
func (q *Queue) Enqueue(ctx context.Context, tenantID, requestID string, payload json.RawMessage, reason dlq.Reason, cause error) (*dlq.Item, error) {
	now := q.now().UTC()
	item := &dlq.Item{
		ID:            id.NewDLQItemID(),
		TenantID:      tenantID,
		RequestID:     requestID,
		Payload:       payload,
		FailureReason: reason,
		Attempts:      0,
		NextAttemptAt: now.Add(q.policy.Backoff.Delay(0)),
		Status:        dlq.StatusPending,
		CorrelationID: correlation.ID(ctx),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if cause != nil {
		item.LastError = cause.Error()
	}

	if err := q.repo.Enqueue(ctx, item); err != nil {
		metrics.RecordError(string(errors.KindOf(err)), component)
		return nil, errors.Wrapf(err, "enqueue %s/%s", tenantID, requestID)
	}

	metrics.DLQEvents.WithLabelValues("enqueued").Inc()
	q.log.Warnw("Payload routed to DLQ",
		"dlq_item_id", item.ID,
		"correlation_id", item.CorrelationID,
		"tenant_id", tenantID,
		"request_id", requestID,
		"reason", reason,
		"attempts", item.Attempts,
		"next_attempt_at", item.NextAttemptAt,
		"error", item.LastError,
	)
	return item, nil
}

// Get returns one item.
func (q *Queue) Get(ctx context.Context, itemID string) (*dlq.Item, error) {
	return q.repo.Get(ctx, itemID)
}

// List returns items with the given status ("" for all), oldest first.
func (q *Queue) List(ctx context.Context, status dlq.Status, limit int) ([]*dlq.Item, error) {
	if status != "" && !status.Valid() {
		return nil, errors.NewValidationError("status", "unknown status", status)
	}
	return q.repo.List(ctx, status, limit)
}

// Counts returns the number of items per status.
func (q *Queue) Counts(ctx context.Context) (map[dlq.Status]int, error) {
	return q.repo.CountByStatus(ctx)
}
