package dlq

import (
	"context"
	"encoding/json"
	"time"
)

// Status of a DLQ item
type Status string

const (
	StatusPending         Status = "pending"
	StatusRetrying        Status = "retrying"
	StatusSucceeded       Status = "succeeded"
	StatusFailedPermanent Status = "failed_permanent"
)

// Valid checks if status is valid
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRetrying, StatusSucceeded, StatusFailedPermanent:
		return true
	}
	return false
}

// Reason records why an ingestion was parked
type Reason string

const (
	ReasonPriceUnavailable Reason = "price_unavailable"
	ReasonTransient        Reason = "transient"
	ReasonStorageTransient Reason = "storage_transient"
)

// Item is one parked ingestion payload
type Item struct {
	ID            string          `db:"id" json:"id"`
	TenantID      string          `db:"tenant_id" json:"tenant_id"`
	RequestID     string          `db:"request_id" json:"request_id"`
	Payload       json.RawMessage `db:"payload" json:"payload"`
	FailureReason Reason          `db:"failure_reason" json:"failure_reason"`
	LastError     string          `db:"last_error" json:"last_error,omitempty"`
	Attempts      int             `db:"attempts" json:"attempts"`
	NextAttemptAt time.Time       `db:"next_attempt_at" json:"next_attempt_at"`
	Status        Status          `db:"status" json:"status"`
	CorrelationID string          `db:"correlation_id" json:"correlation_id,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

// Repository is the durable DLQ store
type Repository interface {
	// Enqueue durably stores a new item before returning
	Enqueue(ctx context.Context, item *Item) error

	// ClaimDue moves up to limit due pending/retrying items to retrying and
	// pushes their next_attempt_at to leaseUntil so a concurrent claim skips them
	ClaimDue(ctx context.Context, now, leaseUntil time.Time, limit int) ([]*Item, error)

	MarkSucceeded(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id string, attempts int, next time.Time, status Status, lastErr string, at time.Time) error

	// Reset moves an unfinished item back to pending, due at next, keeping
	// its attempts. Succeeded items cannot be reset.
	Reset(ctx context.Context, id string, next, at time.Time) (*Item, error)

	Get(ctx context.Context, id string) (*Item, error)
	List(ctx context.Context, status Status, limit int) ([]*Item, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)
}
