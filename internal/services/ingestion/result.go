package ingestion

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Outcome is the discriminator of an ingestion result.
type Outcome string

const (
	OutcomeAccepted      Outcome = "accepted"
	OutcomeDuplicate     Outcome = "duplicate"
	OutcomeQueued        Outcome = "queued"
	OutcomeInvalid       Outcome = "invalid"
	OutcomeUnprocessable Outcome = "unprocessable"
	OutcomeRateLimited   Outcome = "rate_limited"
	OutcomeCanceled      Outcome = "canceled"
	OutcomeFailed        Outcome = "failed"
)

// Result is the synchronous answer to one payload.
type Result struct {
	Outcome    Outcome
	UsageID    uuid.UUID
	TotalCost  decimal.Decimal
	Currency   string
	DLQItemID  string
	RetryAfter time.Duration
	Err        error
}

// StatusCode maps the outcome to its HTTP status.
func (r Result) StatusCode() int {
	switch r.Outcome {
	case OutcomeAccepted, OutcomeDuplicate:
		return http.StatusOK
	case OutcomeQueued:
		return http.StatusAccepted
	case OutcomeInvalid:
		return http.StatusBadRequest
	case OutcomeUnprocessable:
		return http.StatusUnprocessableEntity
	case OutcomeRateLimited:
		return http.StatusTooManyRequests
	case OutcomeCanceled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
