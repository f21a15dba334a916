package pricing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository stores versioned price tables.
//
// Create must reject (errors.ErrConflict) a table overlapping another with the
// same key, atomically with respect to concurrent creates. Terminate sets
// end_date exactly once.
type Repository interface {
	Create(ctx context.Context, table *PriceTable) error
	GetByID(ctx context.Context, id uuid.UUID) (*PriceTable, error)

	// ListByKey returns tables for (provider, model) ordered by effective_date ascending
	ListByKey(ctx context.Context, provider, model string) ([]*PriceTable, error)

	Terminate(ctx context.Context, id uuid.UUID, end time.Time) (*PriceTable, error)
}
