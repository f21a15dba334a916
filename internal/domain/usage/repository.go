package usage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the idempotent usage and cost store.
//
// InsertUsage returns errors.ErrDuplicateIgnored for a known (tenant, request).
// InsertCost returns errors.ErrDuplicateIgnored for a known usage id and
// errors.ErrNotFound when the usage row does not exist.
type Store interface {
	InsertUsage(ctx context.Context, r *Record) error
	InsertCost(ctx context.Context, c *CostRecord) error

	GetUsage(ctx context.Context, tenantID, requestID string) (*Record, error)
	GetCost(ctx context.Context, usageID uuid.UUID) (*CostRecord, error)

	// ListCostsByOrg returns cost records in [from, to) ordered by timestamp ascending
	ListCostsByOrg(ctx context.Context, tenantID string, from, to time.Time) ([]*CostRecord, error)

	// ScanCosts streams the same rows as ListCostsByOrg without materialising them
	ScanCosts(ctx context.Context, tenantID string, from, to time.Time, fn func(*CostRecord) error) error

	// CumulativeTokens sums tokens of usage rows for the key with timestamp in [from, before)
	CumulativeTokens(ctx context.Context, tenantID, provider, model string, from, before time.Time) (int64, error)

	Ping(ctx context.Context) error
}

// CostMirror receives persisted cost records for analytics. Failures never
// affect ingestion.
type CostMirror interface {
	Mirror(ctx context.Context, c *CostRecord) error
}
