package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"costops/internal/domain/usage"
	pkgerrors "costops/pkg/errors"
)

const usageComponent = "usage_store"

// Compile-time check
var _ usage.Store = (*UsageStore)(nil)

// UsageStore implements usage.Store using sqlx. Uniqueness of
// (tenant_id, request_id) and usage_id is enforced by the schema, so
// concurrent inserts of the same key resolve to one winner.
type UsageStore struct {
	db *sqlx.DB
}

// NewUsageStore creates a new usage store
func NewUsageStore(db *sqlx.DB) *UsageStore {
	return &UsageStore{db: db}
}

const costColumns = `usage_id, tenant_id, provider, model, timestamp, project_id, user_id, agent_id,
	input_tokens, output_tokens, cached_tokens, input_cost, output_cost, cached_cost, total_cost,
	currency, price_table_id, tier_index, computed_at`

// InsertUsage inserts the record or reports ErrDuplicateIgnored
func (s *UsageStore) InsertUsage(ctx context.Context, r *usage.Record) error {
	query := `
		INSERT INTO usage_records (
			id, tenant_id, request_id, provider, model, timestamp,
			input_tokens, output_tokens, cached_tokens, metadata, received_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
		)
		ON CONFLICT (tenant_id, request_id) DO NOTHING`

	res, err := s.db.ExecContext(ctx, query,
		r.ID, r.TenantID, r.RequestID, r.Provider, r.Model, r.Timestamp,
		r.InputTokens, r.OutputTokens, r.CachedTokens, r.Metadata, r.ReceivedAt,
	)
	if err != nil {
		return classify(err, usageComponent, "failed to insert usage")
	}

	n, err := res.RowsAffected()
	if err != nil {
		return classify(err, usageComponent, "failed to read rows affected")
	}
	if n == 0 {
		return pkgerrors.ErrDuplicateIgnored
	}
	return nil
}

// InsertCost inserts the cost row after verifying its usage row inside the
// same transaction
func (s *UsageStore) InsertCost(ctx context.Context, c *usage.CostRecord) error {
	return withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		var id uuid.UUID
		err := tx.GetContext(ctx, &id, `SELECT id FROM usage_records WHERE id = $1 FOR SHARE`, c.UsageID)
		if err == sql.ErrNoRows {
			return pkgerrors.Wrapf(pkgerrors.ErrNotFound, "usage %s", c.UsageID)
		}
		if err != nil {
			return classify(err, usageComponent, "failed to check usage row")
		}

		query := `
			INSERT INTO cost_records (` + costColumns + `)
			VALUES (
				:usage_id, :tenant_id, :provider, :model, :timestamp, :project_id, :user_id, :agent_id,
				:input_tokens, :output_tokens, :cached_tokens, :input_cost, :output_cost, :cached_cost, :total_cost,
				:currency, :price_table_id, :tier_index, :computed_at
			)
			ON CONFLICT (usage_id) DO NOTHING`

		res, err := tx.NamedExecContext(ctx, query, c)
		if err != nil {
			return classify(err, usageComponent, "failed to insert cost")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return classify(err, usageComponent, "failed to read rows affected")
		}
		if n == 0 {
			return pkgerrors.ErrDuplicateIgnored
		}
		return nil
	})
}

// GetUsage retrieves a usage record by its natural key
func (s *UsageStore) GetUsage(ctx context.Context, tenantID, requestID string) (*usage.Record, error) {
	query := `
		SELECT id, tenant_id, request_id, provider, model, timestamp,
			input_tokens, output_tokens, cached_tokens, metadata, received_at
		FROM usage_records
		WHERE tenant_id = $1 AND request_id = $2`

	var r usage.Record
	err := s.db.GetContext(ctx, &r, query, tenantID, requestID)
	if err == sql.ErrNoRows {
		return nil, pkgerrors.Wrap(pkgerrors.ErrNotFound, "usage record not found")
	}
	if err != nil {
		return nil, classify(err, usageComponent, "failed to get usage")
	}
	return &r, nil
}

// GetCost retrieves the cost record for a usage id
func (s *UsageStore) GetCost(ctx context.Context, usageID uuid.UUID) (*usage.CostRecord, error) {
	var c usage.CostRecord
	err := s.db.GetContext(ctx, &c, `SELECT `+costColumns+` FROM cost_records WHERE usage_id = $1`, usageID)
	if err == sql.ErrNoRows {
		return nil, pkgerrors.Wrap(pkgerrors.ErrNotFound, "cost record not found")
	}
	if err != nil {
		return nil, classify(err, usageComponent, "failed to get cost")
	}
	return &c, nil
}

// ListCostsByOrg returns cost records in [from, to) ordered by timestamp
func (s *UsageStore) ListCostsByOrg(ctx context.Context, tenantID string, from, to time.Time) ([]*usage.CostRecord, error) {
	query := `
		SELECT ` + costColumns + `
		FROM cost_records
		WHERE tenant_id = $1 AND timestamp >= $2 AND timestamp < $3
		ORDER BY timestamp ASC, usage_id ASC`

	var out []*usage.CostRecord
	if err := s.db.SelectContext(ctx, &out, query, tenantID, from, to); err != nil {
		return nil, classify(err, usageComponent, "failed to list costs")
	}
	return out, nil
}

// ScanCosts streams the rows of ListCostsByOrg. A single statement gives a
// consistent snapshot of committed rows.
func (s *UsageStore) ScanCosts(ctx context.Context, tenantID string, from, to time.Time, fn func(*usage.CostRecord) error) error {
	query := `
		SELECT ` + costColumns + `
		FROM cost_records
		WHERE tenant_id = $1 AND timestamp >= $2 AND timestamp < $3
		ORDER BY timestamp ASC, usage_id ASC`

	rows, err := s.db.QueryxContext(ctx, query, tenantID, from, to)
	if err != nil {
		return classify(err, usageComponent, "failed to scan costs")
	}
	defer rows.Close()

	for rows.Next() {
		var c usage.CostRecord
		if err := rows.StructScan(&c); err != nil {
			return classify(err, usageComponent, "failed to decode cost row")
		}
		if err := fn(&c); err != nil {
			return err
		}
	}
	return classify(rows.Err(), usageComponent, "cost scan interrupted")
}

// CumulativeTokens sums usage tokens for the key in [from, before)
func (s *UsageStore) CumulativeTokens(ctx context.Context, tenantID, provider, model string, from, before time.Time) (int64, error) {
	query := `
		SELECT COALESCE(SUM(input_tokens + output_tokens + cached_tokens), 0)
		FROM usage_records
		WHERE tenant_id = $1 AND provider = $2 AND model = $3
			AND timestamp >= $4 AND timestamp < $5`

	var total int64
	if err := s.db.GetContext(ctx, &total, query, tenantID, provider, model, from, before); err != nil {
		return 0, classify(err, usageComponent, "failed to sum tokens")
	}
	return total, nil
}

// Ping checks database connectivity
func (s *UsageStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
