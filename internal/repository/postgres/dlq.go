package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"costops/internal/domain/dlq"
	pkgerrors "costops/pkg/errors"
)

const dlqComponent = "dlq_repository"

// Compile-time check
var _ dlq.Repository = (*DLQRepository)(nil)

// DLQRepository implements dlq.Repository using sqlx
type DLQRepository struct {
	db *sqlx.DB
}

// NewDLQRepository creates a new DLQ repository
func NewDLQRepository(db *sqlx.DB) *DLQRepository {
	return &DLQRepository{db: db}
}

const dlqColumns = `id, tenant_id, request_id, payload, failure_reason, last_error, attempts,
	next_attempt_at, status, correlation_id, created_at, updated_at`

// Enqueue inserts the item; the row is committed before returning
func (r *DLQRepository) Enqueue(ctx context.Context, item *dlq.Item) error {
	query := `
		INSERT INTO dlq_items (` + dlqColumns + `)
		VALUES (
			:id, :tenant_id, :request_id, :payload, :failure_reason, :last_error, :attempts,
			:next_attempt_at, :status, :correlation_id, :created_at, :updated_at
		)`

	if _, err := r.db.NamedExecContext(ctx, query, item); err != nil {
		return classify(err, dlqComponent, "failed to enqueue")
	}
	return nil
}

// ClaimDue leases due items. SKIP LOCKED lets several processors share the table.
func (r *DLQRepository) ClaimDue(ctx context.Context, now, leaseUntil time.Time, limit int) ([]*dlq.Item, error) {
	query := `
		UPDATE dlq_items SET status = 'retrying', next_attempt_at = $2, updated_at = $1
		WHERE id IN (
			SELECT id FROM dlq_items
			WHERE status IN ('pending', 'retrying') AND next_attempt_at <= $1
			ORDER BY next_attempt_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + dlqColumns

	var out []*dlq.Item
	if err := r.db.SelectContext(ctx, &out, query, now, leaseUntil, limit); err != nil {
		return nil, classify(err, dlqComponent, "failed to claim due items")
	}
	return out, nil
}

// MarkSucceeded records a successful replay
func (r *DLQRepository) MarkSucceeded(ctx context.Context, id string, at time.Time) error {
	return r.exec(ctx, "failed to mark succeeded",
		`UPDATE dlq_items SET status = 'succeeded', updated_at = $2 WHERE id = $1`, id, at)
}

// MarkFailed records a failed attempt and its next schedule
func (r *DLQRepository) MarkFailed(ctx context.Context, id string, attempts int, next time.Time, status dlq.Status, lastErr string, at time.Time) error {
	return r.exec(ctx, "failed to mark failed", `
		UPDATE dlq_items
		SET attempts = $2, next_attempt_at = $3, status = $4, last_error = $5, updated_at = $6
		WHERE id = $1`,
		id, attempts, next, status, lastErr, at)
}

// Reset moves an unfinished item back to pending, keeping its attempts
func (r *DLQRepository) Reset(ctx context.Context, id string, next, at time.Time) (*dlq.Item, error) {
	query := `
		UPDATE dlq_items SET status = 'pending', next_attempt_at = $2, updated_at = $3
		WHERE id = $1 AND status <> 'succeeded'
		RETURNING ` + dlqColumns

	var it dlq.Item
	err := r.db.GetContext(ctx, &it, query, id, next, at)
	if err == nil {
		return &it, nil
	}
	if err != sql.ErrNoRows {
		return nil, classify(err, dlqComponent, "failed to reset item")
	}
	if _, getErr := r.Get(ctx, id); getErr != nil {
		return nil, getErr
	}
	return nil, pkgerrors.NewDomainError(pkgerrors.KindConflict, dlqComponent, "item already succeeded", nil)
}

// Get retrieves an item by ID
func (r *DLQRepository) Get(ctx context.Context, id string) (*dlq.Item, error) {
	var it dlq.Item
	err := r.db.GetContext(ctx, &it, `SELECT `+dlqColumns+` FROM dlq_items WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, pkgerrors.Wrap(pkgerrors.ErrNotFound, "dlq item not found")
	}
	if err != nil {
		return nil, classify(err, dlqComponent, "failed to get item")
	}
	return &it, nil
}

// List returns items, optionally filtered by status, oldest first
func (r *DLQRepository) List(ctx context.Context, status dlq.Status, limit int) ([]*dlq.Item, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + dlqColumns + `
		FROM dlq_items
		WHERE ($1::text = '' OR status = $1::text)
		ORDER BY created_at ASC
		LIMIT $2`

	var out []*dlq.Item
	if err := r.db.SelectContext(ctx, &out, query, string(status), limit); err != nil {
		return nil, classify(err, dlqComponent, "failed to list items")
	}
	return out, nil
}

// CountByStatus returns item counts per status
func (r *DLQRepository) CountByStatus(ctx context.Context) (map[dlq.Status]int, error) {
	var rows []struct {
		Status dlq.Status `db:"status"`
		Count  int        `db:"count"`
	}
	if err := r.db.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS count FROM dlq_items GROUP BY status`); err != nil {
		return nil, classify(err, dlqComponent, "failed to count items")
	}
	out := make(map[dlq.Status]int, len(rows))
	for _, row := range rows {
		out[row.Status] = row.Count
	}
	return out, nil
}

func (r *DLQRepository) exec(ctx context.Context, msg, query string, args ...interface{}) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return classify(err, dlqComponent, msg)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return pkgerrors.Wrap(pkgerrors.ErrNotFound, "dlq item not found")
	}
	return nil
}
