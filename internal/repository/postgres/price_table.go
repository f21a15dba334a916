package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"costops/internal/domain/pricing"
	pkgerrors "costops/pkg/errors"
)

const priceComponent = "price_table_repository"

// Compile-time check
var _ pricing.Repository = (*PriceTableRepository)(nil)

// PriceTableRepository implements pricing.Repository using sqlx
type PriceTableRepository struct {
	db *sqlx.DB
}

// NewPriceTableRepository creates a new price table repository
func NewPriceTableRepository(db *sqlx.DB) *PriceTableRepository {
	return &PriceTableRepository{db: db}
}

const priceColumns = `id, provider, model, effective_date, end_date, currency, structure, created_at`

// Create inserts a table. A transaction-scoped advisory lock on the key
// serialises concurrent creates so the overlap check cannot race.
func (r *PriceTableRepository) Create(ctx context.Context, t *pricing.PriceTable) error {
	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1 || '/' || $2))`, t.Provider, t.Model); err != nil {
			return classify(err, priceComponent, "failed to lock price key")
		}

		var conflicting uuid.UUID
		err := tx.GetContext(ctx, &conflicting, `
			SELECT id FROM price_tables
			WHERE provider = $1 AND model = $2
				AND ($4::timestamptz IS NULL OR effective_date < $4)
				AND (end_date IS NULL OR end_date > $3)
			LIMIT 1`,
			t.Provider, t.Model, t.EffectiveDate, t.EndDate,
		)
		if err == nil {
			return pkgerrors.NewDomainError(pkgerrors.KindConflict, priceComponent, "overlaps table "+conflicting.String(), nil)
		}
		if err != sql.ErrNoRows {
			return classify(err, priceComponent, "failed to check overlap")
		}

		query := `
			INSERT INTO price_tables (` + priceColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
		_, err = tx.ExecContext(ctx, query,
			t.ID, t.Provider, t.Model, t.EffectiveDate, t.EndDate, t.Currency, t.Structure, t.CreatedAt,
		)
		return classify(err, priceComponent, "failed to create price table")
	})
}

// GetByID retrieves a price table by ID
func (r *PriceTableRepository) GetByID(ctx context.Context, id uuid.UUID) (*pricing.PriceTable, error) {
	var t pricing.PriceTable
	err := r.db.GetContext(ctx, &t, `SELECT `+priceColumns+` FROM price_tables WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, pkgerrors.Wrap(pkgerrors.ErrNotFound, "price table not found")
	}
	if err != nil {
		return nil, classify(err, priceComponent, "failed to get price table")
	}
	return &t, nil
}

// ListByKey returns the key's tables ordered by effective_date
func (r *PriceTableRepository) ListByKey(ctx context.Context, provider, model string) ([]*pricing.PriceTable, error) {
	query := `
		SELECT ` + priceColumns + `
		FROM price_tables
		WHERE provider = $1 AND model = $2
		ORDER BY effective_date ASC`

	var out []*pricing.PriceTable
	if err := r.db.SelectContext(ctx, &out, query, provider, model); err != nil {
		return nil, classify(err, priceComponent, "failed to list price tables")
	}
	return out, nil
}

// Terminate sets end_date once
func (r *PriceTableRepository) Terminate(ctx context.Context, id uuid.UUID, end time.Time) (*pricing.PriceTable, error) {
	query := `
		UPDATE price_tables SET end_date = $2
		WHERE id = $1 AND end_date IS NULL AND effective_date < $2
		RETURNING ` + priceColumns

	var t pricing.PriceTable
	err := r.db.GetContext(ctx, &t, query, id, end)
	if err == nil {
		return &t, nil
	}
	if err != sql.ErrNoRows {
		return nil, classify(err, priceComponent, "failed to terminate price table")
	}

	existing, getErr := r.GetByID(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if existing.EndDate != nil {
		return nil, pkgerrors.NewDomainError(pkgerrors.KindConflict, priceComponent, "end_date already set", nil)
	}
	return nil, pkgerrors.NewValidationError("end_date", "must be after effective_date", end)
}
