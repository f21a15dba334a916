package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"costops/internal/domain/budget"
	pkgerrors "costops/pkg/errors"
)

const budgetComponent = "budget_repository"

// Compile-time check
var _ budget.Repository = (*BudgetRepository)(nil)

// BudgetRepository implements budget.Repository using sqlx
type BudgetRepository struct {
	db *sqlx.DB
}

// NewBudgetRepository creates a new budget repository
func NewBudgetRepository(db *sqlx.DB) *BudgetRepository {
	return &BudgetRepository{db: db}
}

const budgetColumns = `id, tenant_id, name, scope, limit_amount, currency, period_start, period_end,
	warning_threshold, critical_threshold, gating_threshold, hard_limit, forecast_enabled,
	created_at, updated_at`

// Create inserts a new budget
func (r *BudgetRepository) Create(ctx context.Context, b *budget.Budget) error {
	query := `
		INSERT INTO budgets (` + budgetColumns + `)
		VALUES (
			:id, :tenant_id, :name, :scope, :limit_amount, :currency, :period_start, :period_end,
			:warning_threshold, :critical_threshold, :gating_threshold, :hard_limit, :forecast_enabled,
			:created_at, :updated_at
		)`

	if _, err := r.db.NamedExecContext(ctx, query, b); err != nil {
		return classify(err, budgetComponent, "failed to create budget")
	}
	return nil
}

// Update replaces the mutable configuration of a budget
func (r *BudgetRepository) Update(ctx context.Context, b *budget.Budget) error {
	query := `
		UPDATE budgets SET
			name = :name, scope = :scope, limit_amount = :limit_amount, currency = :currency,
			period_start = :period_start, period_end = :period_end,
			warning_threshold = :warning_threshold, critical_threshold = :critical_threshold,
			gating_threshold = :gating_threshold, hard_limit = :hard_limit,
			forecast_enabled = :forecast_enabled, updated_at = :updated_at
		WHERE id = :id`

	res, err := r.db.NamedExecContext(ctx, query, b)
	if err != nil {
		return classify(err, budgetComponent, "failed to update budget")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return pkgerrors.Wrap(pkgerrors.ErrNotFound, "budget not found")
	}
	return nil
}

// GetByID retrieves a budget by ID
func (r *BudgetRepository) GetByID(ctx context.Context, id uuid.UUID) (*budget.Budget, error) {
	var b budget.Budget
	err := r.db.GetContext(ctx, &b, `SELECT `+budgetColumns+` FROM budgets WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, pkgerrors.Wrap(pkgerrors.ErrNotFound, "budget not found")
	}
	if err != nil {
		return nil, classify(err, budgetComponent, "failed to get budget")
	}
	return &b, nil
}

// ListActive returns budgets whose period contains at
func (r *BudgetRepository) ListActive(ctx context.Context, at time.Time) ([]*budget.Budget, error) {
	query := `
		SELECT ` + budgetColumns + `
		FROM budgets
		WHERE period_start <= $1 AND period_end > $1
		ORDER BY created_at ASC`

	var out []*budget.Budget
	if err := r.db.SelectContext(ctx, &out, query, at); err != nil {
		return nil, classify(err, budgetComponent, "failed to list active budgets")
	}
	return out, nil
}

// ListForTenant returns the tenant's budgets whose period contains at
func (r *BudgetRepository) ListForTenant(ctx context.Context, tenantID string, at time.Time) ([]*budget.Budget, error) {
	query := `
		SELECT ` + budgetColumns + `
		FROM budgets
		WHERE tenant_id = $1 AND period_start <= $2 AND period_end > $2
		ORDER BY created_at ASC`

	var out []*budget.Budget
	if err := r.db.SelectContext(ctx, &out, query, tenantID, at); err != nil {
		return nil, classify(err, budgetComponent, "failed to list tenant budgets")
	}
	return out, nil
}

// SaveSignal upserts the last emitted signal of a budget
func (r *BudgetRepository) SaveSignal(ctx context.Context, s *budget.StoredSignal) error {
	body, err := json.Marshal(s.Signal)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to encode signal")
	}

	query := `
		INSERT INTO budget_signals (budget_id, event_id, body, emitted_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (budget_id) DO UPDATE
		SET event_id = EXCLUDED.event_id, body = EXCLUDED.body, emitted_at = EXCLUDED.emitted_at
		WHERE budget_signals.emitted_at <= EXCLUDED.emitted_at`

	_, err = r.db.ExecContext(ctx, query, s.BudgetID, s.EventID, body, s.EmittedAt)
	return classify(err, budgetComponent, "failed to save signal")
}

// LatestSignal returns the last emitted signal of a budget
func (r *BudgetRepository) LatestSignal(ctx context.Context, budgetID uuid.UUID) (*budget.StoredSignal, error) {
	var s budget.StoredSignal
	err := r.db.GetContext(ctx, &s,
		`SELECT budget_id, event_id, body, emitted_at FROM budget_signals WHERE budget_id = $1`, budgetID)
	if err == sql.ErrNoRows {
		return nil, pkgerrors.Wrap(pkgerrors.ErrNotFound, "no signal emitted for budget")
	}
	if err != nil {
		return nil, classify(err, budgetComponent, "failed to get signal")
	}
	if err := json.Unmarshal(s.Body, &s.Signal); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to decode signal")
	}
	return &s, nil
}
