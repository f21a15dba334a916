package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"costops/internal/domain/budget"
	"costops/pkg/errors"
)

// BudgetRepository implements budget.Repository in memory
type BudgetRepository struct {
	mu      sync.RWMutex
	budgets map[uuid.UUID]*budget.Budget
	signals map[uuid.UUID]*budget.StoredSignal
}

// NewBudgetRepository creates an empty repository
func NewBudgetRepository() *BudgetRepository {
	return &BudgetRepository{
		budgets: make(map[uuid.UUID]*budget.Budget),
		signals: make(map[uuid.UUID]*budget.StoredSignal),
	}
}

var _ budget.Repository = (*BudgetRepository)(nil)

func (r *BudgetRepository) Create(_ context.Context, b *budget.Budget) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.budgets[b.ID]; ok {
		return errors.ErrConflict
	}
	r.budgets[b.ID] = cloneBudget(b)
	return nil
}

func (r *BudgetRepository) Update(_ context.Context, b *budget.Budget) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.budgets[b.ID]; !ok {
		return errors.ErrNotFound
	}
	r.budgets[b.ID] = cloneBudget(b)
	return nil
}

func (r *BudgetRepository) GetByID(_ context.Context, id uuid.UUID) (*budget.Budget, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.budgets[id]
	if !ok {
		return nil, errors.ErrNotFound
	}
	return cloneBudget(b), nil
}

func (r *BudgetRepository) ListActive(_ context.Context, at time.Time) ([]*budget.Budget, error) {
	return r.filter(func(b *budget.Budget) bool { return b.ActiveAt(at) }), nil
}

func (r *BudgetRepository) ListForTenant(_ context.Context, tenantID string, at time.Time) ([]*budget.Budget, error) {
	return r.filter(func(b *budget.Budget) bool { return b.TenantID == tenantID && b.ActiveAt(at) }), nil
}

func (r *BudgetRepository) filter(keep func(*budget.Budget) bool) []*budget.Budget {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*budget.Budget, 0)
	for _, b := range r.budgets {
		if keep(b) {
			out = append(out, cloneBudget(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (r *BudgetRepository) SaveSignal(_ context.Context, s *budget.StoredSignal) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *s
	r.signals[s.BudgetID] = &cp
	return nil
}

func (r *BudgetRepository) LatestSignal(_ context.Context, budgetID uuid.UUID) (*budget.StoredSignal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.signals[budgetID]
	if !ok {
		return nil, errors.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func cloneBudget(b *budget.Budget) *budget.Budget {
	cp := *b
	if b.Scope.Dimensions != nil {
		cp.Scope.Dimensions = make(map[string]string, len(b.Scope.Dimensions))
		for k, v := range b.Scope.Dimensions {
			cp.Scope.Dimensions[k] = v
		}
	}
	return &cp
}
