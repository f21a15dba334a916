package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"costops/internal/domain/pricing"
	"costops/pkg/errors"
)

type priceKey struct {
	provider string
	model    string
}

// PriceTableRepository implements pricing.Repository in memory
type PriceTableRepository struct {
	mu    sync.RWMutex
	byKey map[priceKey][]*pricing.PriceTable
	byID  map[uuid.UUID]*pricing.PriceTable
}

// NewPriceTableRepository creates an empty repository
func NewPriceTableRepository() *PriceTableRepository {
	return &PriceTableRepository{
		byKey: make(map[priceKey][]*pricing.PriceTable),
		byID:  make(map[uuid.UUID]*pricing.PriceTable),
	}
}

var _ pricing.Repository = (*PriceTableRepository)(nil)

func (r *PriceTableRepository) Create(_ context.Context, table *pricing.PriceTable) error {
	key := priceKey{table.Provider, table.Model}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.byKey[key] {
		if existing.Overlaps(table) {
			return errors.NewDomainError(errors.KindConflict, "price_table_repository",
				"overlaps table "+existing.ID.String(), nil)
		}
	}

	cp := clonePriceTable(table)
	list := append(r.byKey[key], cp)
	sort.Slice(list, func(i, j int) bool { return list[i].EffectiveDate.Before(list[j].EffectiveDate) })
	r.byKey[key] = list
	r.byID[cp.ID] = cp
	return nil
}

func (r *PriceTableRepository) GetByID(_ context.Context, id uuid.UUID) (*pricing.PriceTable, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.byID[id]
	if !ok {
		return nil, errors.ErrNotFound
	}
	return clonePriceTable(t), nil
}

func (r *PriceTableRepository) ListByKey(_ context.Context, provider, model string) ([]*pricing.PriceTable, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := r.byKey[priceKey{provider, model}]
	out := make([]*pricing.PriceTable, 0, len(list))
	for _, t := range list {
		out = append(out, clonePriceTable(t))
	}
	return out, nil
}

func (r *PriceTableRepository) Terminate(_ context.Context, id uuid.UUID, end time.Time) (*pricing.PriceTable, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.byID[id]
	if !ok {
		return nil, errors.ErrNotFound
	}
	if t.EndDate != nil {
		return nil, errors.NewDomainError(errors.KindConflict, "price_table_repository", "end_date already set", nil)
	}
	if !end.After(t.EffectiveDate) {
		return nil, errors.NewValidationError("end_date", "must be after effective_date", end)
	}
	e := end
	t.EndDate = &e
	return clonePriceTable(t), nil
}

func clonePriceTable(t *pricing.PriceTable) *pricing.PriceTable {
	cp := *t
	if t.EndDate != nil {
		e := *t.EndDate
		cp.EndDate = &e
	}
	cp.Structure.Tiers = append([]pricing.Tier(nil), t.Structure.Tiers...)
	return &cp
}
