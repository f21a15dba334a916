// Package pricebook resolves time-versioned price tables and manages their
// lifecycle.
package pricebook

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"costops/internal/domain/pricing"
	"costops/internal/metrics"
	"costops/pkg/errors"
	"costops/pkg/logger"
)

const component = "pricebook"

// Service is the price book: cached resolution plus table lifecycle.
type Service struct {
	repo  pricing.Repository
	cache *priceCache
	log   *logger.Logger
	now   func() time.Time
}

// NewService creates a price book over the repository.
func NewService(repo pricing.Repository, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Get()
	}
	return &Service{
		repo:  repo,
		cache: newPriceCache(),
		log:   log.WithComponent(component),
		now:   time.Now,
	}
}

// Resolve returns the unique table active for (provider, model) at the given
// instant, or nil when none is.
func (s *Service) Resolve(ctx context.Context, provider, model string, at time.Time) (*pricing.PriceTable, error) {
	at = at.UTC()
	now := s.now()
	key := keyFor(provider, model, at)

	// a cached table may not cover the whole minute; re-check the instant
	if table, ok := s.cache.get(key, now); ok && table.ActiveAt(at) {
		metrics.PriceCacheLookups.WithLabelValues("hit").Inc()
		return table, nil
	}
	metrics.PriceCacheLookups.WithLabelValues("miss").Inc()

	tables, err := s.repo.ListByKey(ctx, provider, model)
	if err != nil {
		return nil, errors.Wrapf(err, "list price tables for %s/%s", provider, model)
	}

	table := search(tables, at)
	if table == nil {
		return nil, nil
	}

	s.cache.put(key, table, ttlFor(table, now), now)
	return table, nil
}

// search finds the table with the greatest effective_date <= at and checks
// that it has not ended. tables must be sorted by effective_date.
func search(tables []*pricing.PriceTable, at time.Time) *pricing.PriceTable {
	idx := sort.Search(len(tables), func(i int) bool {
		return tables[i].EffectiveDate.After(at)
	}) - 1
	if idx < 0 {
		return nil
	}
	if t := tables[idx]; t.ActiveAt(at) {
		return t
	}
	return nil
}

// CreateTable validates and stores a new version. Overlapping an existing
// table of the same key fails with a conflict.
func (s *Service) CreateTable(ctx context.Context, table *pricing.PriceTable) (*pricing.PriceTable, error) {
	normalize(table)
	if table.ID == uuid.Nil {
		table.ID = uuid.New()
	}
	if table.CreatedAt.IsZero() {
		table.CreatedAt = s.now().UTC()
	}

	if err := table.Validate(); err != nil {
		return nil, err
	}

	if err := s.repo.Create(ctx, table); err != nil {
		return nil, errors.Wrapf(err, "create price table %s/%s", table.Provider, table.Model)
	}

	dropped := s.cache.invalidate(table.Provider, table.Model)
	s.log.Infow("Price table created",
		"price_table_id", table.ID,
		"provider", table.Provider,
		"model", table.Model,
		"effective_date", table.EffectiveDate,
		"cache_entries_dropped", dropped,
	)
	return table, nil
}

// TerminateTable sets the end date of an open table once.
func (s *Service) TerminateTable(ctx context.Context, id uuid.UUID, end time.Time) (*pricing.PriceTable, error) {
	end = end.UTC().Truncate(time.Millisecond)
	table, err := s.repo.Terminate(ctx, id, end)
	if err != nil {
		return nil, errors.Wrapf(err, "terminate price table %s", id)
	}

	s.cache.invalidate(table.Provider, table.Model)
	s.log.Infow("Price table terminated",
		"price_table_id", table.ID,
		"provider", table.Provider,
		"model", table.Model,
		"end_date", end,
	)
	return table, nil
}

// ListTables returns every version for the key, oldest first.
func (s *Service) ListTables(ctx context.Context, provider, model string) ([]*pricing.PriceTable, error) {
	return s.repo.ListByKey(ctx, provider, model)
}

// GetTable returns one version by id.
func (s *Service) GetTable(ctx context.Context, id uuid.UUID) (*pricing.PriceTable, error) {
	return s.repo.GetByID(ctx, id)
}

func normalize(t *pricing.PriceTable) {
	t.Provider = strings.TrimSpace(t.Provider)
	t.Model = strings.TrimSpace(t.Model)
	t.Currency = strings.ToUpper(strings.TrimSpace(t.Currency))
	t.EffectiveDate = t.EffectiveDate.UTC().Truncate(time.Millisecond)
	if t.EndDate != nil {
		end := t.EndDate.UTC().Truncate(time.Millisecond)
		t.EndDate = &end
	}
}
