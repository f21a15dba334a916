// Package memory provides in-process repository implementations used by
// STORAGE_DRIVER=memory and by unit tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"costops/internal/domain/usage"
	"costops/pkg/errors"
)

type usageKey struct {
	tenant  string
	request string
}

// UsageStore implements usage.Store in memory
type UsageStore struct {
	mu      sync.RWMutex
	usage   map[usageKey]*usage.Record
	byID    map[uuid.UUID]*usage.Record
	costs   map[uuid.UUID]*usage.CostRecord
	ordered map[string][]*usage.CostRecord // per tenant, sorted by timestamp
}

// NewUsageStore creates an empty store
func NewUsageStore() *UsageStore {
	return &UsageStore{
		usage:   make(map[usageKey]*usage.Record),
		byID:    make(map[uuid.UUID]*usage.Record),
		costs:   make(map[uuid.UUID]*usage.CostRecord),
		ordered: make(map[string][]*usage.CostRecord),
	}
}

var _ usage.Store = (*UsageStore)(nil)

func (s *UsageStore) InsertUsage(ctx context.Context, r *usage.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := usageKey{r.TenantID, r.RequestID}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.usage[key]; ok {
		return errors.ErrDuplicateIgnored
	}
	cp := *r
	s.usage[key] = &cp
	s.byID[cp.ID] = &cp
	return nil
}

func (s *UsageStore) InsertCost(ctx context.Context, c *usage.CostRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[c.UsageID]; !ok {
		return errors.Wrapf(errors.ErrNotFound, "usage %s", c.UsageID)
	}
	if _, ok := s.costs[c.UsageID]; ok {
		return errors.ErrDuplicateIgnored
	}

	cp := *c
	s.costs[cp.UsageID] = &cp

	list := s.ordered[cp.TenantID]
	idx := sort.Search(len(list), func(i int) bool { return list[i].Timestamp.After(cp.Timestamp) })
	list = append(list, nil)
	copy(list[idx+1:], list[idx:])
	list[idx] = &cp
	s.ordered[cp.TenantID] = list
	return nil
}

func (s *UsageStore) GetUsage(_ context.Context, tenantID, requestID string) (*usage.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.usage[usageKey{tenantID, requestID}]
	if !ok {
		return nil, errors.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *UsageStore) GetCost(_ context.Context, usageID uuid.UUID) (*usage.CostRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.costs[usageID]
	if !ok {
		return nil, errors.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *UsageStore) ListCostsByOrg(ctx context.Context, tenantID string, from, to time.Time) ([]*usage.CostRecord, error) {
	out := make([]*usage.CostRecord, 0)
	err := s.ScanCosts(ctx, tenantID, from, to, func(c *usage.CostRecord) error {
		out = append(out, c)
		return nil
	})
	return out, err
}

// ScanCosts copies the matching slice under the read lock and calls fn
// outside it, so fn may call back into the store.
func (s *UsageStore) ScanCosts(ctx context.Context, tenantID string, from, to time.Time, fn func(*usage.CostRecord) error) error {
	s.mu.RLock()
	list := s.ordered[tenantID]
	lo := sort.Search(len(list), func(i int) bool { return !list[i].Timestamp.Before(from) })
	hi := sort.Search(len(list), func(i int) bool { return !list[i].Timestamp.Before(to) })
	snapshot := make([]usage.CostRecord, 0, hi-lo)
	for _, c := range list[lo:hi] {
		snapshot = append(snapshot, *c)
	}
	s.mu.RUnlock()

	for i := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(&snapshot[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *UsageStore) CumulativeTokens(_ context.Context, tenantID, provider, model string, from, before time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for key, r := range s.usage {
		if key.tenant != tenantID || r.Provider != provider || r.Model != model {
			continue
		}
		if r.Timestamp.Before(from) || !r.Timestamp.Before(before) {
			continue
		}
		total += r.TotalTokens()
	}
	return total, nil
}

func (s *UsageStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// CountUsage returns the number of stored usage records
func (s *UsageStore) CountUsage() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.usage)
}

// CountCosts returns the number of stored cost records
func (s *UsageStore) CountCosts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.costs)
}
