package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"costops/internal/domain/dlq"
	"costops/pkg/errors"
)

// DLQRepository implements dlq.Repository in memory
type DLQRepository struct {
	mu    sync.Mutex
	items map[string]*dlq.Item
}

// NewDLQRepository creates an empty repository
func NewDLQRepository() *DLQRepository {
	return &DLQRepository{items: make(map[string]*dlq.Item)}
}

var _ dlq.Repository = (*DLQRepository)(nil)

func (r *DLQRepository) Enqueue(ctx context.Context, item *dlq.Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.items[item.ID]; ok {
		return errors.ErrConflict
	}
	cp := *item
	r.items[item.ID] = &cp
	return nil
}

func (r *DLQRepository) ClaimDue(_ context.Context, now, leaseUntil time.Time, limit int) ([]*dlq.Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	due := make([]*dlq.Item, 0)
	for _, it := range r.items {
		if (it.Status == dlq.StatusPending || it.Status == dlq.StatusRetrying) && !it.NextAttemptAt.After(now) {
			due = append(due, it)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(due[j].NextAttemptAt) })
	if len(due) > limit {
		due = due[:limit]
	}

	out := make([]*dlq.Item, 0, len(due))
	for _, it := range due {
		it.Status = dlq.StatusRetrying
		it.NextAttemptAt = leaseUntil
		it.UpdatedAt = now
		cp := *it
		out = append(out, &cp)
	}
	return out, nil
}

func (r *DLQRepository) MarkSucceeded(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	it, ok := r.items[id]
	if !ok {
		return errors.ErrNotFound
	}
	it.Status = dlq.StatusSucceeded
	it.UpdatedAt = at
	return nil
}

func (r *DLQRepository) MarkFailed(_ context.Context, id string, attempts int, next time.Time, status dlq.Status, lastErr string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	it, ok := r.items[id]
	if !ok {
		return errors.ErrNotFound
	}
	it.Attempts = attempts
	it.NextAttemptAt = next
	it.Status = status
	it.LastError = lastErr
	it.UpdatedAt = at
	return nil
}

func (r *DLQRepository) Reset(_ context.Context, id string, next, at time.Time) (*dlq.Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	it, ok := r.items[id]
	if !ok {
		return nil, errors.ErrNotFound
	}
	if it.Status == dlq.StatusSucceeded {
		return nil, errors.NewDomainError(errors.KindConflict, "dlq_repository", "item already succeeded", nil)
	}
	it.Status = dlq.StatusPending
	it.NextAttemptAt = next
	it.UpdatedAt = at
	cp := *it
	return &cp, nil
}

func (r *DLQRepository) Get(_ context.Context, id string) (*dlq.Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	it, ok := r.items[id]
	if !ok {
		return nil, errors.ErrNotFound
	}
	cp := *it
	return &cp, nil
}

func (r *DLQRepository) List(_ context.Context, status dlq.Status, limit int) ([]*dlq.Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*dlq.Item, 0)
	for _, it := range r.items {
		if status == "" || it.Status == status {
			cp := *it
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *DLQRepository) CountByStatus(_ context.Context) (map[dlq.Status]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := make(map[dlq.Status]int)
	for _, it := range r.items {
		counts[it.Status]++
	}
	return counts, nil
}
