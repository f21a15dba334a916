package ratelimit

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"costops/internal/metrics"
)

const shardCount = 32

// window holds the ordered admission timestamps of one tenant.
type window struct {
	mu          sync.Mutex
	stamps      []time.Time
	lastCleanup time.Time
}

type shard struct {
	mu      sync.RWMutex
	windows map[string]*window
}

// SlidingWindowLimiter is the in-process limiter. Tenants are spread over
// lock-striped shards; each tenant window has its own short-held mutex.
type SlidingWindowLimiter struct {
	policies Policies
	shards   [shardCount]*shard
	now      func() time.Time
}

// NewSlidingWindowLimiter creates an in-process sliding window limiter.
func NewSlidingWindowLimiter(policies Policies) *SlidingWindowLimiter {
	l := &SlidingWindowLimiter{policies: policies, now: time.Now}
	for i := range l.shards {
		l.shards[i] = &shard{windows: make(map[string]*window)}
	}
	return l
}

// WithClock replaces the time source (tests).
func (l *SlidingWindowLimiter) WithClock(now func() time.Time) *SlidingWindowLimiter {
	l.now = now
	return l
}

// Admit implements Limiter.
func (l *SlidingWindowLimiter) Admit(ctx context.Context, tenantID string) (Decision, error) {
	d := l.admitAt(tenantID, l.now())
	metrics.RecordRateLimit(d.Allowed, "local")
	return d, nil
}

func (l *SlidingWindowLimiter) admitAt(tenantID string, now time.Time) Decision {
	policy := l.policies.For(tenantID)
	w := l.window(tenantID)

	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-policy.Window)
	if now.Sub(w.lastCleanup) >= policy.CleanupInterval() {
		w.evict(cutoff)
		w.lastCleanup = now
	}

	// entries at or before cutoff may survive between cleanups; skip them
	first := w.firstAfter(cutoff)
	count := len(w.stamps) - first
	capacity := policy.Capacity()

	if count < capacity {
		w.stamps = append(w.stamps, now)
		return Decision{Allowed: true, Count: count + 1, Capacity: capacity}
	}

	retry := policy.Window - now.Sub(w.stamps[first])
	if retry < 0 {
		retry = 0
	}
	return Decision{Allowed: false, Count: count, Capacity: capacity, RetryAfter: retry}
}

// Size returns the number of tracked tenants.
func (l *SlidingWindowLimiter) Size() int {
	n := 0
	for _, s := range l.shards {
		s.mu.RLock()
		n += len(s.windows)
		s.mu.RUnlock()
	}
	return n
}

// Prune drops tenants whose windows hold no admission newer than their policy window.
func (l *SlidingWindowLimiter) Prune() int {
	now := l.now()
	removed := 0
	for _, s := range l.shards {
		s.mu.Lock()
		for tenant, w := range s.windows {
			cutoff := now.Add(-l.policies.For(tenant).Window)
			w.mu.Lock()
			w.evict(cutoff)
			empty := len(w.stamps) == 0
			w.mu.Unlock()
			if empty {
				delete(s.windows, tenant)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

func (l *SlidingWindowLimiter) window(tenantID string) *window {
	s := l.shards[shardIndex(tenantID)]

	s.mu.RLock()
	w, ok := s.windows[tenantID]
	s.mu.RUnlock()
	if ok {
		return w
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok = s.windows[tenantID]; ok {
		return w
	}
	w = &window{}
	s.windows[tenantID] = w
	return w
}

// firstAfter returns the index of the first stamp strictly after cutoff.
func (w *window) firstAfter(cutoff time.Time) int {
	return sort.Search(len(w.stamps), func(i int) bool {
		return w.stamps[i].After(cutoff)
	})
}

func (w *window) evict(cutoff time.Time) {
	idx := w.firstAfter(cutoff)
	if idx == 0 {
		return
	}
	n := copy(w.stamps, w.stamps[idx:])
	w.stamps = w.stamps[:n]
}

func shardIndex(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
