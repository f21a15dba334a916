package pricebook

import (
	"hash/fnv"
	"sync"
	"time"

	"costops/internal/domain/pricing"
)

const (
	cacheShards      = 16
	maxCacheTTL      = time.Hour
	purgeThreshold   = 1024
	cacheGranularity = time.Minute
)

type tableKey struct {
	provider string
	model    string
}

type cacheKey struct {
	tableKey
	minute int64
}

type cacheEntry struct {
	table   *pricing.PriceTable
	expires time.Time
}

type cacheShard struct {
	mu      sync.RWMutex
	entries map[cacheKey]cacheEntry
}

// priceCache holds positive resolutions keyed by (provider, model, minute).
// All minutes of one (provider, model) land on the same shard so a write
// invalidates a single shard.
type priceCache struct {
	shards [cacheShards]*cacheShard
}

func newPriceCache() *priceCache {
	c := &priceCache{}
	for i := range c.shards {
		c.shards[i] = &cacheShard{entries: make(map[cacheKey]cacheEntry)}
	}
	return c
}

func (c *priceCache) shard(k tableKey) *cacheShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(k.provider))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(k.model))
	return c.shards[h.Sum32()%cacheShards]
}

func keyFor(provider, model string, at time.Time) cacheKey {
	return cacheKey{
		tableKey: tableKey{provider, model},
		minute:   at.Truncate(cacheGranularity).Unix(),
	}
}

func (c *priceCache) get(key cacheKey, now time.Time) (*pricing.PriceTable, bool) {
	s := c.shard(key.tableKey)
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok || !now.Before(e.expires) {
		return nil, false
	}
	return e.table, true
}

func (c *priceCache) put(key cacheKey, table *pricing.PriceTable, ttl time.Duration, now time.Time) {
	if ttl <= 0 {
		return
	}
	s := c.shard(key.tableKey)
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.entries) >= purgeThreshold {
		for k, e := range s.entries {
			if !now.Before(e.expires) {
				delete(s.entries, k)
			}
		}
	}
	s.entries[key] = cacheEntry{table: table, expires: now.Add(ttl)}
}

func (c *priceCache) invalidate(provider, model string) int {
	k := tableKey{provider, model}
	s := c.shard(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key := range s.entries {
		if key.tableKey == k {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

func (c *priceCache) size() int {
	n := 0
	for _, s := range c.shards {
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}

// ttlFor caps the entry lifetime at the table's end date when it lies ahead.
func ttlFor(table *pricing.PriceTable, now time.Time) time.Duration {
	if table.EndDate != nil && table.EndDate.After(now) {
		if until := table.EndDate.Sub(now); until < maxCacheTTL {
			return until
		}
	}
	return maxCacheTTL
}
