package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"costops/internal/adapters/config"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestSlidingWindow_DeniesAfterCapacity(t *testing.T) {
	clock := newClock()
	limiter := NewSlidingWindowLimiter(Policies{
		Default: Policy{Window: 60 * time.Second, Limit: 5, Burst: 2},
	}).WithClock(clock.Now)

	ctx := context.Background()
	for i := 0; i < 7; i++ {
		d, err := limiter.Admit(ctx, "T1")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "admission %d", i+1)
		clock.Advance(10 * time.Millisecond)
	}

	d, err := limiter.Admit(ctx, "T1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 7, d.Count)
	// oldest admission was 70ms ago
	assert.Equal(t, 60*time.Second-70*time.Millisecond, d.RetryAfter)
}

func TestSlidingWindow_AdmitsAgainAfterOldestLeaves(t *testing.T) {
	clock := newClock()
	limiter := NewSlidingWindowLimiter(Policies{
		Default: Policy{Window: time.Second, Limit: 2, Burst: 0},
	}).WithClock(clock.Now)
	ctx := context.Background()

	d, _ := limiter.Admit(ctx, "T1")
	require.True(t, d.Allowed)
	clock.Advance(400 * time.Millisecond)
	d, _ = limiter.Admit(ctx, "T1")
	require.True(t, d.Allowed)

	d, _ = limiter.Admit(ctx, "T1")
	require.False(t, d.Allowed)
	assert.Equal(t, 600*time.Millisecond, d.RetryAfter)

	clock.Advance(d.RetryAfter + time.Millisecond)
	d, _ = limiter.Admit(ctx, "T1")
	assert.True(t, d.Allowed)
	assert.Equal(t, 2, d.Count)
}

func TestSlidingWindow_TenantsAreIndependent(t *testing.T) {
	clock := newClock()
	limiter := NewSlidingWindowLimiter(Policies{
		Default:   Policy{Window: time.Minute, Limit: 1},
		Overrides: map[string]Policy{"big": {Window: time.Minute, Limit: 3}},
	}).WithClock(clock.Now)
	ctx := context.Background()

	d, _ := limiter.Admit(ctx, "small")
	assert.True(t, d.Allowed)
	d, _ = limiter.Admit(ctx, "small")
	assert.False(t, d.Allowed)

	for i := 0; i < 3; i++ {
		d, _ = limiter.Admit(ctx, "big")
		assert.True(t, d.Allowed)
	}
	d, _ = limiter.Admit(ctx, "big")
	assert.False(t, d.Allowed)
}

func TestSlidingWindow_SubSecondWindowObservesExpiredEntries(t *testing.T) {
	clock := newClock()
	limiter := NewSlidingWindowLimiter(Policies{
		Default: Policy{Window: 100 * time.Millisecond, Limit: 1},
	}).WithClock(clock.Now)
	ctx := context.Background()

	d, _ := limiter.Admit(ctx, "T1")
	require.True(t, d.Allowed)

	// cleanup cadence is 10ms; the count must already exclude the stale stamp
	clock.Advance(101 * time.Millisecond)
	d, _ = limiter.Admit(ctx, "T1")
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Count)
}

func TestSlidingWindow_ConcurrentAdmissionsNeverExceedCapacity(t *testing.T) {
	limiter := NewSlidingWindowLimiter(Policies{
		Default: Policy{Window: time.Hour, Limit: 50, Burst: 10},
	})

	var allowed int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := limiter.Admit(context.Background(), "T1")
			if err == nil && d.Allowed {
				atomic.AddInt64(&allowed, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(60), allowed)
}

func TestSlidingWindow_Prune(t *testing.T) {
	clock := newClock()
	limiter := NewSlidingWindowLimiter(Policies{
		Default: Policy{Window: time.Second, Limit: 1},
	}).WithClock(clock.Now)

	_, _ = limiter.Admit(context.Background(), "a")
	_, _ = limiter.Admit(context.Background(), "b")
	require.Equal(t, 2, limiter.Size())

	clock.Advance(2 * time.Second)
	assert.Equal(t, 2, limiter.Prune())
	assert.Equal(t, 0, limiter.Size())
}

func TestPolicy_CleanupInterval(t *testing.T) {
	assert.Equal(t, time.Second, Policy{Window: time.Minute}.CleanupInterval())
	assert.Equal(t, time.Second, Policy{Window: time.Second}.CleanupInterval())
	assert.Equal(t, 50*time.Millisecond, Policy{Window: 500 * time.Millisecond}.CleanupInterval())
}

func TestPoliciesFromConfig(t *testing.T) {
	p, err := PoliciesFromConfig(config.RateLimitConfig{
		DefaultRPM: 600,
		WindowSecs: 30,
		Burst:      10,
		Overrides:  []string{"acme:5/2/60"},
	})
	require.NoError(t, err)

	assert.Equal(t, Policy{Window: 30 * time.Second, Limit: 300, Burst: 10}, p.Default)
	assert.Equal(t, Policy{Window: time.Minute, Limit: 5, Burst: 2}, p.For("acme"))
	assert.Equal(t, p.Default, p.For("other"))
}

func TestNew_LocalWithoutRedis(t *testing.T) {
	l, err := New(config.RateLimitConfig{DefaultRPM: 60, WindowSecs: 60, Burst: 0, Distributed: true}, nil, nil)
	require.NoError(t, err)
	_, ok := l.(*SlidingWindowLimiter)
	assert.True(t, ok)
}
