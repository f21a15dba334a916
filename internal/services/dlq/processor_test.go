package dlq

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"costops/internal/domain/dlq"
	"costops/internal/repository/memory"
	"costops/pkg/correlation"
	"costops/pkg/errors"
	"costops/pkg/logger"
	"costops/pkg/retry"
)

var start = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func testPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		Backoff:     retry.Backoff{BaseDelay: time.Second, MaxDelay: time.Minute},
	}
}

func setup(t *testing.T, handler Handler) (*Queue, *Processor, *memory.DLQRepository, *clock) {
	t.Helper()
	repo := memory.NewDLQRepository()
	c := &clock{t: start}

	q := NewQueue(repo, testPolicy(), logger.Nop())
	q.now = c.Now

	p := NewProcessor(repo, handler, ProcessorConfig{Policy: testPolicy(), BatchSize: 4}, logger.Nop())
	p.now = c.Now
	return q, p, repo, c
}

func TestEnqueue_IsDueAfterBaseDelay(t *testing.T) {
	q, _, _, _ := setup(t, nil)
	ctx := correlation.WithIDs(context.Background(), correlation.IDs{CorrelationID: "corr-1"})

	item, err := q.Enqueue(ctx, "T1", "R1", json.RawMessage(`{"a":1}`), dlq.ReasonPriceUnavailable, errors.ErrPriceUnavailable)
	require.NoError(t, err)

	assert.Equal(t, dlq.StatusPending, item.Status)
	assert.Equal(t, 0, item.Attempts)
	assert.Equal(t, start.Add(time.Second), item.NextAttemptAt)
	assert.Equal(t, "corr-1", item.CorrelationID)
	assert.Contains(t, item.LastError, "price unavailable")

	stored, err := q.Get(context.Background(), item.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(stored.Payload))
}

func TestRunOnce_SucceedsAndSkipsNotDue(t *testing.T) {
	var calls int64
	q, p, _, c := setup(t, func(ctx context.Context, item *dlq.Item) error {
		atomic.AddInt64(&calls, 1)
		assert.Equal(t, "T1", correlation.Tenant(ctx))
		return nil
	})
	ctx := context.Background()

	item, err := q.Enqueue(ctx, "T1", "R1", nil, dlq.ReasonTransient, nil)
	require.NoError(t, err)

	stats, err := p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Claimed, "not due yet")

	c.Set(start.Add(2 * time.Second))
	stats, err = p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Claimed: 1, Succeeded: 1}, stats)
	assert.Equal(t, int64(1), calls)

	got, err := q.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, dlq.StatusSucceeded, got.Status)
}

func TestRunOnce_BackoffThenPermanent(t *testing.T) {
	q, p, _, c := setup(t, func(context.Context, *dlq.Item) error {
		return errors.NewDomainError(errors.KindTransient, "test", "still down", nil)
	})
	ctx := context.Background()

	item, err := q.Enqueue(ctx, "T1", "R1", nil, dlq.ReasonTransient, nil)
	require.NoError(t, err)

	// attempt 1 -> next = now + 2s
	now := start.Add(time.Second)
	c.Set(now)
	_, err = p.RunOnce(ctx)
	require.NoError(t, err)
	got, _ := q.Get(ctx, item.ID)
	assert.Equal(t, dlq.StatusRetrying, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, now.Add(2*time.Second), got.NextAttemptAt)

	// attempt 2 -> next = now + 4s
	now = got.NextAttemptAt
	c.Set(now)
	_, err = p.RunOnce(ctx)
	require.NoError(t, err)
	got, _ = q.Get(ctx, item.ID)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, now.Add(4*time.Second), got.NextAttemptAt)

	// attempts == max-1 before this failure -> failed_permanent
	c.Set(got.NextAttemptAt)
	stats, err := p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Permanent)
	got, _ = q.Get(ctx, item.ID)
	assert.Equal(t, dlq.StatusFailedPermanent, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.Contains(t, got.LastError, "still down")

	// no further retries
	c.Set(start.Add(time.Hour))
	stats, err = p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Claimed)
}

func TestRunOnce_DeterministicFailureIsPermanent(t *testing.T) {
	q, p, _, c := setup(t, func(context.Context, *dlq.Item) error {
		return errors.NewValidationError("input_tokens", "must be >= 0", -1)
	})
	ctx := context.Background()

	item, err := q.Enqueue(ctx, "T1", "R1", nil, dlq.ReasonTransient, nil)
	require.NoError(t, err)

	c.Set(start.Add(time.Minute))
	_, err = p.RunOnce(ctx)
	require.NoError(t, err)

	got, _ := q.Get(ctx, item.ID)
	assert.Equal(t, dlq.StatusFailedPermanent, got.Status)
	assert.Equal(t, 1, got.Attempts)
}

func TestRunOnce_ConcurrencyCapped(t *testing.T) {
	var inFlight, peak int64
	q, p, _, c := setup(t, func(context.Context, *dlq.Item) error {
		n := atomic.AddInt64(&inFlight, 1)
		for {
			old := atomic.LoadInt64(&peak)
			if n <= old || atomic.CompareAndSwapInt64(&peak, old, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt64(&inFlight, -1)
		return nil
	})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := q.Enqueue(ctx, "T1", "R", nil, dlq.ReasonTransient, nil)
		require.NoError(t, err)
	}
	c.Set(start.Add(time.Minute))

	stats, err := p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Claimed, "batch size bounds the claim")
	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(4))
}

func TestReplay_PermanentItem(t *testing.T) {
	fail := true
	q, p, repo, c := setup(t, func(context.Context, *dlq.Item) error {
		if fail {
			return errors.ErrTransient
		}
		return nil
	})
	ctx := context.Background()

	item, err := q.Enqueue(ctx, "T1", "R1", nil, dlq.ReasonPriceUnavailable, nil)
	require.NoError(t, err)
	require.NoError(t, repo.MarkFailed(ctx, item.ID, 3, start, dlq.StatusFailedPermanent, "boom", start))

	// still failing: attempts preserved, stays permanent
	c.Set(start.Add(time.Minute))
	got, err := p.Replay(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, dlq.StatusFailedPermanent, got.Status)
	assert.Equal(t, 4, got.Attempts)

	fail = false
	got, err = p.Replay(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, dlq.StatusSucceeded, got.Status)

	_, err = p.Replay(ctx, item.ID)
	assert.Equal(t, errors.KindConflict, errors.KindOf(err))
}

func TestList_RejectsUnknownStatus(t *testing.T) {
	q, _, _, _ := setup(t, nil)
	_, err := q.List(context.Background(), dlq.Status("bogus"), 10)
	assert.Equal(t, errors.KindValidationFailed, errors.KindOf(err))
}
