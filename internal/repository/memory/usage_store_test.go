package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"costops/internal/domain/usage"
	"costops/pkg/errors"
)

var base = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func record(tenant, request string, at time.Time) *usage.Record {
	return &usage.Record{
		ID: uuid.New(), TenantID: tenant, RequestID: request, Provider: "P", Model: "M",
		Timestamp: at, InputTokens: 100, OutputTokens: 50, CachedTokens: 10,
	}
}

func costFor(r *usage.Record, total string) *usage.CostRecord {
	t := decimal.RequireFromString(total)
	return &usage.CostRecord{
		UsageID: r.ID, TenantID: r.TenantID, Provider: r.Provider, Model: r.Model,
		Timestamp: r.Timestamp, InputCost: t, TotalCost: t, Currency: "USD",
	}
}

func TestConcurrentInsertUsageExactlyOneSuccess(t *testing.T) {
	store := NewUsageStore()
	ctx := context.Background()

	const workers = 64
	var ok, dup int64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.InsertUsage(ctx, record("T1", "R1", base))
			switch {
			case err == nil:
				atomic.AddInt64(&ok, 1)
			case errors.Is(err, errors.ErrDuplicateIgnored):
				atomic.AddInt64(&dup, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), ok)
	assert.Equal(t, int64(workers-1), dup)
	assert.Equal(t, 1, store.CountUsage())
}

func TestInsertCostRequiresUsage(t *testing.T) {
	store := NewUsageStore()
	ctx := context.Background()
	r := record("T1", "R1", base)

	err := store.InsertCost(ctx, costFor(r, "1"))
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	require.NoError(t, store.InsertUsage(ctx, r))
	require.NoError(t, store.InsertCost(ctx, costFor(r, "1")))
	assert.True(t, errors.Is(store.InsertCost(ctx, costFor(r, "2")), errors.ErrDuplicateIgnored))

	got, err := store.GetCost(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "1", got.TotalCost.String())
}

func TestListCostsOrderedAndHalfOpen(t *testing.T) {
	store := NewUsageStore()
	ctx := context.Background()

	offsets := []time.Duration{3 * time.Hour, time.Hour, 2 * time.Hour, 24 * time.Hour}
	for i, off := range offsets {
		r := record("T1", uuid.NewString(), base.Add(off))
		require.NoError(t, store.InsertUsage(ctx, r))
		require.NoError(t, store.InsertCost(ctx, costFor(r, decimal.NewFromInt(int64(i+1)).String())))
	}
	other := record("T2", "x", base.Add(time.Hour))
	require.NoError(t, store.InsertUsage(ctx, other))
	require.NoError(t, store.InsertCost(ctx, costFor(other, "100")))

	got, err := store.ListCostsByOrg(ctx, "T1", base.Add(time.Hour), base.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.True(t, got[0].Timestamp.Before(got[1].Timestamp))
	assert.True(t, got[1].Timestamp.Before(got[2].Timestamp))
	assert.Equal(t, base.Add(time.Hour), got[0].Timestamp, "from is inclusive")
}

func TestCumulativeTokens(t *testing.T) {
	store := NewUsageStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, store.InsertUsage(ctx, record("T1", uuid.NewString(), base.Add(time.Duration(i)*time.Hour))))
	}

	total, err := store.CumulativeTokens(ctx, "T1", "P", "M", base, base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(320), total, "two records of 160 tokens, the third is not strictly before")
}
