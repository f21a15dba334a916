package postgres_test

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"costops/internal/domain/budget"
	"costops/internal/domain/dlq"
	"costops/internal/domain/pricing"
	"costops/internal/domain/usage"
	pgrepo "costops/internal/repository/postgres"
	"costops/internal/testsupport"
	"costops/pkg/errors"
	"costops/pkg/id"
)

var base = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func usageRecord(request string, at time.Time) *usage.Record {
	return &usage.Record{
		ID: uuid.New(), TenantID: "T1", RequestID: request, Provider: "P", Model: "M",
		Timestamp: at, InputTokens: 1000, OutputTokens: 500,
		Metadata: usage.Metadata{usage.MetaProjectID: "proj-1"}, ReceivedAt: at,
	}
}

func costOf(r *usage.Record, priceID uuid.UUID) *usage.CostRecord {
	return &usage.CostRecord{
		UsageID: r.ID, TenantID: r.TenantID, Provider: r.Provider, Model: r.Model,
		Timestamp: r.Timestamp, ProjectID: "proj-1",
		InputTokens: r.InputTokens, OutputTokens: r.OutputTokens,
		InputCost:  decimal.RequireFromString("0.01"),
		OutputCost: decimal.RequireFromString("0.015"),
		CachedCost: decimal.Zero,
		TotalCost:  decimal.RequireFromString("0.025"),
		Currency:   "USD", PriceTableID: priceID, TierIndex: -1, ComputedAt: base,
	}
}

func TestUsageStore_Integration(t *testing.T) {
	db := testsupport.NewTestPostgres(t)
	store := pgrepo.NewUsageStore(db)
	ctx := context.Background()

	t.Run("concurrent inserts resolve to one winner", func(t *testing.T) {
		var ok, dup int64
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := store.InsertUsage(ctx, usageRecord("R-race", base))
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
		assert.Equal(t, int64(15), dup)
	})

	t.Run("cost requires usage and is unique", func(t *testing.T) {
		r := usageRecord("R1", base.Add(time.Minute))
		priceID := uuid.New()

		err := store.InsertCost(ctx, costOf(r, priceID))
		assert.Equal(t, errors.KindNotFound, errors.KindOf(err))

		require.NoError(t, store.InsertUsage(ctx, r))
		require.NoError(t, store.InsertCost(ctx, costOf(r, priceID)))
		assert.True(t, errors.Is(store.InsertCost(ctx, costOf(r, priceID)), errors.ErrDuplicateIgnored))

		got, err := store.GetCost(ctx, r.ID)
		require.NoError(t, err)
		assert.True(t, got.TotalCost.Equal(decimal.RequireFromString("0.025")))
		assert.True(t, got.Consistent())

		u, err := store.GetUsage(ctx, "T1", "R1")
		require.NoError(t, err)
		assert.Equal(t, "proj-1", u.Metadata.String(usage.MetaProjectID))
	})

	t.Run("range queries are half-open and ordered", func(t *testing.T) {
		costs, err := store.ListCostsByOrg(ctx, "T1", base, base.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, costs, 1)

		costs, err = store.ListCostsByOrg(ctx, "T1", base, base.Add(time.Minute))
		require.NoError(t, err)
		assert.Empty(t, costs)

		var scanned int
		require.NoError(t, store.ScanCosts(ctx, "T1", base, base.Add(time.Hour), func(*usage.CostRecord) error {
			scanned++
			return nil
		}))
		assert.Equal(t, 1, scanned)

		tokens, err := store.CumulativeTokens(ctx, "T1", "P", "M", base, base.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(3000), tokens)
	})
}

func TestPriceTableRepository_Integration(t *testing.T) {
	db := testsupport.NewTestPostgres(t)
	repo := pgrepo.NewPriceTableRepository(db)
	ctx := context.Background()

	end := base.AddDate(0, 1, 0)
	first := &pricing.PriceTable{
		ID: uuid.New(), Provider: "P", Model: "M", Currency: "USD",
		EffectiveDate: base, EndDate: &end, CreatedAt: base,
		Structure: pricing.Structure{InputPrice: decimal.RequireFromString("0.00001"), OutputPrice: decimal.RequireFromString("0.00003")},
	}
	require.NoError(t, repo.Create(ctx, first))

	overlapping := *first
	overlapping.ID = uuid.New()
	overlapping.EffectiveDate = base.AddDate(0, 0, 15)
	overlapping.EndDate = nil
	assert.Equal(t, errors.KindConflict, errors.KindOf(repo.Create(ctx, &overlapping)))

	next := overlapping
	next.EffectiveDate = end
	require.NoError(t, repo.Create(ctx, &next))

	list, err := repo.ListByKey(ctx, "P", "M")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)

	_, err = repo.Terminate(ctx, first.ID, end)
	assert.Equal(t, errors.KindConflict, errors.KindOf(err), "end_date is set at most once")

	terminated, err := repo.Terminate(ctx, next.ID, end.AddDate(0, 1, 0))
	require.NoError(t, err)
	require.NotNil(t, terminated.EndDate)
}

func TestDLQRepository_Integration(t *testing.T) {
	db := testsupport.NewTestPostgres(t)
	repo := pgrepo.NewDLQRepository(db)
	ctx := context.Background()

	item := &dlq.Item{
		ID: id.NewDLQItemID(), TenantID: "T1", RequestID: "R1",
		Payload:       json.RawMessage(`{"tenant_id":"T1"}`),
		FailureReason: dlq.ReasonPriceUnavailable,
		NextAttemptAt: base, Status: dlq.StatusPending,
		CreatedAt: base, UpdatedAt: base,
	}
	require.NoError(t, repo.Enqueue(ctx, item))

	claimed, err := repo.ClaimDue(ctx, base, base.Add(5*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, dlq.StatusRetrying, claimed[0].Status)

	again, err := repo.ClaimDue(ctx, base, base.Add(5*time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, again, "leased items are not claimed twice")

	require.NoError(t, repo.MarkFailed(ctx, item.ID, 5, base.Add(time.Hour), dlq.StatusFailedPermanent, "boom", base))
	reset, err := repo.Reset(ctx, item.ID, base, base)
	require.NoError(t, err)
	assert.Equal(t, dlq.StatusPending, reset.Status)
	assert.Equal(t, 5, reset.Attempts)

	require.NoError(t, repo.MarkSucceeded(ctx, item.ID, base))
	_, err = repo.Reset(ctx, item.ID, base, base)
	assert.Error(t, err)

	counts, err := repo.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[dlq.StatusSucceeded])
}

func TestBudgetRepository_Integration(t *testing.T) {
	db := testsupport.NewTestPostgres(t)
	repo := pgrepo.NewBudgetRepository(db)
	ctx := context.Background()

	b := &budget.Budget{
		ID: uuid.New(), TenantID: "T1", Name: "monthly",
		Scope:    budget.Scope{Kind: budget.ScopeProject, Target: "proj-1"},
		Limit:    decimal.NewFromInt(500),
		Currency: "USD", PeriodStart: base, PeriodEnd: base.AddDate(0, 1, 0),
		WarningThreshold:  decimal.RequireFromString("0.8"),
		CriticalThreshold: decimal.RequireFromString("0.95"),
		GatingThreshold:   decimal.RequireFromString("1"),
		ForecastEnabled:   true, CreatedAt: base, UpdatedAt: base,
	}
	require.NoError(t, repo.Create(ctx, b))

	got, err := repo.GetByID(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, budget.ScopeProject, got.Scope.Kind)
	assert.True(t, got.Limit.Equal(b.Limit))

	active, err := repo.ListActive(ctx, base.AddDate(0, 0, 10))
	require.NoError(t, err)
	assert.Len(t, active, 1)

	active, err = repo.ListForTenant(ctx, "T2", base.AddDate(0, 0, 10))
	require.NoError(t, err)
	assert.Empty(t, active)

	_, err = repo.LatestSignal(ctx, b.ID)
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	stored := &budget.StoredSignal{
		BudgetID: b.ID, EventID: id.NewDecisionEventID(),
		Signal:    budget.Signal{BudgetID: b.ID, Severity: budget.SeverityWarning},
		EmittedAt: base,
	}
	require.NoError(t, repo.SaveSignal(ctx, stored))

	latest, err := repo.LatestSignal(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, stored.EventID, latest.EventID)
	assert.Equal(t, budget.SeverityWarning, latest.Signal.Severity)
}
