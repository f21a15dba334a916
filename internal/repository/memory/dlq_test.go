package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"costops/internal/domain/dlq"
	"costops/pkg/errors"
)

func TestClaimDueLeasesItems(t *testing.T) {
	repo := NewDLQRepository()
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Enqueue(ctx, &dlq.Item{ID: "a", Status: dlq.StatusPending, NextAttemptAt: now}))
	require.NoError(t, repo.Enqueue(ctx, &dlq.Item{ID: "b", Status: dlq.StatusPending, NextAttemptAt: now.Add(time.Minute)}))
	require.NoError(t, repo.Enqueue(ctx, &dlq.Item{ID: "c", Status: dlq.StatusSucceeded, NextAttemptAt: now}))

	claimed, err := repo.ClaimDue(ctx, now, now.Add(5*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "a", claimed[0].ID)
	assert.Equal(t, dlq.StatusRetrying, claimed[0].Status)

	again, err := repo.ClaimDue(ctx, now, now.Add(5*time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, again, "leased item is not claimed twice")

	later, err := repo.ClaimDue(ctx, now.Add(6*time.Minute), now.Add(10*time.Minute), 10)
	require.NoError(t, err)
	assert.Len(t, later, 2, "expired lease and newly due item")
}

func TestResetKeepsAttemptsAndRejectsSucceeded(t *testing.T) {
	repo := NewDLQRepository()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, repo.Enqueue(ctx, &dlq.Item{ID: "a", Status: dlq.StatusPending}))
	require.NoError(t, repo.MarkFailed(ctx, "a", 5, now, dlq.StatusFailedPermanent, "boom", now))
	it, err := repo.Reset(ctx, "a", now, now)
	require.NoError(t, err)
	assert.Equal(t, dlq.StatusPending, it.Status)
	assert.Equal(t, 5, it.Attempts)

	require.NoError(t, repo.Enqueue(ctx, &dlq.Item{ID: "b", Status: dlq.StatusPending}))
	require.NoError(t, repo.MarkSucceeded(ctx, "b", now))
	_, err = repo.Reset(ctx, "b", now, now)
	assert.Equal(t, errors.KindConflict, errors.KindOf(err))

	counts, err := repo.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[dlq.StatusPending])
}
