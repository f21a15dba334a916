package workers

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"costops/internal/domain/budget"
	"costops/internal/domain/governance"
	dlqsvc "costops/internal/services/dlq"
	"costops/pkg/errors"
	"costops/pkg/logger"
)

type mockBudgets struct{ mock.Mock }

func (m *mockBudgets) ListActive(ctx context.Context) ([]*budget.Budget, error) {
	args := m.Called(ctx)
	return args.Get(0).([]*budget.Budget), args.Error(1)
}

func (m *mockBudgets) Evaluate(ctx context.Context, b *budget.Budget) (*budget.StoredSignal, error) {
	args := m.Called(ctx, b)
	s, _ := args.Get(0).(*budget.StoredSignal)
	return s, args.Error(1)
}

type mockProber struct{ mock.Mock }

func (m *mockProber) Probe(ctx context.Context, tenantID string, now time.Time) (*governance.DecisionEvent, error) {
	args := m.Called(ctx, tenantID, now)
	ev, _ := args.Get(0).(*governance.DecisionEvent)
	return ev, args.Error(1)
}

type countingPruner struct{ calls int }

func (p *countingPruner) Prune() int {
	p.calls++
	return 3
}

func TestBudgetSweepEvaluatesAndProbes(t *testing.T) {
	b1 := &budget.Budget{ID: uuid.New(), TenantID: "T1"}
	b2 := &budget.Budget{ID: uuid.New(), TenantID: "T1"}
	b3 := &budget.Budget{ID: uuid.New(), TenantID: "T2"}

	budgets := &mockBudgets{}
	budgets.On("ListActive", mock.Anything).Return([]*budget.Budget{b1, b2, b3}, nil)
	budgets.On("Evaluate", mock.Anything, b1).Return(&budget.StoredSignal{}, nil)
	budgets.On("Evaluate", mock.Anything, b2).Return(nil, errors.ErrSinkUnavailable)
	budgets.On("Evaluate", mock.Anything, b3).Return(&budget.StoredSignal{}, nil)

	now := time.Date(2025, 1, 16, 12, 0, 0, 0, time.UTC)
	prober := &mockProber{}
	prober.On("Probe", mock.Anything, "T1", now).Return(&governance.DecisionEvent{EventID: "evt"}, nil).Once()
	prober.On("Probe", mock.Anything, "T2", now).Return(nil, nil).Once()

	pruner := &countingPruner{}
	w := NewBudgetSweep(budgets, prober, pruner, time.Minute, logger.Nop())
	w.now = func() time.Time { return now }

	err := w.Run(context.Background())
	assert.ErrorIs(t, err, errors.ErrSinkUnavailable, "one failure is reported, the rest still run")

	budgets.AssertNumberOfCalls(t, "Evaluate", 3)
	prober.AssertExpectations(t)
	assert.Equal(t, 1, pruner.calls)
}

func TestBudgetSweepWithoutOptionalParts(t *testing.T) {
	budgets := &mockBudgets{}
	budgets.On("ListActive", mock.Anything).Return([]*budget.Budget{}, nil)

	w := NewBudgetSweep(budgets, nil, nil, time.Minute, logger.Nop())
	assert.NoError(t, w.Run(context.Background()))
	assert.Equal(t, "budget_sweep", w.Name())
}

type fakeReplayer struct {
	depth    int
	replayed int
	err      error
	calls    int
}

func (f *fakeReplayer) SpoolDepth(context.Context) (int, error) { return f.depth, nil }

func (f *fakeReplayer) Replay(context.Context) (int, error) {
	f.calls++
	return f.replayed, f.err
}

func TestSpoolReplay(t *testing.T) {
	empty := &fakeReplayer{}
	require.NoError(t, NewSpoolReplay(empty, time.Second, logger.Nop()).Run(context.Background()))
	assert.Zero(t, empty.calls, "nothing to replay")

	down := &fakeReplayer{depth: 3, err: errors.NewDomainError(errors.KindSinkUnavailable, "test", "down", nil)}
	assert.NoError(t, NewSpoolReplay(down, time.Second, logger.Nop()).Run(context.Background()))
	assert.Equal(t, 1, down.calls)

	broken := &fakeReplayer{depth: 1, err: errors.ErrInternal}
	assert.Error(t, NewSpoolReplay(broken, time.Second, logger.Nop()).Run(context.Background()))
}

type fakeRunner struct {
	stats dlqsvc.Stats
	err   error
}

func (f fakeRunner) RunOnce(context.Context) (dlqsvc.Stats, error) { return f.stats, f.err }

func TestDLQProcessor(t *testing.T) {
	w := NewDLQProcessor(fakeRunner{stats: dlqsvc.Stats{Claimed: 2, Permanent: 1}}, time.Second, logger.Nop())
	assert.NoError(t, w.Run(context.Background()))
	assert.True(t, w.Enabled())

	w = NewDLQProcessor(fakeRunner{err: errors.ErrTransient}, time.Second, logger.Nop())
	assert.ErrorIs(t, w.Run(context.Background()), errors.ErrTransient)
}
