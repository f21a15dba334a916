package workers

import (
	"context"
	"sort"
	"time"

	"costops/internal/domain/budget"
	"costops/internal/domain/governance"
	"costops/pkg/errors"
	"costops/pkg/logger"
)

// Budgets is the budget service surface the sweep needs
type Budgets interface {
	ListActive(ctx context.Context) ([]*budget.Budget, error)
	Evaluate(ctx context.Context, b *budget.Budget) (*budget.StoredSignal, error)
}

// AnomalyProber flags unusual daily spend per tenant
type AnomalyProber interface {
	Probe(ctx context.Context, tenantID string, now time.Time) (*governance.DecisionEvent, error)
}

// Pruner drops idle rate-limit windows
type Pruner interface {
	Prune() int
}

// BudgetSweep re-evaluates every active budget, probes each budgeted tenant
// for cost anomalies and compacts rate-limit state. It catches up on
// evaluations the budget monitor dropped.
type BudgetSweep struct {
	*BaseWorker
	budgets Budgets
	probe   AnomalyProber
	pruner  Pruner
	now     func() time.Time
}

// NewBudgetSweep creates the sweep; probe and pruner may be nil
func NewBudgetSweep(budgets Budgets, probe AnomalyProber, pruner Pruner, interval time.Duration, log *logger.Logger) *BudgetSweep {
	return &BudgetSweep{
		BaseWorker: NewBaseWorker("budget_sweep", interval, true, log),
		budgets:    budgets,
		probe:      probe,
		pruner:     pruner,
		now:        time.Now,
	}
}

func (w *BudgetSweep) Run(ctx context.Context) error {
	active, err := w.budgets.ListActive(ctx)
	if err != nil {
		return errors.Wrap(err, "list active budgets")
	}

	var failures errors.MultiError
	tenants := make(map[string]struct{})
	evaluated := 0

	for _, b := range active {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		tenants[b.TenantID] = struct{}{}
		if _, err := w.budgets.Evaluate(ctx, b); err != nil {
			w.Log().Warnw("Budget sweep evaluation failed", "budget_id", b.ID, "error", err)
			failures.Add(err)
			continue
		}
		evaluated++
	}

	flagged := 0
	if w.probe != nil {
		ids := make([]string, 0, len(tenants))
		for t := range tenants {
			ids = append(ids, t)
		}
		sort.Strings(ids)

		now := w.now()
		for _, tenantID := range ids {
			ev, err := w.probe.Probe(ctx, tenantID, now)
			if err != nil {
				w.Log().Warnw("Anomaly probe failed", "tenant_id", tenantID, "error", err)
				failures.Add(err)
				continue
			}
			if ev != nil {
				flagged++
			}
		}
	}

	pruned := 0
	if w.pruner != nil {
		pruned = w.pruner.Prune()
	}

	w.Log().Infow("Budget sweep complete",
		"budgets", len(active),
		"evaluated", evaluated,
		"tenants", len(tenants),
		"anomalies", flagged,
		"pruned_windows", pruned,
	)
	return failures.ToError()
}
