package budget

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"costops/internal/domain/budget"
	"costops/internal/domain/usage"
	"costops/internal/metrics"
	"costops/pkg/logger"
)

// Evaluations is what the monitor drives
type Evaluations interface {
	CoveringBudgets(ctx context.Context, c *usage.CostRecord) ([]*budget.Budget, error)
	EvaluateByID(ctx context.Context, id uuid.UUID) (*budget.StoredSignal, error)
}

// Monitor decouples ingestion from evaluation. Notify never blocks: costs go
// into a bounded queue and overflow is dropped (the periodic sweep catches
// up). Budgets touched by several costs before their turn are evaluated once.
type Monitor struct {
	evals Evaluations
	costs chan *usage.CostRecord
	wake  chan struct{}
	log   *logger.Logger

	mu      sync.Mutex
	pending map[uuid.UUID]struct{}
	order   []uuid.UUID

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewMonitor creates a monitor with a queue of queueSize costs
func NewMonitor(evals Evaluations, queueSize int, log *logger.Logger) *Monitor {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if log == nil {
		log = logger.Get()
	}
	return &Monitor{
		evals:   evals,
		costs:   make(chan *usage.CostRecord, queueSize),
		wake:    make(chan struct{}, 1),
		log:     log.WithComponent("budget_monitor"),
		pending: make(map[uuid.UUID]struct{}),
		stopCh:  make(chan struct{}),
	}
}

// Notify queues a persisted cost for evaluation
func (m *Monitor) Notify(c *usage.CostRecord) {
	select {
	case m.costs <- c:
	default:
		metrics.BudgetQueueDropped.Inc()
		m.log.Warnw("Budget queue full, dropping evaluation request",
			"tenant_id", c.TenantID,
			"usage_id", c.UsageID,
		)
	}
}

// Start launches the resolve and evaluate loops
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(2)
	go m.resolveLoop(ctx)
	go m.evaluateLoop(ctx)
	m.log.Infow("Budget monitor started", "queue_size", cap(m.costs))
}

// Stop ends both loops after the work already picked up
func (m *Monitor) Stop(ctx context.Context) error {
	m.once.Do(func() { close(m.stopCh) })

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.log.Info("Budget monitor stopped")
		return nil
	case <-ctx.Done():
		m.log.Warn("Budget monitor stop timed out")
		return ctx.Err()
	}
}

// Pending returns the number of budgets awaiting evaluation
func (m *Monitor) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.order)
}

func (m *Monitor) resolveLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case c := <-m.costs:
			m.resolve(ctx, c)
		}
	}
}

func (m *Monitor) resolve(ctx context.Context, c *usage.CostRecord) {
	budgets, err := m.evals.CoveringBudgets(ctx, c)
	if err != nil {
		m.log.Warnw("Failed to find covering budgets", "tenant_id", c.TenantID, "error", err)
		return
	}
	if len(budgets) == 0 {
		return
	}

	m.mu.Lock()
	for _, b := range budgets {
		if _, ok := m.pending[b.ID]; ok {
			continue
		}
		m.pending[b.ID] = struct{}{}
		m.order = append(m.order, b.ID)
	}
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Monitor) next() (uuid.UUID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.order) == 0 {
		return uuid.Nil, false
	}
	id := m.order[0]
	m.order = m.order[1:]
	delete(m.pending, id)
	return id, true
}

func (m *Monitor) evaluateLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-m.wake:
		}

		for {
			id, ok := m.next()
			if !ok {
				break
			}
			if _, err := m.evals.EvaluateByID(ctx, id); err != nil {
				m.log.Warnw("Budget evaluation failed", "budget_id", id, "error", err)
			}
		}
	}
}
