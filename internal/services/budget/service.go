package budget

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"costops/internal/domain/budget"
	"costops/internal/domain/governance"
	"costops/internal/domain/usage"
	"costops/internal/metrics"
	"costops/internal/services/aggregation"
	govsvc "costops/internal/services/governance"
	"costops/pkg/errors"
	"costops/pkg/logger"
)

const component = "budget"

// Spend is the aggregation dependency
type Spend interface {
	Summarize(ctx context.Context, q aggregation.Query) (*aggregation.Summary, error)
	Daily(ctx context.Context, tenantID string, from, to time.Time, filter func(*usage.CostRecord) bool) ([]aggregation.DailyTotal, error)
}

// Emitter hands a decision event to the audit sink
type Emitter interface {
	Emit(ctx context.Context, req govsvc.Request) (*governance.DecisionEvent, error)
}

// Service owns budget configuration and runs evaluations end to end:
// read spend, evaluate, emit, remember the last signal.
type Service struct {
	repo        budget.Repository
	spend       Spend
	evaluator   *Evaluator
	emitter     Emitter
	historyDays int
	log         *logger.Logger
	now         func() time.Time
}

// NewService wires the budget service. historyDays bounds the daily series
// fed to the forecaster.
func NewService(repo budget.Repository, spend Spend, evaluator *Evaluator, emitter Emitter, historyDays int, log *logger.Logger) *Service {
	if historyDays <= 0 {
		historyDays = 30
	}
	if log == nil {
		log = logger.Get()
	}
	return &Service{
		repo:        repo,
		spend:       spend,
		evaluator:   evaluator,
		emitter:     emitter,
		historyDays: historyDays,
		log:         log.WithComponent(component),
		now:         time.Now,
	}
}

// Create validates and stores a new budget
func (s *Service) Create(ctx context.Context, b *budget.Budget) (*budget.Budget, error) {
	b.Currency = strings.ToUpper(strings.TrimSpace(b.Currency))
	b.PeriodStart = b.PeriodStart.UTC()
	b.PeriodEnd = b.PeriodEnd.UTC()
	if err := b.Validate(); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	b.ID = uuid.New()
	b.CreatedAt = now
	b.UpdatedAt = now

	if err := s.repo.Create(ctx, b); err != nil {
		return nil, errors.Wrap(err, "create budget")
	}

	s.log.Infow("Budget created",
		"budget_id", b.ID,
		"tenant_id", b.TenantID,
		"scope", b.Scope.Kind,
		"limit", b.Limit,
		"currency", b.Currency,
	)
	return b, nil
}

// Get returns one budget
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*budget.Budget, error) {
	return s.repo.GetByID(ctx, id)
}

// LatestSignal returns the last emitted signal of a budget
func (s *Service) LatestSignal(ctx context.Context, id uuid.UUID) (*budget.StoredSignal, error) {
	return s.repo.LatestSignal(ctx, id)
}

// CoveringBudgets returns the active budgets that count c
func (s *Service) CoveringBudgets(ctx context.Context, c *usage.CostRecord) ([]*budget.Budget, error) {
	list, err := s.repo.ListForTenant(ctx, c.TenantID, c.Timestamp)
	if err != nil {
		return nil, err
	}
	out := list[:0]
	for _, b := range list {
		if b.Covers(c) {
			out = append(out, b)
		}
	}
	return out, nil
}

// ListActive returns budgets whose period contains now
func (s *Service) ListActive(ctx context.Context) ([]*budget.Budget, error) {
	return s.repo.ListActive(ctx, s.now())
}

// EvaluateByID loads and evaluates one budget
func (s *Service) EvaluateByID(ctx context.Context, id uuid.UUID) (*budget.StoredSignal, error) {
	b, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.Evaluate(ctx, b)
}

// Evaluate computes the budget's signal, emits exactly one DecisionEvent for
// it and stores it as the budget's latest signal.
func (s *Service) Evaluate(ctx context.Context, b *budget.Budget) (*budget.StoredSignal, error) {
	now := s.now().UTC()
	in, err := s.input(ctx, b, now)
	if err != nil {
		return nil, err
	}

	sig, err := s.evaluator.Evaluate(ctx, *in)
	if err != nil {
		return nil, err
	}
	metrics.BudgetEvaluations.WithLabelValues(string(sig.Severity)).Inc()

	// a re-evaluation supersedes the budget's previous event
	var previous string
	if last, err := s.repo.LatestSignal(ctx, b.ID); err == nil {
		previous = last.EventID
	} else if !errors.Is(err, errors.ErrNotFound) {
		return nil, errors.Wrap(err, "previous signal")
	}

	ev, err := s.emitter.Emit(ctx, DecisionRequest(b, in, sig, previous))
	if err != nil {
		return nil, err
	}

	stored := &budget.StoredSignal{BudgetID: b.ID, EventID: ev.EventID, Signal: *sig, EmittedAt: ev.Timestamp}
	if err := s.repo.SaveSignal(ctx, stored); err != nil {
		return nil, errors.Wrap(err, "save signal")
	}

	s.log.Debugw("Budget evaluated",
		"budget_id", b.ID,
		"utilization", sig.Utilization.StringFixed(4),
		"severity", sig.Severity,
		"projected_exceedance", sig.ProjectedExceedance(),
		"event_id", ev.EventID,
	)
	return stored, nil
}

func (s *Service) input(ctx context.Context, b *budget.Budget, now time.Time) (*Input, error) {
	to := now
	if b.PeriodEnd.Before(to) {
		to = b.PeriodEnd
	}
	in := &Input{Budget: b, Spend: decimal.Zero, Now: now, DataCompleteness: 1}

	// spend in another currency is never measured against the limit
	var foreign string
	filter := func(c *usage.CostRecord) bool {
		if !b.Scope.Matches(c) {
			return false
		}
		if c.Currency != b.Currency {
			foreign = c.Currency
			return false
		}
		return true
	}

	if b.PeriodStart.Before(to) {
		sum, err := s.spend.Summarize(ctx, aggregation.Query{
			TenantID: b.TenantID, From: b.PeriodStart, To: to, Filter: filter,
		})
		if err != nil {
			return nil, errors.Wrap(err, "current spend")
		}
		if foreign != "" {
			return nil, currencyConflict(b, foreign)
		}
		in.Spend = sum.Total
		in.LatestRecord = sum.Latest
	}

	if b.ForecastEnabled {
		today := now.Truncate(24 * time.Hour)
		from := today.AddDate(0, 0, -s.historyDays)
		if from.Before(today) {
			points, err := s.spend.Daily(ctx, b.TenantID, from, today, filter)
			if err != nil {
				return nil, errors.Wrap(err, "daily history")
			}
			if foreign != "" {
				return nil, currencyConflict(b, foreign)
			}
			in.Historical = leadingTrimmed(points)
		}
	}
	return in, nil
}

func currencyConflict(b *budget.Budget, foreign string) error {
	return errors.NewDomainError(errors.KindConflict, component,
		"budget "+b.ID.String()+" is in "+b.Currency+" but covered spend is in "+foreign, nil)
}

// leadingTrimmed drops days before the first recorded spend.
func leadingTrimmed(points []aggregation.DailyTotal) []decimal.Decimal {
	out := []decimal.Decimal{}
	started := false
	for _, p := range points {
		if !started && p.Count == 0 {
			continue
		}
		started = true
		out = append(out, p.Total)
	}
	return out
}

// DecisionType maps a signal to the governance decision it represents.
func DecisionType(sig *budget.Signal) governance.DecisionType {
	switch sig.Severity {
	case budget.SeverityGating:
		return governance.DecisionApprovalRequired
	case budget.SeverityCritical:
		return governance.DecisionPolicyViolation
	default:
		return governance.DecisionBudgetThreshold
	}
}

// DecisionRequest builds the emission request for one evaluation. previous
// is the event id this evaluation supersedes, if any.
func DecisionRequest(b *budget.Budget, in *Input, sig *budget.Signal, previous string) govsvc.Request {
	constraints := make([]governance.Constraint, 0, len(sig.Thresholds))
	for _, t := range sig.Thresholds {
		constraints = append(constraints, governance.Constraint{
			Name:      t.Name,
			Value:     t.Value,
			Actual:    t.Actual,
			Satisfied: t.Satisfied,
		})
	}

	projectID := ""
	if b.Scope.Kind == budget.ScopeProject {
		projectID = b.Scope.Target
	}

	return govsvc.Request{
		DecisionType:   DecisionType(sig),
		Inputs:         in,
		Outputs:        sig,
		Confidence:     sig.Confidence,
		Constraints:    constraints,
		OrganizationID: b.TenantID,
		ProjectID:      projectID,
		ExecutionRef:   previous,
	}
}
