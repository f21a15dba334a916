// Package budget evaluates spend against budgets and emits governance
// signals. Budgets are soft: every outcome is advisory.
package budget

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"costops/internal/domain/budget"
	"costops/internal/services/forecast"
	"costops/pkg/errors"
	"costops/pkg/logger"
)

// Input is everything one evaluation depends on
type Input struct {
	Budget *budget.Budget `json:"budget"`
	Spend  decimal.Decimal `json:"spend"`

	// Historical is the daily spend series; nil when none was supplied
	Historical []decimal.Decimal `json:"historical,omitempty"`

	// DataCompleteness in [0,1]; 0 is treated as complete
	DataCompleteness float64 `json:"data_completeness"`

	// LatestRecord is the newest cost timestamp seen; zero means unknown
	LatestRecord time.Time `json:"latest_record"`
	Now          time.Time `json:"now"`
}

// Forecaster is the projection dependency of the evaluator
type Forecaster interface {
	Forecast(ctx context.Context, series []float64, opts forecast.Options) (*forecast.Result, error)
	MinPoints() int
}

// Evaluator classifies utilisation and optionally projects period spend.
// Apart from the forecaster it does no I/O.
type Evaluator struct {
	forecaster Forecaster
	confidence float64
	log        *logger.Logger
}

// NewEvaluator creates an evaluator. forecaster may be nil to disable
// projections.
func NewEvaluator(forecaster Forecaster, confidenceLevel float64, log *logger.Logger) *Evaluator {
	if log == nil {
		log = logger.Get()
	}
	return &Evaluator{forecaster: forecaster, confidence: confidenceLevel, log: log.WithComponent("budget_evaluator")}
}

type band struct {
	violation budget.Violation
	severity  budget.Severity
}

// classify maps utilisation onto the threshold table; lower bounds are inclusive.
func classify(b *budget.Budget, u decimal.Decimal) band {
	switch {
	case u.GreaterThanOrEqual(b.GatingThreshold):
		return band{budget.ViolationExceeded, budget.SeverityGating}
	case u.GreaterThanOrEqual(b.CriticalThreshold):
		return band{budget.ViolationExceeded, budget.SeverityCritical}
	case u.GreaterThanOrEqual(b.WarningThreshold):
		return band{budget.ViolationApproaching, budget.SeverityWarning}
	default:
		return band{budget.ViolationNone, budget.SeverityInfo}
	}
}

func kindFor(s budget.Severity) budget.SignalKind {
	switch s {
	case budget.SeverityGating:
		return budget.KindGating
	case budget.SeverityWarning, budget.SeverityCritical:
		return budget.KindWarning
	default:
		return budget.KindAdvisory
	}
}

// RecommendedAction is the fixed action table. Soft budgets never get gate.
func RecommendedAction(v budget.Violation, s budget.Severity, soft bool) budget.Action {
	switch {
	case v == budget.ViolationNone:
		return budget.ActionNone
	case v == budget.ViolationApproaching:
		return budget.ActionMonitor
	case s == budget.SeverityCritical && soft:
		return budget.ActionReview
	case s == budget.SeverityCritical:
		return budget.ActionConsiderGating
	case s == budget.SeverityGating && soft:
		return budget.ActionConsiderGating
	case s == budget.SeverityGating:
		return budget.ActionGate
	}
	return budget.ActionNone
}

func actionRank(a budget.Action) int {
	switch a {
	case budget.ActionMonitor:
		return 1
	case budget.ActionReview:
		return 2
	case budget.ActionConsiderGating:
		return 3
	case budget.ActionGate:
		return 4
	}
	return 0
}

// Evaluate produces the signal for in.
func (e *Evaluator) Evaluate(ctx context.Context, in Input) (*budget.Signal, error) {
	b := in.Budget
	if b == nil {
		return nil, errors.NewValidationError("budget", "required", nil)
	}
	if !b.Limit.IsPositive() {
		return nil, errors.NewValidationError("limit", "must be > 0", b.Limit.String())
	}

	u := in.Spend.Div(b.Limit)
	current := classify(b, u)

	sig := &budget.Signal{
		BudgetID:          b.ID,
		TenantID:          b.TenantID,
		CurrentSpend:      in.Spend,
		Limit:             b.Limit,
		Currency:          b.Currency,
		Utilization:       u,
		Violation:         current.violation,
		Severity:          current.severity,
		Kind:              kindFor(current.severity),
		RecommendedAction: RecommendedAction(current.violation, current.severity, b.IsSoft()),
		DaysRemaining:     b.DaysRemaining(in.Now),
		EvaluatedAt:       in.Now.UTC(),
		Thresholds: []budget.ThresholdCheck{
			check("warning_threshold", b.WarningThreshold, u),
			check("critical_threshold", b.CriticalThreshold, u),
			check("gating_threshold", b.GatingThreshold, u),
		},
	}

	forecasted := false
	if proj := e.project(ctx, in, current); proj != nil {
		forecasted = true
		sig.Projection = proj
		sig.Thresholds = append(sig.Thresholds, check("projected_utilization", b.GatingThreshold, proj.ProjectedUtilization))
		if proj.Exceedance && actionRank(sig.RecommendedAction) < actionRank(proj.RecommendedAction) {
			sig.RecommendedAction = proj.RecommendedAction
		}
	}

	sig.Confidence = e.confidenceFor(in, forecasted)
	return sig, nil
}

func check(name string, threshold, actual decimal.Decimal) budget.ThresholdCheck {
	return budget.ThresholdCheck{
		Name:      name,
		Value:     threshold,
		Actual:    actual,
		Satisfied: actual.LessThan(threshold),
	}
}

// project forecasts the remaining days. Projections never reach gating and
// only recommend review.
func (e *Evaluator) project(ctx context.Context, in Input, current band) *budget.Projection {
	b := in.Budget
	horizon := b.DaysRemaining(in.Now)
	if e.forecaster == nil || !b.ForecastEnabled || in.Historical == nil || horizon <= 0 {
		return nil
	}
	if len(in.Historical) < e.forecaster.MinPoints() {
		e.log.Debugw("Skipping projection, history too short",
			"budget_id", b.ID,
			"points", len(in.Historical),
		)
		return nil
	}

	res, err := e.forecaster.Forecast(ctx, forecast.ToFloats(in.Historical), forecast.Options{
		Horizon:    horizon,
		Confidence: e.confidence,
		Interval:   24 * time.Hour,
	})
	if err != nil {
		e.log.Warnw("Projection failed", "budget_id", b.ID, "error", err)
		return nil
	}

	projected := in.Spend.Add(forecast.SumDecimal(res.Points))
	pu := projected.Div(b.Limit)
	next := classify(b, pu)

	proj := &budget.Projection{
		ProjectedSpend:       projected,
		ProjectedUtilization: pu,
		HorizonDays:          horizon,
		Violation:            next.violation,
		Severity:             next.severity,
		RecommendedAction:    RecommendedAction(next.violation, next.severity, b.IsSoft()),
		ModelUsed:            string(res.ModelUsed),
	}
	if next.severity.Rank() > current.severity.Rank() {
		proj.Exceedance = true
		if proj.Severity == budget.SeverityGating {
			proj.Severity = budget.SeverityCritical
			proj.Violation = budget.ViolationExceeded
		}
		proj.RecommendedAction = budget.ActionReview
	}
	return proj
}

func (e *Evaluator) confidenceFor(in Input, forecasted bool) float64 {
	c := 1.0
	if in.DataCompleteness > 0 && in.DataCompleteness < 1 {
		c *= in.DataCompleteness
	}

	minPoints := 7
	if e.forecaster != nil {
		minPoints = e.forecaster.MinPoints()
	}
	if in.Historical != nil {
		switch n := len(in.Historical); {
		case n < minPoints:
			c *= 0.8
		case n < 14:
			c *= 0.9
		}
	}

	if !in.LatestRecord.IsZero() {
		switch age := in.Now.Sub(in.LatestRecord); {
		case age > 72*time.Hour:
			c *= 0.5
		case age > 48*time.Hour:
			c *= 0.7
		case age > 24*time.Hour:
			c *= 0.9
		}
	}

	if forecasted {
		c *= 0.9
	}

	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}
