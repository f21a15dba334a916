package budget

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"costops/internal/domain/budget"
	"costops/internal/services/forecast"
	"costops/pkg/errors"
	"costops/pkg/logger"
)

type mockForecaster struct {
	mock.Mock
}

func (m *mockForecaster) Forecast(ctx context.Context, series []float64, opts forecast.Options) (*forecast.Result, error) {
	args := m.Called(ctx, series, opts)
	if r := args.Get(0); r != nil {
		return r.(*forecast.Result), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockForecaster) MinPoints() int {
	return 7
}

var periodStart = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func monthly(hard bool) *budget.Budget {
	return &budget.Budget{
		ID:                uuid.New(),
		TenantID:          "T1",
		Scope:             budget.Scope{Kind: budget.ScopeTenant},
		Limit:             d("500"),
		Currency:          "USD",
		PeriodStart:       periodStart,
		PeriodEnd:         periodStart.AddDate(0, 1, 0),
		WarningThreshold:  d("0.80"),
		CriticalThreshold: d("0.95"),
		GatingThreshold:   d("1.0"),
		HardLimit:         hard,
	}
}

func TestEvaluateThresholdTable(t *testing.T) {
	e := NewEvaluator(nil, 0.95, logger.Nop())
	now := periodStart.AddDate(0, 0, 10)

	cases := []struct {
		spend     string
		violation budget.Violation
		severity  budget.Severity
		kind      budget.SignalKind
		soft      budget.Action
		hard      budget.Action
	}{
		{"0", budget.ViolationNone, budget.SeverityInfo, budget.KindAdvisory, budget.ActionNone, budget.ActionNone},
		{"399.99", budget.ViolationNone, budget.SeverityInfo, budget.KindAdvisory, budget.ActionNone, budget.ActionNone},
		{"400", budget.ViolationApproaching, budget.SeverityWarning, budget.KindWarning, budget.ActionMonitor, budget.ActionMonitor},
		{"475", budget.ViolationExceeded, budget.SeverityCritical, budget.KindWarning, budget.ActionReview, budget.ActionConsiderGating},
		{"500", budget.ViolationExceeded, budget.SeverityGating, budget.KindGating, budget.ActionConsiderGating, budget.ActionGate},
		{"900", budget.ViolationExceeded, budget.SeverityGating, budget.KindGating, budget.ActionConsiderGating, budget.ActionGate},
	}

	for _, tc := range cases {
		t.Run(tc.spend, func(t *testing.T) {
			for _, hard := range []bool{false, true} {
				sig, err := e.Evaluate(context.Background(), Input{Budget: monthly(hard), Spend: d(tc.spend), Now: now})
				require.NoError(t, err)
				assert.Equal(t, tc.violation, sig.Violation)
				assert.Equal(t, tc.severity, sig.Severity)
				assert.Equal(t, tc.kind, sig.Kind)
				want := tc.soft
				if hard {
					want = tc.hard
				}
				assert.Equal(t, want, sig.RecommendedAction, "hard=%v", hard)
				assert.Len(t, sig.Thresholds, 3)
				assert.Nil(t, sig.Projection)
			}
		})
	}
}

func TestEvaluateThresholdChecks(t *testing.T) {
	e := NewEvaluator(nil, 0.95, logger.Nop())
	sig, err := e.Evaluate(context.Background(), Input{Budget: monthly(false), Spend: d("400"), Now: periodStart})
	require.NoError(t, err)

	assert.Equal(t, "warning_threshold", sig.Thresholds[0].Name)
	assert.False(t, sig.Thresholds[0].Satisfied, "u == warning crosses the threshold")
	assert.True(t, sig.Thresholds[1].Satisfied)
	assert.True(t, sig.Thresholds[0].Actual.Equal(d("0.8")))
	assert.Equal(t, 31, sig.DaysRemaining)
}

func TestEvaluateProjectedExceedance(t *testing.T) {
	fc := &mockForecaster{}
	fc.On("Forecast", mock.Anything, mock.Anything, mock.MatchedBy(func(o forecast.Options) bool {
		return o.Horizon == 16 && o.Confidence == 0.95
	})).Return(&forecast.Result{Points: []float64{300}, ModelUsed: forecast.ModelLinear, ConfidenceScore: 1}, nil)

	e := NewEvaluator(fc, 0.95, logger.Nop())
	b := monthly(false)
	b.ForecastEnabled = true
	history := make([]decimal.Decimal, 14)
	for i := range history {
		history[i] = decimal.NewFromInt(int64(10 + i))
	}
	now := periodStart.AddDate(0, 0, 15)

	sig, err := e.Evaluate(context.Background(), Input{Budget: b, Spend: d("231"), Historical: history, Now: now, LatestRecord: now.Add(-time.Hour)})
	require.NoError(t, err)

	assert.Equal(t, budget.SeverityInfo, sig.Severity)
	require.NotNil(t, sig.Projection)
	assert.True(t, sig.ProjectedExceedance())
	assert.Equal(t, budget.SeverityCritical, sig.Projection.Severity, "projections are capped below gating")
	assert.Equal(t, budget.ActionReview, sig.Projection.RecommendedAction)
	assert.Equal(t, budget.ActionReview, sig.RecommendedAction)
	assert.True(t, sig.Projection.ProjectedSpend.Equal(d("531")))
	assert.InDelta(t, 0.9, sig.Confidence, 1e-9)
	assert.Len(t, sig.Thresholds, 4)
	fc.AssertExpectations(t)
}

func TestEvaluateProjectionNeverDowngradesAction(t *testing.T) {
	fc := &mockForecaster{}
	fc.On("Forecast", mock.Anything, mock.Anything, mock.Anything).
		Return(&forecast.Result{Points: []float64{30}, ModelUsed: forecast.ModelLinear}, nil)

	e := NewEvaluator(fc, 0.95, logger.Nop())
	b := monthly(true)
	b.ForecastEnabled = true
	history := make([]decimal.Decimal, 7)
	for i := range history {
		history[i] = d("1")
	}

	sig, err := e.Evaluate(context.Background(), Input{Budget: b, Spend: d("480"), Historical: history, Now: periodStart.AddDate(0, 0, 20)})
	require.NoError(t, err)
	assert.Equal(t, budget.SeverityCritical, sig.Severity)
	assert.True(t, sig.ProjectedExceedance())
	assert.Equal(t, budget.ActionConsiderGating, sig.RecommendedAction)
}

func TestEvaluateSkipsProjection(t *testing.T) {
	fc := &mockForecaster{}
	e := NewEvaluator(fc, 0.95, logger.Nop())
	b := monthly(false)
	b.ForecastEnabled = true

	short := []decimal.Decimal{d("1"), d("2")}
	sig, err := e.Evaluate(context.Background(), Input{Budget: b, Spend: d("10"), Historical: short, Now: periodStart})
	require.NoError(t, err)
	assert.Nil(t, sig.Projection)
	assert.InDelta(t, 0.8, sig.Confidence, 1e-9, "history shorter than MIN_POINTS")

	sig, err = e.Evaluate(context.Background(), Input{Budget: b, Spend: d("10"), Now: b.PeriodEnd})
	require.NoError(t, err)
	assert.Nil(t, sig.Projection)
	fc.AssertNotCalled(t, "Forecast", mock.Anything, mock.Anything, mock.Anything)
}

func TestEvaluateForecastFailureIsNotFatal(t *testing.T) {
	fc := &mockForecaster{}
	fc.On("Forecast", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.ErrInsufficientData)

	e := NewEvaluator(fc, 0.95, logger.Nop())
	b := monthly(false)
	b.ForecastEnabled = true
	history := make([]decimal.Decimal, 10)

	sig, err := e.Evaluate(context.Background(), Input{Budget: b, Spend: d("10"), Historical: history, Now: periodStart})
	require.NoError(t, err)
	assert.Nil(t, sig.Projection)
	assert.InDelta(t, 0.9, sig.Confidence, 1e-9, "10 points < 14, no forecast used")
}

func TestConfidenceRules(t *testing.T) {
	e := NewEvaluator(nil, 0.95, logger.Nop())
	now := periodStart.AddDate(0, 0, 10)
	b := monthly(false)

	cases := []struct {
		name string
		in   Input
		want float64
	}{
		{"complete fresh", Input{Budget: b, Now: now, LatestRecord: now}, 1.0},
		{"completeness", Input{Budget: b, Now: now, DataCompleteness: 0.5}, 0.5},
		{"age 25h", Input{Budget: b, Now: now, LatestRecord: now.Add(-25 * time.Hour)}, 0.9},
		{"age 49h", Input{Budget: b, Now: now, LatestRecord: now.Add(-49 * time.Hour)}, 0.7},
		{"age 73h", Input{Budget: b, Now: now, LatestRecord: now.Add(-73 * time.Hour)}, 0.5},
		{"short history and stale", Input{Budget: b, Now: now, Historical: make([]decimal.Decimal, 10), LatestRecord: now.Add(-25 * time.Hour)}, 0.81},
		{"long history", Input{Budget: b, Now: now, Historical: make([]decimal.Decimal, 14)}, 1.0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sig, err := e.Evaluate(context.Background(), tc.in)
			require.NoError(t, err)
			assert.InDelta(t, tc.want, sig.Confidence, 1e-9)
		})
	}
}

func TestEvaluateRejectsMissingBudget(t *testing.T) {
	e := NewEvaluator(nil, 0.95, logger.Nop())
	_, err := e.Evaluate(context.Background(), Input{})
	assert.Equal(t, errors.KindValidationFailed, errors.KindOf(err))
}
