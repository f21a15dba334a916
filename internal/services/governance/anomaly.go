package governance

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"costops/internal/domain/governance"
	"costops/internal/domain/usage"
	"costops/internal/services/aggregation"
	"costops/internal/services/forecast"
	"costops/pkg/logger"
)

// DailySource provides zero-filled daily spend
type DailySource interface {
	Daily(ctx context.Context, tenantID string, from, to time.Time, filter func(*usage.CostRecord) bool) ([]aggregation.DailyTotal, error)
}

// AnomalyFinding is the body of a cost_risk_signal
type AnomalyFinding struct {
	TenantID  string          `json:"tenant_id"`
	Day       time.Time       `json:"day"`
	Spend     decimal.Decimal `json:"spend"`
	Mean      decimal.Decimal `json:"mean"`
	StdDev    decimal.Decimal `json:"stddev"`
	Threshold decimal.Decimal `json:"threshold"`
	Sigmas    float64         `json:"sigmas"`
	Points    int             `json:"points"`
}

type anomalyInputs struct {
	TenantID string            `json:"tenant_id"`
	Day      time.Time         `json:"day"`
	Spend    decimal.Decimal   `json:"spend"`
	History  []decimal.Decimal `json:"history"`
	Sigmas   float64           `json:"sigmas"`
}

// AnomalyProbe flags a tenant whose latest full day of spend is above
// mean + k·σ of the preceding window.
type AnomalyProbe struct {
	source       DailySource
	emitter      *Emitter
	minPoints    int
	sigmas       float64
	lookbackDays int
	log          *logger.Logger

	mu      sync.Mutex
	emitted map[string]time.Time // tenant -> last flagged day
}

// NewAnomalyProbe creates a probe
func NewAnomalyProbe(source DailySource, emitter *Emitter, minPoints int, sigmas float64, lookbackDays int, log *logger.Logger) *AnomalyProbe {
	if sigmas <= 0 {
		sigmas = 3
	}
	if lookbackDays < minPoints {
		lookbackDays = minPoints
	}
	if log == nil {
		log = logger.Get()
	}
	return &AnomalyProbe{
		source:       source,
		emitter:      emitter,
		minPoints:    minPoints,
		sigmas:       sigmas,
		lookbackDays: lookbackDays,
		log:          log.WithComponent("anomaly_probe"),
		emitted:      make(map[string]time.Time),
	}
}

// Probe checks the tenant's last complete UTC day before now. It emits at
// most one event per tenant and day; nil means nothing was flagged.
func (p *AnomalyProbe) Probe(ctx context.Context, tenantID string, now time.Time) (*governance.DecisionEvent, error) {
	today := now.UTC().Truncate(24 * time.Hour)
	day := today.AddDate(0, 0, -1)

	p.mu.Lock()
	last, seen := p.emitted[tenantID]
	p.mu.Unlock()
	if seen && !last.Before(day) {
		return nil, nil
	}

	points, err := p.source.Daily(ctx, tenantID, day.AddDate(0, 0, -p.lookbackDays), today, nil)
	if err != nil {
		return nil, err
	}
	if len(points) < 2 {
		return nil, nil
	}

	history := trimLeadingZeros(points[:len(points)-1])
	latest := points[len(points)-1]
	if len(history) < p.minPoints {
		return nil, nil
	}

	values := make([]decimal.Decimal, len(history))
	for i, pt := range history {
		values[i] = pt.Total
	}
	series := forecast.ToFloats(values)
	mean, sigma := meanStd(series)
	threshold := mean + p.sigmas*sigma
	spend := latest.Total.InexactFloat64()
	if spend <= threshold {
		return nil, nil
	}

	finding := AnomalyFinding{
		TenantID:  tenantID,
		Day:       day,
		Spend:     latest.Total,
		Mean:      decimal.NewFromFloat(mean).Round(6),
		StdDev:    decimal.NewFromFloat(sigma).Round(6),
		Threshold: decimal.NewFromFloat(threshold).Round(6),
		Sigmas:    p.sigmas,
		Points:    len(history),
	}
	confidence := 1.0
	if len(history) < 14 {
		confidence *= 0.9
	}

	ev, err := p.emitter.Emit(ctx, Request{
		DecisionType: governance.DecisionCostRisk,
		Inputs: anomalyInputs{
			TenantID: tenantID, Day: day, Spend: latest.Total, History: values, Sigmas: p.sigmas,
		},
		Outputs:    finding,
		Confidence: confidence,
		Constraints: []governance.Constraint{{
			Name:      "daily_spend_anomaly_threshold",
			Value:     finding.Threshold,
			Actual:    finding.Spend,
			Satisfied: false,
		}},
		OrganizationID: tenantID,
	})
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.emitted[tenantID] = day
	p.mu.Unlock()

	p.log.Infow("Cost anomaly flagged",
		"tenant_id", tenantID,
		"day", day.Format("2006-01-02"),
		"spend", finding.Spend,
		"threshold", finding.Threshold,
		"event_id", ev.EventID,
	)
	return ev, nil
}

func trimLeadingZeros(points []aggregation.DailyTotal) []aggregation.DailyTotal {
	for i, pt := range points {
		if pt.Count > 0 {
			return points[i:]
		}
	}
	return nil
}

func meanStd(y []float64) (float64, float64) {
	var sum float64
	for _, v := range y {
		sum += v
	}
	m := sum / float64(len(y))
	if len(y) < 2 {
		return m, 0
	}
	var ss float64
	for _, v := range y {
		ss += (v - m) * (v - m)
	}
	return m, math.Sqrt(ss / float64(len(y)-1))
}
