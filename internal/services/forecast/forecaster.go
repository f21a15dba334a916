// Package forecast projects short-horizon spend with simple baselines.
// Inputs are float64; monetary decimals are converted once on entry and
// once on exit.
package forecast

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"costops/internal/adapters/config"
	"costops/pkg/errors"
	"costops/pkg/logger"
)

const component = "forecast"

// seasonal lags probed, as durations
var seasonalLags = []time.Duration{24 * time.Hour, 168 * time.Hour}

const (
	seasonalityThreshold = 0.3
	holdoutFraction      = 0.2
	deadlinePenalty      = 0.8
)

// Options are per-call parameters
type Options struct {
	Horizon    int
	Confidence float64
	Model      Model         // "" or auto selects from the series
	Interval   time.Duration // sample spacing; 0 skips the seasonality probe
}

// Seasonality is the autocorrelation found at one lag
type Seasonality struct {
	Lag         time.Duration `json:"lag"`
	Correlation float64       `json:"correlation"`
	Detected    bool          `json:"detected"`
}

// Result is a forecast with its prediction interval
type Result struct {
	Points          []float64     `json:"points"`
	Lower           []float64     `json:"lower"`
	Upper           []float64     `json:"upper"`
	ModelUsed       Model         `json:"model_used"`
	ConfidenceScore float64       `json:"confidence_score"`
	Seasonality     []Seasonality `json:"seasonality,omitempty"`
	MAPE            *float64      `json:"mape,omitempty"`
	Partial         bool          `json:"partial,omitempty"`
}

// Total sums the projected points
func (r *Result) Total() float64 {
	var s float64
	for _, p := range r.Points {
		s += p
	}
	return s
}

// Forecaster is stateless apart from its limits
type Forecaster struct {
	minPoints    int
	maxHorizon   int
	softDeadline time.Duration
	log          *logger.Logger
	now          func() time.Time
}

// New creates a forecaster from FORECAST_* settings
func New(cfg config.ForecastConfig, log *logger.Logger) *Forecaster {
	if log == nil {
		log = logger.Get()
	}
	f := &Forecaster{
		minPoints:    cfg.MinPoints,
		maxHorizon:   cfg.MaxHorizonDays,
		softDeadline: cfg.SoftDeadline,
		log:          log.WithComponent(component),
		now:          time.Now,
	}
	if f.minPoints <= 0 {
		f.minPoints = 7
	}
	if f.maxHorizon <= 0 {
		f.maxHorizon = 365
	}
	if f.softDeadline <= 0 {
		f.softDeadline = 5 * time.Second
	}
	return f
}

// MinPoints returns the minimum series length accepted
func (f *Forecaster) MinPoints() int {
	return f.minPoints
}

// Forecast projects opts.Horizon points after series. Past the soft deadline
// (or when ctx is done) optional steps are skipped and the partial result is
// returned with a reduced score instead of an error.
func (f *Forecaster) Forecast(ctx context.Context, series []float64, opts Options) (*Result, error) {
	if len(series) < f.minPoints {
		return nil, errors.NewDomainError(errors.KindInsufficientData, component,
			"need at least "+strconv.Itoa(f.minPoints)+" points, got "+strconv.Itoa(len(series)), nil)
	}
	if opts.Horizon <= 0 || opts.Horizon > f.maxHorizon {
		return nil, errors.NewValidationError("horizon", "must be in [1, "+strconv.Itoa(f.maxHorizon)+"]", opts.Horizon)
	}
	for _, v := range series {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, errors.NewValidationError("series", "must be finite", nil)
		}
	}

	model := opts.Model
	if model == "" || model == ModelAuto {
		model = selectModel(series)
	} else if !model.Valid() {
		return nil, errors.NewValidationError("model", "unknown model", string(model))
	}

	deadline := f.now().Add(f.softDeadline)
	expired := func() bool {
		return ctx.Err() != nil || !f.now().Before(deadline)
	}

	points := predict(model, series, opts.Horizon, f.minPoints)
	z := zScore(opts.Confidence)
	sigma := stddev(series)

	res := &Result{
		Points:          make([]float64, len(points)),
		Lower:           make([]float64, len(points)),
		Upper:           make([]float64, len(points)),
		ModelUsed:       model,
		ConfidenceScore: 1,
	}
	for i, p := range points {
		p = math.Max(0, p)
		res.Points[i] = p
		res.Lower[i] = math.Max(0, p-z*sigma)
		res.Upper[i] = p + z*sigma
	}

	if expired() {
		return f.partial(res), nil
	}
	if opts.Interval > 0 {
		res.Seasonality = probeSeasonality(series, opts.Interval)
	}

	if expired() {
		return f.partial(res), nil
	}
	if score, ok := f.selfScore(model, series); ok {
		res.MAPE = &score
		res.ConfidenceScore = 1 - math.Min(1, score)
	}

	if expired() {
		return f.partial(res), nil
	}
	return res, nil
}

func (f *Forecaster) partial(res *Result) *Result {
	res.Partial = true
	res.ConfidenceScore *= deadlinePenalty
	f.log.Warnw("Forecast soft deadline reached, returning partial result",
		"model", res.ModelUsed,
		"deadline", f.softDeadline,
	)
	return res
}

// selfScore retrains on the prefix and scores the held-out suffix.
func (f *Forecaster) selfScore(model Model, series []float64) (float64, bool) {
	holdout := int(float64(len(series)) * holdoutFraction)
	if holdout < 1 || len(series)-holdout < f.minPoints {
		return 0, false
	}
	train := series[:len(series)-holdout]
	test := series[len(series)-holdout:]
	predicted := predict(model, train, holdout, f.minPoints)
	for i := range predicted {
		predicted[i] = math.Max(0, predicted[i])
	}
	return mape(test, predicted)
}

func probeSeasonality(series []float64, interval time.Duration) []Seasonality {
	var out []Seasonality
	for _, lagDur := range seasonalLags {
		if lagDur%interval != 0 {
			continue
		}
		lag := int(lagDur / interval)
		r, ok := autocorrelation(series, lag)
		if !ok {
			continue
		}
		out = append(out, Seasonality{Lag: lagDur, Correlation: r, Detected: r > seasonalityThreshold})
	}
	return out
}

// ToFloats converts monetary values for forecasting.
func ToFloats(values []decimal.Decimal) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = v.InexactFloat64()
	}
	return out
}

// SumDecimal converts projected points back to a decimal total.
func SumDecimal(points []float64) decimal.Decimal {
	var s float64
	for _, p := range points {
		s += p
	}
	return decimal.NewFromFloat(s).Round(6)
}
