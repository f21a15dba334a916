package forecast

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"costops/internal/adapters/config"
	"costops/pkg/errors"
	"costops/pkg/logger"
)

func newForecaster() *Forecaster {
	return New(config.ForecastConfig{MinPoints: 7, MaxHorizonDays: 365, SoftDeadline: 5 * time.Second}, logger.Nop())
}

func linearSeries(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(10 + i)
	}
	return out
}

func TestForecastLinearGrowth(t *testing.T) {
	f := newForecaster()

	res, err := f.Forecast(context.Background(), linearSeries(14), Options{Horizon: 16, Confidence: 0.95})
	require.NoError(t, err)

	assert.Equal(t, ModelLinear, res.ModelUsed)
	require.Len(t, res.Points, 16)
	assert.InDelta(t, 24, res.Points[0], 1e-9)
	assert.InDelta(t, 39, res.Points[15], 1e-9)
	assert.InDelta(t, 504, res.Total(), 1e-6)

	require.NotNil(t, res.MAPE)
	assert.InDelta(t, 0, *res.MAPE, 1e-9)
	assert.InDelta(t, 1, res.ConfidenceScore, 1e-9)
	assert.False(t, res.Partial)
}

func TestForecastMinPointsBoundary(t *testing.T) {
	f := newForecaster()

	_, err := f.Forecast(context.Background(), linearSeries(7), Options{Horizon: 1})
	assert.NoError(t, err)

	_, err = f.Forecast(context.Background(), linearSeries(6), Options{Horizon: 1})
	assert.Equal(t, errors.KindInsufficientData, errors.KindOf(err))
}

func TestForecastModelSelection(t *testing.T) {
	flat := []float64{10, 10.1, 9.9, 10, 10.2, 9.8, 10, 10.1, 9.9, 10}
	assert.Equal(t, ModelMovingAverage, selectModel(flat))
	assert.Equal(t, ModelExponentialSmoothing, selectModel(flat[:8]))
	assert.Equal(t, ModelLinear, selectModel(linearSeries(8)))
	assert.Equal(t, ModelLinear, selectModel([]float64{0, 0, 0, 1, 1, 1}))
	assert.Equal(t, ModelExponentialSmoothing, selectModel([]float64{0, 0, 0, 0, 0, 0, 0}))
}

func TestForecastMovingAverageAndSmoothing(t *testing.T) {
	f := newForecaster()
	flat := []float64{10, 10, 10, 10, 10, 10, 10, 10, 10, 13}

	res, err := f.Forecast(context.Background(), flat, Options{Horizon: 3, Model: ModelMovingAverage})
	require.NoError(t, err)
	assert.InDelta(t, 11, res.Points[0], 1e-9, "window = max(3, 7/2) = 3")
	assert.Equal(t, res.Points[0], res.Points[2])

	res, err = f.Forecast(context.Background(), flat, Options{Horizon: 1, Model: ModelExponentialSmoothing})
	require.NoError(t, err)
	assert.InDelta(t, 0.3*13+0.7*10, res.Points[0], 1e-9)
}

func TestForecastPredictionInterval(t *testing.T) {
	f := newForecaster()
	series := []float64{1, 3, 1, 3, 1, 3, 1, 3, 1, 3}
	sigma := stddev(series)

	for conf, z := range map[float64]float64{0.90: 1.645, 0.95: 1.96, 0.99: 2.576, 0.5: 1.96} {
		res, err := f.Forecast(context.Background(), series, Options{Horizon: 1, Confidence: conf, Model: ModelMovingAverage})
		require.NoError(t, err)
		assert.InDelta(t, res.Points[0]+z*sigma, res.Upper[0], 1e-9)
		assert.InDelta(t, math.Max(0, res.Points[0]-z*sigma), res.Lower[0], 1e-9)
		assert.GreaterOrEqual(t, res.Lower[0], 0.0)
	}
}

func TestForecastFloorsAtZero(t *testing.T) {
	f := newForecaster()
	falling := []float64{20, 18, 16, 14, 12, 10, 8, 6}

	res, err := f.Forecast(context.Background(), falling, Options{Horizon: 10})
	require.NoError(t, err)
	assert.Equal(t, ModelLinear, res.ModelUsed)
	for _, p := range res.Points {
		assert.GreaterOrEqual(t, p, 0.0)
	}
	assert.Equal(t, 0.0, res.Points[9])
}

func TestForecastSeasonalityIsAdvisory(t *testing.T) {
	f := newForecaster()
	weekly := make([]float64, 28)
	for i := range weekly {
		weekly[i] = 10
		if i%7 == 5 || i%7 == 6 {
			weekly[i] = 2
		}
	}

	withProbe, err := f.Forecast(context.Background(), weekly, Options{Horizon: 7, Interval: 24 * time.Hour})
	require.NoError(t, err)
	without, err := f.Forecast(context.Background(), weekly, Options{Horizon: 7})
	require.NoError(t, err)

	assert.Equal(t, without.Points, withProbe.Points)
	require.Len(t, withProbe.Seasonality, 2)
	assert.Equal(t, 168*time.Hour, withProbe.Seasonality[1].Lag)
	assert.True(t, withProbe.Seasonality[1].Detected)
	assert.Empty(t, without.Seasonality)
}

func TestForecastSoftDeadlineReturnsPartial(t *testing.T) {
	f := newForecaster()
	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	f.now = func() time.Time {
		clock = clock.Add(3 * time.Second)
		return clock
	}

	res, err := f.Forecast(context.Background(), linearSeries(14), Options{Horizon: 5, Interval: 24 * time.Hour})
	require.NoError(t, err)
	assert.True(t, res.Partial)
	assert.Nil(t, res.MAPE, "self-score skipped after the deadline")
	assert.InDelta(t, 0.8, res.ConfidenceScore, 1e-9)
	assert.Len(t, res.Points, 5)
}

func TestForecastSelfScoreReducesConfidence(t *testing.T) {
	f := newForecaster()
	noisy := []float64{10, 14, 9, 15, 10, 13, 9, 16, 11, 30}

	res, err := f.Forecast(context.Background(), noisy, Options{Horizon: 3, Model: ModelMovingAverage})
	require.NoError(t, err)
	require.NotNil(t, res.MAPE)
	assert.Less(t, res.ConfidenceScore, 1.0)
	assert.InDelta(t, 1-math.Min(1, *res.MAPE), res.ConfidenceScore, 1e-9)
}

func TestForecastRejectsBadHorizon(t *testing.T) {
	f := newForecaster()
	_, err := f.Forecast(context.Background(), linearSeries(10), Options{Horizon: 0})
	assert.Equal(t, errors.KindValidationFailed, errors.KindOf(err))
	_, err = f.Forecast(context.Background(), linearSeries(10), Options{Horizon: 366})
	assert.Equal(t, errors.KindValidationFailed, errors.KindOf(err))
}

func TestDecimalBoundary(t *testing.T) {
	floats := ToFloats([]decimal.Decimal{decimal.RequireFromString("1.5"), decimal.RequireFromString("2.25")})
	assert.Equal(t, []float64{1.5, 2.25}, floats)
	assert.True(t, SumDecimal([]float64{1.5, 2.25}).Equal(decimal.RequireFromString("3.75")))
}
