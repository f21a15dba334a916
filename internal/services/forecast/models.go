package forecast

import "math"

// Model names a baseline forecasting method
type Model string

const (
	ModelAuto                 Model = "auto"
	ModelLinear               Model = "linear_trend"
	ModelMovingAverage        Model = "moving_average"
	ModelExponentialSmoothing Model = "exponential_smoothing"
)

// Valid checks if the model is known
func (m Model) Valid() bool {
	switch m {
	case ModelAuto, ModelLinear, ModelMovingAverage, ModelExponentialSmoothing:
		return true
	}
	return false
}

// Alpha is the fixed smoothing factor of exponential smoothing.
const Alpha = 0.3

// trendThreshold is the relative change of half means that selects the
// linear model.
const trendThreshold = 0.05

// selectModel picks a model from the shape of the series.
func selectModel(series []float64) Model {
	half := len(series) / 2
	m1 := mean(series[:half])
	m2 := mean(series[half:])

	trending := false
	if m1 == 0 {
		trending = m2 != 0
	} else {
		trending = math.Abs(m2/m1-1) > trendThreshold
	}

	switch {
	case trending:
		return ModelLinear
	case len(series) >= 10:
		return ModelMovingAverage
	default:
		return ModelExponentialSmoothing
	}
}

// predict fits model on series and extrapolates horizon points.
func predict(model Model, series []float64, horizon, minPoints int) []float64 {
	out := make([]float64, horizon)
	switch model {
	case ModelLinear:
		a, b := leastSquares(series)
		n := float64(len(series))
		for h := range out {
			out[h] = a + b*(n+float64(h))
		}
	case ModelMovingAverage:
		w := movingWindow(minPoints)
		if w > len(series) {
			w = len(series)
		}
		v := mean(series[len(series)-w:])
		for h := range out {
			out[h] = v
		}
	default:
		v := smooth(series, Alpha)
		for h := range out {
			out[h] = v
		}
	}
	return out
}

func movingWindow(minPoints int) int {
	if w := minPoints / 2; w > 3 {
		return w
	}
	return 3
}

// leastSquares fits y = a + b*t with t = 0..n-1.
func leastSquares(y []float64) (a, b float64) {
	n := float64(len(y))
	var sumT, sumY, sumTT, sumTY float64
	for i, v := range y {
		t := float64(i)
		sumT += t
		sumY += v
		sumTT += t * t
		sumTY += t * v
	}
	den := n*sumTT - sumT*sumT
	if den == 0 {
		return sumY / n, 0
	}
	b = (n*sumTY - sumT*sumY) / den
	a = (sumY - b*sumT) / n
	return a, b
}

func smooth(y []float64, alpha float64) float64 {
	s := y[0]
	for _, v := range y[1:] {
		s = alpha*v + (1-alpha)*s
	}
	return s
}

func mean(y []float64) float64 {
	if len(y) == 0 {
		return 0
	}
	var s float64
	for _, v := range y {
		s += v
	}
	return s / float64(len(y))
}

// stddev is the sample standard deviation.
func stddev(y []float64) float64 {
	if len(y) < 2 {
		return 0
	}
	m := mean(y)
	var ss float64
	for _, v := range y {
		d := v - m
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(y)-1))
}

// zScore maps a confidence level to the two-sided normal quantile.
func zScore(confidence float64) float64 {
	switch confidence {
	case 0.90:
		return 1.645
	case 0.95:
		return 1.96
	case 0.99:
		return 2.576
	default:
		return 1.96
	}
}

// autocorrelation at lag; ok is false when the series is too short or flat.
func autocorrelation(y []float64, lag int) (float64, bool) {
	if lag <= 0 || lag >= len(y) {
		return 0, false
	}
	m := mean(y)
	var num, den float64
	for i, v := range y {
		d := v - m
		den += d * d
		if i+lag < len(y) {
			num += d * (y[i+lag] - m)
		}
	}
	if den == 0 {
		return 0, false
	}
	return num / den, true
}

// mape is the mean absolute percentage error over non-zero actuals.
func mape(actual, predicted []float64) (float64, bool) {
	var sum float64
	var n int
	for i, a := range actual {
		if a == 0 {
			continue
		}
		sum += math.Abs(a-predicted[i]) / math.Abs(a)
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}
