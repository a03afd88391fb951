package eval

import (
	"math"

	"github.com/fractal-lba/orion/internal/api"
)

// Compute scores predictions against actuals.
//
// MAPE only averages over entries where the actual is non-zero and is 0 when
// there are none. R² is 0 for a constant actual series.
// Vectors of different length are aligned on their tails.
func Compute(actual, predicted []float64) api.Metrics {
	actual, predicted = AlignTail(actual, predicted)
	n := len(actual)
	if n == 0 {
		return api.Metrics{}
	}

	var absSum, sqSum, pctSum, mean float64
	pctCount := 0
	for i := range actual {
		diff := actual[i] - predicted[i]
		absSum += math.Abs(diff)
		sqSum += diff * diff
		if actual[i] != 0 {
			pctSum += math.Abs(diff / actual[i])
			pctCount++
		}
		mean += actual[i]
	}
	mean /= float64(n)

	m := api.Metrics{
		MAE:  absSum / float64(n),
		RMSE: math.Sqrt(sqSum / float64(n)),
	}
	if pctCount > 0 {
		m.MAPE = pctSum / float64(pctCount) * 100
	}

	var ssTot float64
	for _, a := range actual {
		ssTot += (a - mean) * (a - mean)
	}
	if ssTot > 0 {
		m.R2 = 1 - sqSum/ssTot
	}
	return m
}

// AlignTail trims the longer vector from the front so both end together.
func AlignTail(a, b []float64) ([]float64, []float64) {
	switch {
	case len(a) > len(b):
		return a[len(a)-len(b):], b
	case len(b) > len(a):
		return a, b[len(b)-len(a):]
	}
	return a, b
}

// Round2 rounds to two decimals for reports.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// AsMap flattens metrics for storage alongside forecasts.
func AsMap(m api.Metrics) map[string]float64 {
	return map[string]float64{
		"mae":  m.MAE,
		"rmse": m.RMSE,
		"mape": m.MAPE,
		"r2":   m.R2,
	}
}
