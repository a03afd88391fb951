package additive

import (
	"math"
	"testing"
	"time"

	"github.com/fractal-lba/orion/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func series(n int, f func(i int) float64) model.Series {
	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	s := model.Series{Dates: make([]time.Time, n), Values: make([]float64, n)}
	for i := 0; i < n; i++ {
		s.Dates[i] = start.AddDate(0, 0, i)
		s.Values[i] = f(i)
	}
	return s
}

func trendWeekly(i int) float64 {
	return 50 + 0.1*float64(i) + 10*math.Sin(2*math.Pi*float64(i)/7)
}

func TestModel_NotTrained(t *testing.T) {
	m := New(DefaultOptions())

	_, err := m.Predict(5, 0.95)
	assert.ErrorIs(t, err, model.ErrNotTrained)
	_, err = m.Evaluate(series(5, trendWeekly))
	assert.ErrorIs(t, err, model.ErrNotTrained)
	_, err = m.Snapshot()
	assert.ErrorIs(t, err, model.ErrNotTrained)
}

func TestModel_FitsTrendAndWeeklySeason(t *testing.T) {
	s := series(365, trendWeekly)
	m := New(DefaultOptions())

	res, err := m.Train(s)
	require.NoError(t, err)
	assert.Equal(t, model.KindAdditive, res.Kind)
	assert.Less(t, res.Metrics.MAPE, 5.0)
	assert.Greater(t, res.Metrics.R2, 0.9)

	fc, err := m.Predict(14, 0.95)
	require.NoError(t, err)
	require.Len(t, fc.Points, 14)

	prevWidth := 0.0
	for i, p := range fc.Points {
		assert.Equal(t, s.Last().AddDate(0, 0, i+1), p.Date)
		require.NotNil(t, p.Trend)
		require.NotNil(t, p.Seasonal)
		assert.InDelta(t, *p.Trend+*p.Seasonal, p.Predicted, 1e-9)
		assert.LessOrEqual(t, p.Lower, p.Predicted)
		assert.LessOrEqual(t, p.Predicted, p.Upper)

		width := p.Upper - p.Lower
		assert.GreaterOrEqual(t, width, prevWidth)
		prevWidth = width

		assert.InDelta(t, trendWeekly(365+i), p.Predicted, 5)
	}
}

func TestModel_ClampsAtZero(t *testing.T) {
	s := series(60, func(i int) float64 { return 120 - 2*float64(i) })
	m := New(DefaultOptions())
	_, err := m.Train(s)
	require.NoError(t, err)

	fc, err := m.Predict(60, 0.8)
	require.NoError(t, err)
	for _, p := range fc.Points {
		assert.GreaterOrEqual(t, p.Predicted, 0.0)
		assert.GreaterOrEqual(t, p.Lower, 0.0)
		assert.GreaterOrEqual(t, p.Upper, 0.0)
	}
	assert.Equal(t, 0.0, fc.Points[59].Predicted)
}

func TestModel_Evaluate(t *testing.T) {
	s := series(200, trendWeekly)
	train, test := s.Split(0.2)

	m := New(DefaultOptions())
	_, err := m.Train(train)
	require.NoError(t, err)

	ev, err := m.Evaluate(test)
	require.NoError(t, err)
	assert.Equal(t, test.Len(), ev.Samples)
	assert.Len(t, ev.Predicted, test.Len())
	assert.Less(t, ev.Metrics.MAPE, 15.0)
}

func TestModel_TooShort(t *testing.T) {
	_, err := New(DefaultOptions()).Train(series(1, trendWeekly))
	assert.Error(t, err)
}

func TestModel_ChangepointsStayInRange(t *testing.T) {
	m := New(DefaultOptions())
	_, err := m.Train(series(100, trendWeekly))
	require.NoError(t, err)

	require.Len(t, m.fit.Changepoints, 25)
	for _, c := range m.fit.Changepoints {
		assert.Greater(t, c, 0.0)
		assert.LessOrEqual(t, c, 0.8+1e-9)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	m := New(DefaultOptions())
	_, err := m.Train(series(120, trendWeekly))
	require.NoError(t, err)

	snap, err := m.Snapshot()
	require.NoError(t, err)
	restored, err := FromSnapshot(snap)
	require.NoError(t, err)

	want, _ := m.Predict(10, 0.9)
	got, err := restored.Predict(10, 0.9)
	require.NoError(t, err)
	for i := range want.Points {
		assert.Equal(t, want.Points[i].Date, got.Points[i].Date)
		assert.InDelta(t, want.Points[i].Predicted, got.Points[i].Predicted, 1e-9)
		assert.InDelta(t, want.Points[i].Upper, got.Points[i].Upper, 1e-9)
	}
	assert.Equal(t, true, restored.Info()["trained"])
}

func TestRidge_LeastSquares(t *testing.T) {
	beta, err := ridge([][]float64{{1, 0}, {0, 1}, {1, 1}}, []float64{1, 2, 3}, []float64{0, 0})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, beta[0], 1e-9)
	assert.InDelta(t, 2.0, beta[1], 1e-9)
}

func TestRidge_PenaltyShrinks(t *testing.T) {
	beta, err := ridge([][]float64{{1}, {1}}, []float64{2, 4}, []float64{2})
	require.NoError(t, err)
	assert.InDelta(t, 1.5, beta[0], 1e-9)
}

func TestRidge_Singular(t *testing.T) {
	_, err := ridge([][]float64{{1, 1}, {1, 1}}, []float64{1, 2}, []float64{0, 0})
	assert.ErrorIs(t, err, errSingular)
}
