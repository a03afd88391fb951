package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/fractal-lba/orion/internal/api"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func newMemory(t *testing.T) *MemoryStore {
	t.Helper()
	m, err := NewMemoryStore("")
	require.NoError(t, err)
	return m
}

func forecast(key string, date time.Time, predicted float64) *api.Forecast {
	return &api.Forecast{
		EntityKind:        api.EntityProduct,
		EntityKey:         key,
		ForecastDate:      date,
		Horizon:           "30-day",
		PredictedQuantity: predicted,
		LowerBound:        predicted - 1,
		UpperBound:        predicted + 1,
		ConfidenceLevel:   0.95,
		ModelName:         "Ensemble",
		ModelVersion:      "1.0",
		GeneratedAt:       time.Now().UTC(),
	}
}

func TestMemory_SalesFilterAndRange(t *testing.T) {
	m := newMemory(t)
	m.AddSales(
		api.SalesRecord{SaleDate: day(2024, 1, 3), ProductID: "p1", SKU: "A", QuantitySold: 3, UnitPrice: decimal.NewFromInt(1)},
		api.SalesRecord{SaleDate: day(2024, 1, 1), ProductID: "p1", SKU: "A", QuantitySold: 1, UnitPrice: decimal.NewFromInt(1)},
		api.SalesRecord{SaleDate: day(2024, 1, 2), ProductID: "p2", SKU: "B", QuantitySold: 9, UnitPrice: decimal.NewFromInt(1)},
	)
	ctx := context.Background()

	rows, err := m.Sales(ctx, api.Filter{ProductID: "p1"}, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, day(2024, 1, 1), rows[0].SaleDate)
	assert.NotEqual(t, uuid.Nil, rows[0].ID)

	rows, err = m.Sales(ctx, api.Filter{SKU: "A"}, day(2024, 1, 2), time.Time{})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	qty, found, err := m.DailyQuantity(ctx, api.Filter{ProductID: "p2"}, day(2024, 1, 2))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 9.0, qty)

	_, found, err = m.DailyQuantity(ctx, api.Filter{ProductID: "p2"}, day(2024, 1, 3))
	require.NoError(t, err)
	assert.False(t, found)

	active, err := m.ActiveProducts(ctx, day(2024, 1, 2))
	require.NoError(t, err)
	assert.Equal(t, []api.Filter{{ProductID: "p1"}, {ProductID: "p2"}}, active)
}

func TestMemory_UpsertIsIdempotent(t *testing.T) {
	m := newMemory(t)
	ctx := context.Background()

	first := forecast("p1", day(2024, 2, 1), 10)
	inserted, err := m.UpsertForecast(ctx, first)
	require.NoError(t, err)
	assert.True(t, inserted)

	second := forecast("p1", day(2024, 2, 1), 12)
	inserted, err = m.UpsertForecast(ctx, second)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, first.ID, second.ID)

	rows, err := m.Forecasts(ctx, ForecastQuery{Filter: api.Filter{ProductID: "p1"}})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 12.0, rows[0].PredictedQuantity)

	other := forecast("p1", day(2024, 2, 1), 5)
	other.Horizon = "7-day"
	inserted, err = m.UpsertForecast(ctx, other)
	require.NoError(t, err)
	assert.True(t, inserted, "different horizon is a different row")
}

func TestMemory_RecordActualOnce(t *testing.T) {
	m := newMemory(t)
	ctx := context.Background()
	f := forecast("p1", day(2024, 2, 1), 10)
	_, err := m.UpsertForecast(ctx, f)
	require.NoError(t, err)

	updated, err := m.RecordActual(ctx, f.ID, 13)
	require.NoError(t, err)
	assert.True(t, updated)

	updated, err = m.RecordActual(ctx, f.ID, 99)
	require.NoError(t, err)
	assert.False(t, updated)

	rows, err := m.Forecasts(ctx, ForecastQuery{WithActual: true})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 13.0, *rows[0].ActualQuantity)
	assert.Equal(t, 3.0, *rows[0].PredictionError)

	missing, err := m.Forecasts(ctx, ForecastQuery{MissingActual: true})
	require.NoError(t, err)
	assert.Empty(t, missing)

	_, err = m.RecordActual(ctx, uuid.New(), 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_UpsertKeepsActual(t *testing.T) {
	m := newMemory(t)
	ctx := context.Background()
	f := forecast("p1", day(2024, 2, 1), 10)
	_, err := m.UpsertForecast(ctx, f)
	require.NoError(t, err)
	_, err = m.RecordActual(ctx, f.ID, 13)
	require.NoError(t, err)

	_, err = m.UpsertForecast(ctx, forecast("p1", day(2024, 2, 1), 11))
	require.NoError(t, err)

	rows, _ := m.Forecasts(ctx, ForecastQuery{})
	require.Len(t, rows, 1)
	assert.Equal(t, 13.0, *rows[0].ActualQuantity)
	assert.Equal(t, 2.0, *rows[0].PredictionError)
}

func TestMemory_DeleteForecastsBefore(t *testing.T) {
	m := newMemory(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := m.UpsertForecast(ctx, forecast("p1", day(2024, 3, 1).AddDate(0, 0, i), 1))
		require.NoError(t, err)
	}

	n, err := m.DeleteForecastsBefore(ctx, day(2024, 3, 3))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	rows, _ := m.Forecasts(ctx, ForecastQuery{})
	assert.Len(t, rows, 3)
}

func TestMemory_ForecastEntities(t *testing.T) {
	m := newMemory(t)
	ctx := context.Background()
	_, _ = m.UpsertForecast(ctx, forecast("p1", day(2024, 3, 1), 1))
	_, _ = m.UpsertForecast(ctx, forecast("p1", day(2024, 3, 2), 1))
	_, _ = m.UpsertForecast(ctx, forecast("p2", day(2024, 2, 1), 1))

	got, err := m.ForecastEntities(ctx, day(2024, 3, 1), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, []api.Filter{{ProductID: "p1"}}, got)
}

func TestMemory_ActiveInsightsOrdering(t *testing.T) {
	m := newMemory(t)
	ctx := context.Background()
	today := day(2024, 4, 10)
	base := time.Date(2024, 4, 10, 8, 0, 0, 0, time.UTC)

	insert := func(sev api.Severity, created time.Time, until time.Time) *api.Insight {
		in := &api.Insight{
			Type: api.InsightReorderAlert, Severity: sev, ProductID: "p1",
			ValidFrom: today.AddDate(0, 0, -1), ValidUntil: until, CreatedAt: created,
		}
		require.NoError(t, m.InsertInsight(ctx, in))
		return in
	}
	low := insert(api.SeverityLow, base.Add(time.Hour), today.AddDate(0, 0, 5))
	oldHigh := insert(api.SeverityHigh, base, today.AddDate(0, 0, 5))
	newHigh := insert(api.SeverityHigh, base.Add(2*time.Hour), today.AddDate(0, 0, 5))
	insert(api.SeverityCritical, base, today.AddDate(0, 0, -1))

	got, err := m.ActiveInsights(ctx, ActiveFilter{}, today)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, newHigh.ID, got[0].ID)
	assert.Equal(t, oldHigh.ID, got[1].ID)
	assert.Equal(t, low.ID, got[2].ID)

	require.NoError(t, m.MarkRead(ctx, newHigh.ID))
	unread, err := m.ActiveInsights(ctx, ActiveFilter{UnreadOnly: true}, today)
	require.NoError(t, err)
	assert.Len(t, unread, 2)

	highs, err := m.ActiveInsights(ctx, ActiveFilter{Severity: api.SeverityHigh}, today)
	require.NoError(t, err)
	assert.Len(t, highs, 2)

	at := time.Now().UTC()
	require.NoError(t, m.MarkActioned(ctx, low.ID, at))
	got, _ = m.ActiveInsights(ctx, ActiveFilter{Severity: api.SeverityLow}, today)
	require.Len(t, got, 1)
	assert.True(t, got[0].IsActioned)
	assert.Equal(t, at, *got[0].ActionedAt)

	assert.ErrorIs(t, m.MarkRead(ctx, uuid.New()), ErrNotFound)
	assert.ErrorIs(t, m.MarkActioned(ctx, uuid.New(), at), ErrNotFound)

	n, err := m.DeleteInsightsBefore(ctx, today)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMemory_SnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orion.json")
	ctx := context.Background()

	m, err := NewMemoryStore(path)
	require.NoError(t, err)
	m.AddSales(api.SalesRecord{SaleDate: day(2024, 1, 1), ProductID: "p1", QuantitySold: 4})
	_, err = m.UpsertForecast(ctx, forecast("p1", day(2024, 1, 2), 4))
	require.NoError(t, err)
	require.NoError(t, m.Close())

	reloaded, err := NewMemoryStore(path)
	require.NoError(t, err)
	rows, err := reloaded.Sales(ctx, api.Filter{ProductID: "p1"}, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	inserted, err := reloaded.UpsertForecast(ctx, forecast("p1", day(2024, 1, 2), 5))
	require.NoError(t, err)
	assert.False(t, inserted)
}
