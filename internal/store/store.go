// Package store persists sales history, forecasts, and insights.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/fractal-lba/orion/internal/api"
	"github.com/google/uuid"
)

// ErrNotFound is returned when a row addressed by id does not exist.
var ErrNotFound = errors.New("not found")

// SalesStore reads raw sales history.
type SalesStore interface {
	// Sales returns rows for the filter ordered by sale date. Zero from/to
	// leave that side of the range open.
	Sales(ctx context.Context, filter api.Filter, from, to time.Time) ([]api.SalesRecord, error)

	// DailyQuantity sums quantity sold for the entity on date. found is false
	// when no sales rows exist for that day.
	DailyQuantity(ctx context.Context, filter api.Filter, date time.Time) (qty float64, found bool, err error)

	// ActiveProducts lists products with sales on or after since.
	ActiveProducts(ctx context.Context, since time.Time) ([]api.Filter, error)
}

// ForecastQuery selects stored forecasts. Zero values are unconstrained.
type ForecastQuery struct {
	Filter         api.Filter
	From           time.Time
	To             time.Time
	Horizon        string
	WithActual     bool
	MissingActual  bool
	GeneratedSince time.Time
}

// ForecastStore persists forecasts keyed on entity, forecast date, and
// horizon label.
type ForecastStore interface {
	// UpsertForecast inserts or overwrites the row with the same identity
	// key. inserted reports which happened; f.ID is set to the stored id.
	UpsertForecast(ctx context.Context, f *api.Forecast) (inserted bool, err error)

	// Forecasts returns matching rows ordered by forecast date.
	Forecasts(ctx context.Context, q ForecastQuery) ([]api.Forecast, error)

	// RecordActual sets the realized quantity and error on a row that has no
	// actual yet. It reports false when the row already had one.
	RecordActual(ctx context.Context, id uuid.UUID, actual float64) (bool, error)

	// ForecastEntities lists entities with forecasts on or after from that
	// were generated on or after generatedSince.
	ForecastEntities(ctx context.Context, from, generatedSince time.Time) ([]api.Filter, error)

	// DeleteForecastsBefore removes rows with forecast_date < cutoff.
	DeleteForecastsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// ActiveFilter selects insights for listing.
type ActiveFilter struct {
	ProductID  string
	Severity   api.Severity
	UnreadOnly bool
}

// InsightStore persists insights.
type InsightStore interface {
	InsertInsight(ctx context.Context, in *api.Insight) error

	// ActiveInsights returns insights valid on today, highest severity first
	// and newest first within a severity.
	ActiveInsights(ctx context.Context, f ActiveFilter, today time.Time) ([]api.Insight, error)

	MarkRead(ctx context.Context, id uuid.UUID) error
	MarkActioned(ctx context.Context, id uuid.UUID, at time.Time) error

	// DeleteInsightsBefore removes insights with valid_until < cutoff.
	DeleteInsightsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store is the full persistence surface.
type Store interface {
	SalesStore
	ForecastStore
	InsightStore
	Close() error
}
