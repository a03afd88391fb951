// Package insights derives time-bounded business observations from stored
// forecasts and recent sales history.
package insights

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/fractal-lba/orion/internal/api"
	"github.com/fractal-lba/orion/internal/features"
	"github.com/fractal-lba/orion/internal/metrics"
	"github.com/fractal-lba/orion/internal/store"
	"github.com/fractal-lba/orion/pkg/otel"
	"github.com/google/uuid"
)

// Store is the persistence the engine needs.
type Store interface {
	Forecasts(ctx context.Context, q store.ForecastQuery) ([]api.Forecast, error)
	store.InsightStore
}

// Engine generates and manages insights.
type Engine struct {
	store    Store
	engineer *features.Engineer
	metrics  *metrics.Metrics
	kpis     *metrics.KPITracker
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics counts generated insights.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithKPIs tracks the insight action rate.
func WithKPIs(k *metrics.KPITracker) Option {
	return func(e *Engine) { e.kpis = k }
}

// WithClock overrides the wall clock used for actioned_at and listings.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an insight engine. History is read through engineer so
// the baseline is the same gap-filled daily series the models train on.
func NewEngine(s Store, engineer *features.Engineer, opts ...Option) *Engine {
	e := &Engine{store: s, engineer: engineer, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Generate analyzes forecasts in [today, today+horizonDays] against the
// trailing 90 days of sales and persists the resulting insights.
func (e *Engine) Generate(ctx context.Context, filter api.Filter, horizonDays int, today time.Time) *api.InsightsResult {
	ctx, span := otel.StartSpan(ctx, "insights.generate", otel.AttrEntity.String(filter.String()))
	defer span.End()

	fail := func(msg string) *api.InsightsResult {
		log.Printf("insights: %s: %s", filter, msg)
		otel.RecordError(span, errors.New(msg))
		return &api.InsightsResult{Success: false, Error: msg, GeneratedAt: e.now().UTC()}
	}

	if filter.Empty() {
		return fail("product_id, sku or category_id is required")
	}
	today = api.Day(today)

	pts, err := e.forecastPoints(ctx, filter, today, today.AddDate(0, 0, horizonDays))
	if err != nil {
		return fail(err.Error())
	}
	if len(pts) == 0 {
		return fail("No forecasts found")
	}

	hist, err := e.history(ctx, filter, today)
	if err != nil {
		return fail(err.Error())
	}

	found := detect(pts, hist, scope{filter: filter, today: today})
	res := &api.InsightsResult{Success: true, GeneratedAt: e.now().UTC()}
	for i := range found {
		in := &found[i]
		res.InsightTypes = append(res.InsightTypes, in.Type)
		if err := e.store.InsertInsight(ctx, in); err != nil {
			res.InsightsFailed++
			log.Printf("insights: failed to store %s for %s: %v", in.Type, filter, err)
			continue
		}
		res.InsightIDs = append(res.InsightIDs, in.ID)
		e.metrics.ObserveInsight(string(in.Type), string(in.Severity))
	}
	res.InsightsCreated = len(res.InsightIDs)
	e.kpis.RecordInsightsCreated(res.InsightsCreated)

	log.Printf("insights: %s produced %d insights from %d forecast days and %d history days",
		filter, res.InsightsCreated, len(pts), len(hist))
	return res
}

// forecastPoints returns one point per date. When several horizons cover a
// date, the most recently generated row wins.
func (e *Engine) forecastPoints(ctx context.Context, filter api.Filter, from, to time.Time) ([]point, error) {
	rows, err := e.store.Forecasts(ctx, store.ForecastQuery{Filter: filter, From: from, To: to})
	if err != nil {
		return nil, fmt.Errorf("failed to load forecasts: %w", err)
	}

	latest := make(map[time.Time]api.Forecast, len(rows))
	for _, r := range rows {
		d := api.Day(r.ForecastDate)
		if cur, ok := latest[d]; !ok || r.GeneratedAt.After(cur.GeneratedAt) {
			latest[d] = r
		}
	}
	pts := make([]point, 0, len(latest))
	for d, r := range latest {
		pts = append(pts, point{date: d, predicted: r.PredictedQuantity})
	}
	sort.Slice(pts, func(i, j int) bool { return pts[i].date.Before(pts[j].date) })
	return pts, nil
}

// history returns daily quantities for each of the 90 days before today,
// with days without sales counted as 0. It is empty when the entity has no
// sales in that window.
func (e *Engine) history(ctx context.Context, filter api.Filter, today time.Time) ([]float64, error) {
	start := api.Day(today).AddDate(0, 0, -historyDays)
	frame, err := e.engineer.Build(ctx, filter, start, today.AddDate(0, 0, -1))
	if err != nil {
		return nil, err
	}
	if frame.Len() == 0 {
		return nil, nil
	}
	qty := frame.Quantity()
	out := make([]float64, historyDays)
	for i, d := range frame.Dates {
		if idx := int(api.Day(d).Sub(start).Hours() / 24); idx >= 0 && idx < historyDays {
			out[idx] = qty[i]
		}
	}
	return out, nil
}

// Active lists insights valid today.
func (e *Engine) Active(ctx context.Context, f store.ActiveFilter) ([]api.Insight, error) {
	return e.store.ActiveInsights(ctx, f, e.now())
}

// MarkRead flags an insight as read.
func (e *Engine) MarkRead(ctx context.Context, id uuid.UUID) error {
	return e.store.MarkRead(ctx, id)
}

// MarkActioned flags an insight as acted upon now.
func (e *Engine) MarkActioned(ctx context.Context, id uuid.UUID) error {
	if err := e.store.MarkActioned(ctx, id, e.now().UTC()); err != nil {
		return err
	}
	e.kpis.RecordInsightActioned()
	return nil
}
