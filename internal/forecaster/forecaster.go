// Package forecaster runs the per-entity forecasting pipeline: features,
// training, validation, prediction and idempotent persistence, plus actuals
// reconciliation, accuracy reporting and retention cleanup.
package forecaster

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"time"

	"github.com/fractal-lba/orion/internal/api"
	"github.com/fractal-lba/orion/internal/config"
	"github.com/fractal-lba/orion/internal/ensemble"
	"github.com/fractal-lba/orion/internal/eval"
	"github.com/fractal-lba/orion/internal/features"
	"github.com/fractal-lba/orion/internal/metrics"
	"github.com/fractal-lba/orion/internal/model"
	"github.com/fractal-lba/orion/internal/model/additive"
	"github.com/fractal-lba/orion/internal/model/sarima"
	"github.com/fractal-lba/orion/internal/registry"
	"github.com/fractal-lba/orion/internal/store"
	"github.com/fractal-lba/orion/pkg/otel"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// ErrNoActuals is returned by AccuracyReport when no forecast in range has
// a recorded actual.
var ErrNoActuals = errors.New("no forecasts with actual values found")

// validationFraction is the held-out tail used to score a model before the
// full refit.
const validationFraction = 0.2

// topFeatures is how many correlated features a result reports.
const topFeatures = 5

// Request selects what to forecast.
type Request struct {
	Filter      api.Filter `json:"filter"`
	HorizonDays int        `json:"forecast_horizon_days"`
	Model       string     `json:"model_name"`
}

// Store is the persistence the forecaster needs.
type Store interface {
	store.SalesStore
	store.ForecastStore
	DeleteInsightsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Forecaster orchestrates forecast generation for one entity at a time.
// It holds no per-request state; each Generate call owns its model.
type Forecaster struct {
	store    Store
	engineer *features.Engineer
	cfg      *config.Config
	metrics  *metrics.Metrics
	kpis     *metrics.KPITracker
	registry *registry.Registry
	now      func() time.Time
}

// Option configures a Forecaster.
type Option func(*Forecaster)

// WithMetrics records pipeline metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Forecaster) { f.metrics = m }
}

// WithKPIs publishes accuracy and reconciliation KPIs.
func WithKPIs(k *metrics.KPITracker) Option {
	return func(f *Forecaster) { f.kpis = k }
}

// WithRegistry saves a snapshot of every model used for a forecast.
func WithRegistry(r *registry.Registry) Option {
	return func(f *Forecaster) { f.registry = r }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(f *Forecaster) { f.now = now }
}

// New creates a forecaster.
func New(s Store, engineer *features.Engineer, cfg *config.Config, opts ...Option) *Forecaster {
	f := &Forecaster{store: s, engineer: engineer, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// newModel is the only place a model kind is turned into an implementation.
func (f *Forecaster) newModel(kind model.Kind) model.Model {
	switch kind {
	case model.KindSARIMA:
		return sarima.New(sarima.OptionsFromConfig(f.cfg))
	case model.KindAdditive:
		return additive.New(additive.OptionsFromConfig(f.cfg))
	default:
		return ensemble.New(
			sarima.New(sarima.OptionsFromConfig(f.cfg)),
			additive.New(additive.OptionsFromConfig(f.cfg)),
			ensemble.DefaultOptions(),
		)
	}
}

// Generate builds, validates and persists a forecast. Failures are reported
// in the result, never as a Go error.
func (f *Forecaster) Generate(ctx context.Context, req Request) *api.ForecastResult {
	start := time.Now()
	entity := req.Filter.String()
	if req.HorizonDays <= 0 {
		req.HorizonDays = f.cfg.ForecastHorizonDays
	}
	if req.Model == "" {
		req.Model = string(model.KindEnsemble)
	}

	ctx, span := otel.StartSpan(ctx, "forecast.generate", otel.ForecastAttributes(entity, req.Model, req.HorizonDays)...)
	defer span.End()

	log.Printf("forecaster: generating %d-day forecast for %s using %s", req.HorizonDays, entity, req.Model)

	res := f.generate(ctx, req)
	if !res.Success {
		log.Printf("forecaster: %s failed: %s", entity, res.Error)
		otel.RecordError(span, errors.New(res.Error))
	}
	label := res.ModelType
	if label == "" {
		label = req.Model
	}
	f.metrics.ObserveForecast(label, res.Success, time.Since(start))
	return res
}

func (f *Forecaster) generate(ctx context.Context, req Request) *api.ForecastResult {
	entity := req.Filter.String()
	if req.Filter.Empty() {
		return api.Failure(entity, "product_id, sku or category_id is required")
	}

	frame, err := f.buildFrame(ctx, req.Filter)
	if err != nil {
		return api.Failure(entity, err.Error())
	}
	if frame.Empty() {
		return api.Failure(entity, "No historical data available")
	}
	if frame.Len() < f.cfg.MinHistoryDays {
		return api.Failure(entity, fmt.Sprintf("Insufficient data: %d days available, %d required", frame.Len(), f.cfg.MinHistoryDays))
	}

	kind, err := model.ParseKind(req.Model)
	if err != nil {
		return api.Failure(entity, err.Error())
	}

	series := frame.Target()
	train, val := series.Split(validationFraction)

	m := f.newModel(kind)
	if _, err := f.train(ctx, m, train); err != nil {
		return api.Failure(entity, fmt.Sprintf("Training failed: %v", err))
	}

	var validation *api.Metrics
	if ev, err := m.Evaluate(val); err != nil {
		f.metrics.ModelError(string(kind), "evaluate")
		log.Printf("forecaster: validation of %s on %s failed: %v", kind, entity, err)
	} else {
		validation = &ev.Metrics
		f.metrics.ObserveValidation(ev.Metrics.MAPE)
		log.Printf("forecaster: %s validation MAPE=%.2f%% on %d days", kind, ev.Metrics.MAPE, ev.Samples)
	}

	// Refit on the full history so the horizon starts after the last sale.
	full, err := f.train(ctx, m, series)
	if err != nil {
		return api.Failure(entity, fmt.Sprintf("Training failed: %v", err))
	}

	fc, err := m.Predict(req.HorizonDays, f.cfg.ConfidenceLevel)
	if err != nil {
		f.metrics.ModelError(string(kind), "predict")
		return api.Failure(entity, fmt.Sprintf("Prediction failed: %v", err))
	}

	created, updated, failed := f.persist(ctx, req.Filter, kind, fc, full)
	f.metrics.ObservePersist(string(kind), created, updated, failed)
	f.saveSnapshots(m, entity)

	res := &api.ForecastResult{
		Success:           true,
		Entity:            entity,
		ForecastsCreated:  created,
		ForecastsUpdated:  updated,
		ForecastsFailed:   failed,
		ModelType:         string(kind),
		HorizonDays:       req.HorizonDays,
		TrainingMetrics:   &full.Metrics,
		ValidationMetrics: validation,
		ModelInfo:         m.Info(),
		GeneratedAt:       f.now().UTC(),
	}
	for _, p := range fc.Points {
		res.Dates = append(res.Dates, p.Date)
	}
	if imp := features.FeatureImportance(frame); len(imp) > 0 {
		if len(imp) > topFeatures {
			imp = imp[:topFeatures]
		}
		if res.ModelInfo == nil {
			res.ModelInfo = map[string]any{}
		}
		res.ModelInfo["top_features"] = imp
	}
	return res
}

func (f *Forecaster) buildFrame(ctx context.Context, filter api.Filter) (*features.Frame, error) {
	ctx, span := otel.StartSpan(ctx, "forecast.features", otel.AttrEntity.String(filter.String()))
	defer span.End()

	frame, err := f.engineer.Build(ctx, filter, time.Time{}, time.Time{})
	if err != nil {
		otel.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(otel.AttrRows.Int(frame.Len()))
	f.metrics.ObserveSales(frame.Len())
	return frame, nil
}

func (f *Forecaster) train(ctx context.Context, m model.Model, s model.Series) (*model.TrainResult, error) {
	_, span := otel.StartSpan(ctx, "forecast.train",
		otel.AttrModelType.String(string(m.Kind())),
		otel.AttrRows.Int(s.Len()),
	)
	defer span.End()

	start := time.Now()
	res, err := m.Train(s)
	f.metrics.ObserveTraining(string(m.Kind()), time.Since(start))
	if err != nil {
		f.metrics.ModelError(string(m.Kind()), "train")
		otel.RecordError(span, err)
		return nil, err
	}
	return res, nil
}

// persist upserts every point under the horizon label. A failed row is
// logged and counted, the rest continue.
func (f *Forecaster) persist(ctx context.Context, filter api.Filter, kind model.Kind, fc *model.Forecast, tr *model.TrainResult) (created, updated, failed int) {
	ctx, span := otel.StartSpan(ctx, "forecast.persist", otel.AttrEntity.String(filter.String()))
	defer func() {
		span.SetAttributes(otel.PersistAttributes(created, updated, failed)...)
		span.End()
	}()

	horizon := api.HorizonLabel(len(fc.Points))
	generated := f.now().UTC()
	for _, p := range fc.Points {
		row := &api.Forecast{
			EntityKind:        filter.Kind(),
			EntityKey:         filter.Key(),
			ForecastDate:      p.Date,
			Horizon:           horizon,
			PredictedQuantity: p.Predicted,
			LowerBound:        p.Lower,
			UpperBound:        p.Upper,
			ConfidenceLevel:   fc.Confidence,
			ModelName:         string(kind),
			ModelVersion:      fc.Version,
			TrainingMetrics:   eval.AsMap(tr.Metrics),
			GeneratedAt:       generated,
		}
		inserted, err := f.store.UpsertForecast(ctx, row)
		switch {
		case err != nil:
			failed++
			log.Printf("forecaster: failed to store %s forecast for %s: %v", filter, p.Date.Format("2006-01-02"), err)
		case inserted:
			created++
		default:
			updated++
		}
	}
	log.Printf("forecaster: stored %s forecasts for %s (created=%d updated=%d failed=%d)", horizon, filter, created, updated, failed)
	return created, updated, failed
}

func (f *Forecaster) saveSnapshots(m model.Model, entity string) {
	if f.registry == nil {
		return
	}
	models := []model.Model{m}
	if c, ok := m.(*ensemble.Combiner); ok {
		models = c.Components()
	}
	for _, mm := range models {
		s, ok := mm.(model.Snapshotter)
		if !ok {
			continue
		}
		snap, err := s.Snapshot()
		if err != nil {
			// A failed ensemble member has nothing to save.
			continue
		}
		snap.Entity = entity
		if _, err := f.registry.Save(snap); err != nil {
			log.Printf("forecaster: failed to save %s snapshot for %s: %v", mm.Kind(), entity, err)
		}
	}
}

// UpdateActuals copies realized sales for date onto forecasts that have no
// actual yet. Rows already reconciled are never touched again.
func (f *Forecaster) UpdateActuals(ctx context.Context, date time.Time) (*api.ActualsResult, error) {
	ctx, span := otel.StartSpan(ctx, "forecast.actuals")
	defer span.End()

	day := api.Day(date)
	rows, err := f.store.Forecasts(ctx, store.ForecastQuery{From: day, To: day, MissingActual: true})
	if err != nil {
		otel.RecordError(span, err)
		return nil, fmt.Errorf("failed to load forecasts for %s: %w", day.Format("2006-01-02"), err)
	}

	res := &api.ActualsResult{Date: day, ForecastsChecked: len(rows)}
	for _, row := range rows {
		filter := api.FilterFor(row.EntityKind, row.EntityKey)
		qty, found, err := f.store.DailyQuantity(ctx, filter, day)
		if err != nil {
			otel.RecordError(span, err)
			return nil, fmt.Errorf("failed to load sales for %s: %w", filter, err)
		}
		if !found {
			continue
		}
		ok, err := f.store.RecordActual(ctx, row.ID, qty)
		if err != nil {
			otel.RecordError(span, err)
			return nil, fmt.Errorf("failed to record actual for %s: %w", row.ID, err)
		}
		if ok {
			res.ForecastsUpdated++
		}
	}

	f.metrics.ObserveActuals(res.ForecastsUpdated)
	f.kpis.RecordReconciliation(res.ForecastsChecked, res.ForecastsUpdated)
	log.Printf("forecaster: actuals for %s checked=%d updated=%d", day.Format("2006-01-02"), res.ForecastsChecked, res.ForecastsUpdated)
	return res, nil
}

type accum struct {
	absErr []float64
	pct    []float64
}

func (a *accum) add(fc api.Forecast) {
	abs := math.Abs(*fc.PredictionError)
	a.absErr = append(a.absErr, abs)
	if actual := *fc.ActualQuantity; actual != 0 {
		a.pct = append(a.pct, abs/actual*100)
	}
}

func mean(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	return stat.Mean(v, nil)
}

func rms(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	return math.Sqrt(floats.Dot(v, v) / float64(len(v)))
}

// AccuracyReport aggregates accuracy over reconciled forecasts in
// [start, end], per model and overall.
func (f *Forecaster) AccuracyReport(ctx context.Context, start, end time.Time) (*api.AccuracyReport, error) {
	rows, err := f.store.Forecasts(ctx, store.ForecastQuery{From: start, To: end, WithActual: true})
	if err != nil {
		return nil, fmt.Errorf("failed to load forecasts: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNoActuals
	}

	overall := &accum{}
	byModel := map[string]*accum{}
	for _, row := range rows {
		name := row.ModelName
		if name == "" {
			name = "Unknown"
		}
		if byModel[name] == nil {
			byModel[name] = &accum{}
		}
		byModel[name].add(row)
		overall.add(row)
	}

	rep := &api.AccuracyReport{
		Start:       api.Day(start),
		End:         api.Day(end),
		Models:      make(map[string]api.ModelAccuracy, len(byModel)),
		OverallMAE:  eval.Round2(mean(overall.absErr)),
		OverallMAPE: eval.Round2(mean(overall.pct)),
		Samples:     len(rows),
	}
	names := make([]string, 0, len(byModel))
	for name := range byModel {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		a := byModel[name]
		acc := api.ModelAccuracy{
			MAE:   eval.Round2(mean(a.absErr)),
			RMSE:  eval.Round2(rms(a.absErr)),
			MAPE:  eval.Round2(mean(a.pct)),
			Count: len(a.absErr),
		}
		rep.Models[name] = acc
		f.kpis.RecordModelMAPE(name, acc.MAPE)
	}
	return rep, nil
}

// Cleanup deletes forecasts dated, and insights expiring, before
// today minus retentionDays.
func (f *Forecaster) Cleanup(ctx context.Context, retentionDays int) (*api.CleanupResult, error) {
	if retentionDays <= 0 {
		retentionDays = f.cfg.RetentionDays
	}
	cutoff := api.Day(f.now()).AddDate(0, 0, -retentionDays)

	forecasts, err := f.store.DeleteForecastsBefore(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to delete forecasts: %w", err)
	}
	insights, err := f.store.DeleteInsightsBefore(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to delete insights: %w", err)
	}
	log.Printf("forecaster: cleanup before %s removed %d forecasts and %d insights", cutoff.Format("2006-01-02"), forecasts, insights)
	return &api.CleanupResult{Cutoff: cutoff, ForecastsDeleted: forecasts, InsightsDeleted: insights}, nil
}
