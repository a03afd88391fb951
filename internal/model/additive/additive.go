// Package additive implements a decomposable forecaster: a piecewise-linear
// trend with automatic changepoints plus Fourier seasonality, fitted by
// regularised least squares.
package additive

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/fractal-lba/orion/internal/api"
	"github.com/fractal-lba/orion/internal/config"
	"github.com/fractal-lba/orion/internal/eval"
	"github.com/fractal-lba/orion/internal/model"
	"gonum.org/v1/gonum/floats"
)

// Options configures the additive model.
type Options struct {
	Yearly                bool    `json:"yearly_seasonality"`
	Weekly                bool    `json:"weekly_seasonality"`
	Daily                 bool    `json:"daily_seasonality"`
	YearlyOrder           int     `json:"yearly_order"`
	WeeklyOrder           int     `json:"weekly_order"`
	DailyOrder            int     `json:"daily_order"`
	Changepoints          int     `json:"n_changepoints"`
	ChangepointRange      float64 `json:"changepoint_range"`
	ChangepointPriorScale float64 `json:"changepoint_prior_scale"`
	SeasonalityPriorScale float64 `json:"seasonality_prior_scale"`
}

// DefaultOptions enables yearly and weekly seasonality.
func DefaultOptions() Options {
	return Options{
		Yearly:                true,
		Weekly:                true,
		YearlyOrder:           10,
		WeeklyOrder:           3,
		DailyOrder:            4,
		Changepoints:          25,
		ChangepointRange:      0.8,
		ChangepointPriorScale: 0.05,
		SeasonalityPriorScale: 10.0,
	}
}

// OptionsFromConfig reads prior scales from service configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	opts := DefaultOptions()
	opts.ChangepointPriorScale = cfg.ChangepointPriorScale
	opts.SeasonalityPriorScale = cfg.SeasonalityPriorScale
	return opts
}

type seasonality struct {
	Name   string  `json:"name"`
	Period float64 `json:"period"`
	Order  int     `json:"order"`
}

// fit is the complete fitted state. Time is scaled to [0, 1] over the
// training span and the target by its maximum absolute value.
type fit struct {
	Start        time.Time     `json:"start"`
	Last         time.Time     `json:"last"`
	SpanDays     float64       `json:"span_days"`
	YScale       float64       `json:"y_scale"`
	Changepoints []float64     `json:"changepoints"`
	Seasons      []seasonality `json:"seasonalities"`
	Beta         []float64     `json:"beta"`
	Sigma        float64       `json:"sigma"`
	Samples      int           `json:"samples"`
}

// Model is the additive trend and seasonality forecaster.
type Model struct {
	opts   Options
	fit    *fit
	result *model.TrainResult
}

var _ model.Model = (*Model)(nil)

// New creates an untrained additive model.
func New(opts Options) *Model {
	return &Model{opts: opts}
}

// Kind implements model.Model.
func (m *Model) Kind() model.Kind { return model.KindAdditive }

func (m *Model) seasonalities() []seasonality {
	var out []seasonality
	if m.opts.Yearly && m.opts.YearlyOrder > 0 {
		out = append(out, seasonality{Name: "yearly", Period: 365.25, Order: m.opts.YearlyOrder})
	}
	if m.opts.Weekly && m.opts.WeeklyOrder > 0 {
		out = append(out, seasonality{Name: "weekly", Period: 7, Order: m.opts.WeeklyOrder})
	}
	if m.opts.Daily && m.opts.DailyOrder > 0 {
		out = append(out, seasonality{Name: "daily", Period: 1, Order: m.opts.DailyOrder})
	}
	return out
}

// Train fits trend and seasonality; a previous fit is discarded.
func (m *Model) Train(s model.Series) (*model.TrainResult, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if s.Len() < 2 {
		return nil, errors.New("additive fit needs at least 2 observations")
	}
	m.fit = nil

	f := &fit{
		Start:   api.Day(s.Dates[0]),
		Last:    api.Day(s.Last()),
		Seasons: m.seasonalities(),
		Samples: s.Len(),
	}
	f.SpanDays = f.Last.Sub(f.Start).Hours() / 24
	if f.SpanDays <= 0 {
		f.SpanDays = 1
	}
	f.YScale = floats.Norm(s.Values, math.Inf(1))
	if f.YScale == 0 {
		f.YScale = 1
	}
	f.Changepoints = m.placeChangepoints(f, s.Dates)

	n := s.Len()
	rows := make([][]float64, n)
	y := make([]float64, n)
	for i, d := range s.Dates {
		rows[i] = f.design(d)
		y[i] = s.Values[i] / f.YScale
	}
	beta, err := ridge(rows, y, m.penalties(f))
	if err != nil {
		return nil, fmt.Errorf("additive fit failed: %w", err)
	}
	f.Beta = beta

	fitted := make([]float64, n)
	for i, d := range s.Dates {
		fitted[i] = f.predict(d)
	}
	f.Sigma = floats.Distance(s.Values, fitted, 2) / math.Sqrt(float64(n))
	m.fit = f

	m.result = &model.TrainResult{
		Kind:    model.KindAdditive,
		Metrics: eval.Compute(s.Values, fitted),
		Diagnostics: map[string]any{
			"changepoints":  len(f.Changepoints),
			"seasonalities": seasonNames(f.Seasons),
			"residual_std":  f.Sigma,
		},
		Samples:   n,
		TrainedAt: time.Now().UTC(),
	}
	log.Printf("additive: trained on %d samples, MAPE=%.2f%%", n, m.result.Metrics.MAPE)
	return m.result, nil
}

// placeChangepoints spreads changepoints uniformly over the first
// ChangepointRange of the history, excluding the first observation.
func (m *Model) placeChangepoints(f *fit, dates []time.Time) []float64 {
	limit := int(math.Floor(float64(len(dates)-1) * m.opts.ChangepointRange))
	k := m.opts.Changepoints
	if k > limit {
		k = limit
	}
	if k <= 0 {
		return nil
	}
	out := make([]float64, 0, k)
	for j := 1; j <= k; j++ {
		idx := int(math.Round(float64(j) * float64(limit) / float64(k)))
		out = append(out, f.scaleTime(dates[idx]))
	}
	return out
}

func (m *Model) penalties(f *fit) []float64 {
	p := make([]float64, f.width())
	p[0], p[1] = 1e-9, 1e-9
	cp := 1 / math.Max(m.opts.ChangepointPriorScale, 1e-9)
	sp := 1 / math.Max(m.opts.SeasonalityPriorScale, 1e-9)
	for i := 2; i < 2+len(f.Changepoints); i++ {
		p[i] = cp
	}
	for i := 2 + len(f.Changepoints); i < len(p); i++ {
		p[i] = sp
	}
	return p
}

func (f *fit) scaleTime(d time.Time) float64 {
	return api.Day(d).Sub(f.Start).Hours() / 24 / f.SpanDays
}

func (f *fit) width() int {
	w := 2 + len(f.Changepoints)
	for _, s := range f.Seasons {
		w += 2 * s.Order
	}
	return w
}

// design builds the regressor row for a date: intercept, slope, one hinge per
// changepoint, then sin/cos pairs per seasonality.
func (f *fit) design(d time.Time) []float64 {
	t := f.scaleTime(d)
	row := make([]float64, 0, f.width())
	row = append(row, 1, t)
	for _, c := range f.Changepoints {
		row = append(row, math.Max(0, t-c))
	}
	row = append(row, fourier(d, f.Seasons)...)
	return row
}

func fourier(d time.Time, seasons []seasonality) []float64 {
	days := float64(api.Day(d).Unix()) / 86400
	var out []float64
	for _, s := range seasons {
		for k := 1; k <= s.Order; k++ {
			x := 2 * math.Pi * float64(k) * days / s.Period
			out = append(out, math.Sin(x), math.Cos(x))
		}
	}
	return out
}

// components returns trend and seasonal contributions on the original scale.
func (f *fit) components(d time.Time) (trend, seasonal float64) {
	row := f.design(d)
	split := 2 + len(f.Changepoints)
	trend = floats.Dot(row[:split], f.Beta[:split])
	seasonal = floats.Dot(row[split:], f.Beta[split:])
	return trend * f.YScale, seasonal * f.YScale
}

func (f *fit) predict(d time.Time) float64 {
	trend, seasonal := f.components(d)
	return trend + seasonal
}

// Predict forecasts steps days after the last training date. Interval width
// grows with the horizon; predictions and bounds are clamped at 0.
func (m *Model) Predict(steps int, confidence float64) (*model.Forecast, error) {
	if m.fit == nil {
		return nil, model.ErrNotTrained
	}
	if steps < 1 {
		return nil, fmt.Errorf("steps must be at least 1, got %d", steps)
	}
	return &model.Forecast{
		Kind:       model.KindAdditive,
		Version:    model.Version,
		Confidence: confidence,
		Points:     m.pointsAt(model.FutureDates(m.fit.Last, steps), confidence),
		CreatedAt:  time.Now().UTC(),
	}, nil
}

func (m *Model) pointsAt(dates []time.Time, confidence float64) []model.Point {
	f := m.fit
	z := model.ZScore(confidence)
	points := make([]model.Point, len(dates))
	for i, d := range dates {
		trend, seasonal := f.components(d)
		h := math.Max(0, d.Sub(f.Last).Hours()/24)
		width := z * f.Sigma * math.Sqrt(1+h/float64(f.Samples))
		p := model.Point{
			Date:      d,
			Predicted: trend + seasonal,
			Lower:     trend + seasonal - width,
			Upper:     trend + seasonal + width,
			Trend:     &trend,
			Seasonal:  &seasonal,
		}
		p.Floor()
		points[i] = p
	}
	return points
}

// Evaluate applies the fitted model to the test dates and scores it.
func (m *Model) Evaluate(test model.Series) (*model.EvalResult, error) {
	if m.fit == nil {
		return nil, model.ErrNotTrained
	}
	if test.Len() == 0 {
		return nil, errors.New("evaluation series is empty")
	}
	points := m.pointsAt(test.Dates, 0.95)
	pred := make([]float64, len(points))
	for i, p := range points {
		pred[i] = p.Predicted
	}
	return &model.EvalResult{
		Metrics:   eval.Compute(test.Values, pred),
		Samples:   test.Len(),
		Predicted: pred,
	}, nil
}

// Info implements model.Model.
func (m *Model) Info() map[string]any {
	info := map[string]any{
		"model_type":              string(model.KindAdditive),
		"yearly_seasonality":      m.opts.Yearly,
		"weekly_seasonality":      m.opts.Weekly,
		"daily_seasonality":       m.opts.Daily,
		"changepoint_prior_scale": m.opts.ChangepointPriorScale,
		"seasonality_prior_scale": m.opts.SeasonalityPriorScale,
		"trained":                 m.fit != nil,
	}
	if m.fit != nil {
		info["training_samples"] = m.fit.Samples
		info["changepoints"] = len(m.fit.Changepoints)
		info["last_training_date"] = m.fit.Last.Format("2006-01-02")
	}
	return info
}

// Snapshot serializes options and the fitted coefficients.
func (m *Model) Snapshot() (*model.Snapshot, error) {
	if m.fit == nil {
		return nil, model.ErrNotTrained
	}
	params, err := json.Marshal(m.opts)
	if err != nil {
		return nil, err
	}
	st, err := json.Marshal(m.fit)
	if err != nil {
		return nil, err
	}
	return &model.Snapshot{
		Kind:      model.KindAdditive,
		Version:   model.Version,
		Params:    params,
		State:     st,
		Training:  m.result,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// FromSnapshot restores a predict-capable model without refitting.
func FromSnapshot(snap *model.Snapshot) (*Model, error) {
	if snap.Kind != model.KindAdditive {
		return nil, fmt.Errorf("snapshot is %s, not %s", snap.Kind, model.KindAdditive)
	}
	var opts Options
	if err := json.Unmarshal(snap.Params, &opts); err != nil {
		return nil, fmt.Errorf("invalid additive params: %w", err)
	}
	var f fit
	if err := json.Unmarshal(snap.State, &f); err != nil {
		return nil, fmt.Errorf("invalid additive state: %w", err)
	}
	if len(f.Beta) != f.width() {
		return nil, fmt.Errorf("additive state has %d coefficients, want %d", len(f.Beta), f.width())
	}
	return &Model{opts: opts, fit: &f, result: snap.Training}, nil
}

func seasonNames(s []seasonality) []string {
	out := make([]string, len(s))
	for i, x := range s {
		out[i] = x.Name
	}
	return out
}
