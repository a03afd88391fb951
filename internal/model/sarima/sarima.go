// Package sarima wraps a seasonal ARIMA estimator behind model.Model.
package sarima

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/fractal-lba/orion/internal/config"
	"github.com/fractal-lba/orion/internal/eval"
	"github.com/fractal-lba/orion/internal/model"
	gsarima "github.com/sartorproj/goarima/sarima"
	"github.com/sartorproj/goarima/stats"
	"github.com/sartorproj/goarima/timeseries"
)

// Options configures the SARIMA model.
type Options struct {
	Order     config.Order         `json:"order"`
	Seasonal  config.SeasonalOrder `json:"seasonal_order"`
	AutoOrder bool                 `json:"auto_order"`
	MaxP      int                  `json:"max_p"`
	MaxD      int                  `json:"max_d"`
	MaxQ      int                  `json:"max_q"`
}

// DefaultOptions returns (1,1,1)(1,1,1,12) with order search bounds 3,2,3.
func DefaultOptions() Options {
	return Options{
		Order:    config.Order{P: 1, D: 1, Q: 1},
		Seasonal: config.SeasonalOrder{P: 1, D: 1, Q: 1, S: 12},
		MaxP:     3,
		MaxD:     2,
		MaxQ:     3,
	}
}

// OptionsFromConfig reads orders from service configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	opts := DefaultOptions()
	opts.Order = cfg.SARIMAOrder
	opts.Seasonal = cfg.SARIMASeasonalOrder
	return opts
}

// Model is a seasonal autoregressive forecaster. The fitted estimator is
// private to the instance.
type Model struct {
	opts   Options
	order  config.Order
	fitted *gsarima.Model
	train  model.Series
	result *model.TrainResult
}

var _ model.Model = (*Model)(nil)

// New creates an untrained SARIMA model.
func New(opts Options) *Model {
	return &Model{opts: opts, order: opts.Order}
}

// Kind implements model.Model.
func (m *Model) Kind() model.Kind { return model.KindSARIMA }

// Stationarity is an Augmented Dickey-Fuller test outcome.
type Stationarity struct {
	Statistic      float64            `json:"adf_statistic"`
	PValue         float64            `json:"p_value"`
	Lags           int                `json:"lags"`
	CriticalValues map[string]float64 `json:"critical_values"`
	IsStationary   bool               `json:"is_stationary"`
}

// CheckStationarity runs an ADF test; the series is stationary iff p < 0.05.
func CheckStationarity(values []float64) (*Stationarity, error) {
	res := stats.ADF(timeseries.New(values), 0)
	if res == nil {
		return nil, fmt.Errorf("ADF test needs more observations, got %d", len(values))
	}
	return &Stationarity{
		Statistic:      res.Statistic,
		PValue:         res.PValue,
		Lags:           res.Lags,
		CriticalValues: res.CriticalVals,
		IsStationary:   res.PValue < 0.05,
	}, nil
}

// AutoSelectOrder grid-searches p, d, q with the seasonal order fixed and
// keeps the lowest AIC. Fits that fail or produce a non-finite AIC are
// skipped; (1,1,1) is returned when nothing fits.
func AutoSelectOrder(values []float64, seasonal config.SeasonalOrder, maxP, maxD, maxQ int) (config.Order, float64) {
	series := timeseries.New(values)
	best := config.Order{P: 1, D: 1, Q: 1}
	bestAIC := math.Inf(1)
	for p := 0; p <= maxP; p++ {
		for d := 0; d <= maxD; d++ {
			for q := 0; q <= maxQ; q++ {
				est := gsarima.New(p, d, q, seasonal.P, seasonal.D, seasonal.Q, seasonal.S)
				if err := est.Fit(series); err != nil {
					continue
				}
				if math.IsNaN(est.AIC) || math.IsInf(est.AIC, 0) {
					continue
				}
				if est.AIC < bestAIC {
					best, bestAIC = config.Order{P: p, D: d, Q: q}, est.AIC
				}
			}
		}
	}
	return best, bestAIC
}

// Train fits the model; a previous fit is discarded.
func (m *Model) Train(s model.Series) (*model.TrainResult, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if m.opts.AutoOrder {
		order, aic := AutoSelectOrder(s.Values, m.opts.Seasonal, m.opts.MaxP, m.opts.MaxD, m.opts.MaxQ)
		log.Printf("sarima: selected order %v (AIC=%.2f)", order, aic)
		m.order = order
	}

	seas := m.opts.Seasonal
	est := gsarima.New(m.order.P, m.order.D, m.order.Q, seas.P, seas.D, seas.Q, seas.S)
	if err := est.Fit(timeseries.New(append([]float64(nil), s.Values...))); err != nil {
		m.fitted = nil
		return nil, fmt.Errorf("sarima fit failed: %w", err)
	}
	if math.IsNaN(est.Variance) || math.IsInf(est.Variance, 0) {
		m.fitted = nil
		return nil, errors.New("sarima fit failed: non-finite residual variance")
	}

	m.fitted = est
	m.train = model.Series{
		Dates:  append([]time.Time(nil), s.Dates...),
		Values: append([]float64(nil), s.Values...),
	}

	actual, fitted := m.inSample()
	diag := map[string]any{
		"order":          []int{m.order.P, m.order.D, m.order.Q},
		"seasonal_order": []int{seas.P, seas.D, seas.Q, seas.S},
		"aic":            est.AIC,
		"bic":            est.BIC,
		"aicc":           est.AICc,
		"log_likelihood": est.LogLik,
		"variance":       est.Variance,
	}
	if st, err := CheckStationarity(s.Values); err == nil {
		diag["stationarity"] = st
	}
	if sum := est.Summary(); sum != nil && sum.LjungBox != nil {
		diag["ljung_box_p_value"] = sum.LjungBox.PValue
	}

	m.result = &model.TrainResult{
		Kind:        model.KindSARIMA,
		Metrics:     eval.Compute(actual, fitted),
		Diagnostics: diag,
		Samples:     s.Len(),
		TrainedAt:   time.Now().UTC(),
	}
	log.Printf("sarima: trained on %d samples, AIC=%.2f MAPE=%.2f%%", s.Len(), est.AIC, m.result.Metrics.MAPE)
	return m.result, nil
}

// inSample reconstructs one-step fitted values on the original scale.
// One-step errors are identical before and after differencing, so
// fitted = actual - residual for every post-differencing position past the
// estimator's warm-up.
func (m *Model) inSample() (actual, fitted []float64) {
	resid := m.fitted.Residuals()
	seas := m.opts.Seasonal
	offset := len(m.train.Values) - len(resid)
	burn := max(m.order.P, m.order.Q, seas.P*seas.S, seas.Q*seas.S)
	if offset < 0 || burn >= len(resid) {
		return nil, nil
	}
	actual = m.train.Values[offset+burn:]
	fitted = make([]float64, len(actual))
	for i := range fitted {
		fitted[i] = actual[i] - resid[burn+i]
	}
	return actual, fitted
}

// Predict forecasts steps days after the last training date with
// model-native intervals at the given confidence. Values are floored at 0.
func (m *Model) Predict(steps int, confidence float64) (*model.Forecast, error) {
	if m.fitted == nil {
		return nil, model.ErrNotTrained
	}
	if steps < 1 {
		return nil, fmt.Errorf("steps must be at least 1, got %d", steps)
	}
	mean, lower, upper, err := m.fitted.PredictWithInterval(steps, confidence)
	if err != nil {
		return nil, fmt.Errorf("sarima predict failed: %w", err)
	}

	dates := model.FutureDates(m.train.Last(), steps)
	points := make([]model.Point, steps)
	for i := range points {
		p := model.Point{Date: dates[i], Predicted: mean[i], Lower: lower[i], Upper: upper[i]}
		if math.IsNaN(p.Predicted) || math.IsInf(p.Predicted, 0) {
			return nil, fmt.Errorf("sarima predict produced non-finite value at step %d", i+1)
		}
		p.Floor()
		points[i] = p
	}
	return &model.Forecast{
		Kind:       model.KindSARIMA,
		Version:    model.Version,
		Confidence: confidence,
		Points:     points,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// Evaluate forecasts len(test) steps and scores them against test.
func (m *Model) Evaluate(test model.Series) (*model.EvalResult, error) {
	if m.fitted == nil {
		return nil, model.ErrNotTrained
	}
	if test.Len() == 0 {
		return nil, errors.New("evaluation series is empty")
	}
	fc, err := m.Predict(test.Len(), 0.95)
	if err != nil {
		return nil, err
	}
	pred := fc.Predictions()
	actual, pred := eval.AlignTail(test.Values, pred)
	return &model.EvalResult{
		Metrics:   eval.Compute(actual, pred),
		Samples:   len(actual),
		Predicted: pred,
	}, nil
}

// Info implements model.Model.
func (m *Model) Info() map[string]any {
	info := map[string]any{
		"model_type":     string(model.KindSARIMA),
		"order":          []int{m.order.P, m.order.D, m.order.Q},
		"seasonal_order": []int{m.opts.Seasonal.P, m.opts.Seasonal.D, m.opts.Seasonal.Q, m.opts.Seasonal.S},
		"trained":        m.fitted != nil,
	}
	if m.fitted != nil {
		info["aic"] = m.fitted.AIC
		info["bic"] = m.fitted.BIC
		info["training_samples"] = m.train.Len()
		info["last_training_date"] = m.train.Last().Format("2006-01-02")
	}
	return info
}

type state struct {
	Order     config.Order `json:"selected_order"`
	Start     time.Time    `json:"start"`
	Values    []float64    `json:"values"`
	ARCoeffs  []float64    `json:"ar_coeffs"`
	MACoeffs  []float64    `json:"ma_coeffs"`
	SARCoeffs []float64    `json:"sar_coeffs"`
	SMACoeffs []float64    `json:"sma_coeffs"`
	Intercept float64      `json:"intercept"`
	Variance  float64      `json:"variance"`
}

// Snapshot serializes options, the training window, and fitted coefficients.
func (m *Model) Snapshot() (*model.Snapshot, error) {
	if m.fitted == nil {
		return nil, model.ErrNotTrained
	}
	params, err := json.Marshal(m.opts)
	if err != nil {
		return nil, err
	}
	st, err := json.Marshal(state{
		Order:     m.order,
		Start:     m.train.Dates[0],
		Values:    m.train.Values,
		ARCoeffs:  m.fitted.ARCoeffs,
		MACoeffs:  m.fitted.MACoeffs,
		SARCoeffs: m.fitted.SARCoeffs,
		SMACoeffs: m.fitted.SMACoeffs,
		Intercept: m.fitted.Intercept,
		Variance:  m.fitted.Variance,
	})
	if err != nil {
		return nil, err
	}
	return &model.Snapshot{
		Kind:      model.KindSARIMA,
		Version:   model.Version,
		Params:    params,
		State:     st,
		Training:  m.result,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// FromSnapshot rebuilds a trained model from a snapshot. The estimator is refit on
// the stored training window with the stored order; conditional sum of
// squares fitting is deterministic, so the coefficients match.
func FromSnapshot(snap *model.Snapshot) (*Model, error) {
	if snap.Kind != model.KindSARIMA {
		return nil, fmt.Errorf("snapshot is %s, not %s", snap.Kind, model.KindSARIMA)
	}
	var opts Options
	if err := json.Unmarshal(snap.Params, &opts); err != nil {
		return nil, fmt.Errorf("invalid sarima params: %w", err)
	}
	var st state
	if err := json.Unmarshal(snap.State, &st); err != nil {
		return nil, fmt.Errorf("invalid sarima state: %w", err)
	}

	opts.AutoOrder = false
	opts.Order = st.Order
	m := New(opts)
	dates := make([]time.Time, len(st.Values))
	for i := range dates {
		dates[i] = st.Start.AddDate(0, 0, i)
	}
	if _, err := m.Train(model.Series{Dates: dates, Values: st.Values}); err != nil {
		return nil, err
	}
	if snap.Training != nil {
		m.result = snap.Training
	}
	return m, nil
}
