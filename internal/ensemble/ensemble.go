// Package ensemble blends the SARIMA and additive forecasters with
// accuracy-driven weights.
package ensemble

import (
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/fractal-lba/orion/internal/api"
	"github.com/fractal-lba/orion/internal/eval"
	"github.com/fractal-lba/orion/internal/model"
)

// failedMAPE is charged to a component that cannot be trained or evaluated
// during weight tuning.
const failedMAPE = 100.0

// Options configures the combiner.
type Options struct {
	SARIMAWeight       float64
	AdditiveWeight     float64
	AutoWeight         bool
	ValidationFraction float64
}

// DefaultOptions returns equal weights with auto-weighting on an 80/20 split.
func DefaultOptions() Options {
	return Options{SARIMAWeight: 0.5, AdditiveWeight: 0.5, AutoWeight: true, ValidationFraction: 0.2}
}

// Combiner owns one SARIMA and one additive component.
type Combiner struct {
	sarima   model.Model
	additive model.Model
	opts     Options

	sarimaWeight   float64
	additiveWeight float64

	trained bool
	result  *model.TrainResult
}

var _ model.Model = (*Combiner)(nil)

// New creates a combiner. Weights are renormalised to sum to 1; a
// non-positive total falls back to 0.5/0.5.
func New(sarima, additive model.Model, opts Options) *Combiner {
	c := &Combiner{sarima: sarima, additive: additive, opts: opts}
	c.sarimaWeight, c.additiveWeight = normalize(opts.SARIMAWeight, opts.AdditiveWeight)
	if c.opts.ValidationFraction <= 0 || c.opts.ValidationFraction >= 1 {
		c.opts.ValidationFraction = 0.2
	}
	return c
}

func normalize(s, a float64) (float64, float64) {
	total := s + a
	if total <= 0 || math.IsNaN(total) || math.IsInf(total, 0) {
		return 0.5, 0.5
	}
	return s / total, a / total
}

// Kind implements model.Model.
func (c *Combiner) Kind() model.Kind { return model.KindEnsemble }

// Weights returns the current SARIMA and additive weights.
func (c *Combiner) Weights() (sarima, additive float64) {
	return c.sarimaWeight, c.additiveWeight
}

// Components returns the SARIMA and additive members.
func (c *Combiner) Components() []model.Model {
	return []model.Model{c.sarima, c.additive}
}

// Train tunes weights on a chronological validation split when enabled,
// then refits both components on the full series. It fails only when
// neither component can be fitted.
func (c *Combiner) Train(s model.Series) (*model.TrainResult, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	c.trained = false

	if c.opts.AutoWeight && s.Len() > 30 {
		c.tuneWeights(s)
	}

	sRes, sErr := c.sarima.Train(s)
	if sErr != nil {
		log.Printf("ensemble: SARIMA training failed: %v", sErr)
	}
	aRes, aErr := c.additive.Train(s)
	if aErr != nil {
		log.Printf("ensemble: additive training failed: %v", aErr)
	}
	if sErr != nil && aErr != nil {
		return nil, &BothFailed{SARIMAErr: sErr, AdditiveErr: aErr}
	}

	diag := map[string]any{
		"sarima_weight":   c.sarimaWeight,
		"additive_weight": c.additiveWeight,
	}
	var metrics api.Metrics
	switch {
	case sErr == nil && aErr == nil:
		diag["sarima_metrics"] = sRes.Metrics
		diag["additive_metrics"] = aRes.Metrics
		metrics = blendMetrics(sRes.Metrics, aRes.Metrics, c.sarimaWeight, c.additiveWeight)
	case sErr == nil:
		diag["sarima_metrics"] = sRes.Metrics
		diag["additive_error"] = aErr.Error()
		metrics = sRes.Metrics
	default:
		diag["additive_metrics"] = aRes.Metrics
		diag["sarima_error"] = sErr.Error()
		metrics = aRes.Metrics
	}

	c.trained = true
	c.result = &model.TrainResult{
		Kind:        model.KindEnsemble,
		Metrics:     metrics,
		Diagnostics: diag,
		Samples:     s.Len(),
		TrainedAt:   time.Now().UTC(),
	}
	return c.result, nil
}

// tuneWeights sets weight_i proportional to 1/(MAPE_i + 1e-6) measured on
// the validation tail.
func (c *Combiner) tuneWeights(s model.Series) {
	train, val := s.Split(c.opts.ValidationFraction)
	sMAPE := validationMAPE(c.sarima, train, val)
	aMAPE := validationMAPE(c.additive, train, val)

	sInv := 1 / (sMAPE + 1e-6)
	aInv := 1 / (aMAPE + 1e-6)
	c.sarimaWeight, c.additiveWeight = normalize(sInv, aInv)
	log.Printf("ensemble: weights SARIMA=%.3f additive=%.3f (MAPE %.2f / %.2f)",
		c.sarimaWeight, c.additiveWeight, sMAPE, aMAPE)
}

func validationMAPE(m model.Model, train, val model.Series) float64 {
	if _, err := m.Train(train); err != nil {
		return failedMAPE
	}
	res, err := m.Evaluate(val)
	if err != nil {
		return failedMAPE
	}
	return res.Metrics.MAPE
}

func blendMetrics(s, a api.Metrics, ws, wa float64) api.Metrics {
	return api.Metrics{
		MAE:  ws*s.MAE + wa*a.MAE,
		RMSE: ws*s.RMSE + wa*a.RMSE,
		MAPE: ws*s.MAPE + wa*a.MAPE,
		R2:   ws*s.R2 + wa*a.R2,
	}
}

// Outcome is the result of Combine: exactly one of BothSucceeded,
// OneSucceeded, or BothFailed.
type Outcome interface {
	outcome()
}

// BothSucceeded carries the weighted blend.
type BothSucceeded struct {
	Forecast *model.Forecast
}

// OneSucceeded carries the surviving component's forecast unchanged.
type OneSucceeded struct {
	Survivor model.Kind
	Forecast *model.Forecast
	Failed   model.Kind
	Err      error
}

// BothFailed carries both component errors.
type BothFailed struct {
	SARIMAErr   error
	AdditiveErr error
}

func (BothSucceeded) outcome() {}
func (OneSucceeded) outcome()  {}
func (*BothFailed) outcome()   {}

func (e *BothFailed) Error() string {
	return fmt.Sprintf("both ensemble components failed: SARIMA: %v; additive: %v", e.SARIMAErr, e.AdditiveErr)
}

func (e *BothFailed) Unwrap() []error {
	return []error{e.SARIMAErr, e.AdditiveErr}
}

// Combine forecasts with both components and blends whatever succeeded.
func (c *Combiner) Combine(steps int, confidence float64) Outcome {
	sFc, sErr := c.sarima.Predict(steps, confidence)
	aFc, aErr := c.additive.Predict(steps, confidence)

	switch {
	case sErr == nil && aErr == nil:
		return BothSucceeded{Forecast: c.blend(sFc, aFc, confidence)}
	case sErr == nil:
		log.Printf("ensemble: additive prediction failed, using SARIMA only: %v", aErr)
		return OneSucceeded{Survivor: model.KindSARIMA, Forecast: sFc, Failed: model.KindAdditive, Err: aErr}
	case aErr == nil:
		log.Printf("ensemble: SARIMA prediction failed, using additive only: %v", sErr)
		return OneSucceeded{Survivor: model.KindAdditive, Forecast: aFc, Failed: model.KindSARIMA, Err: sErr}
	default:
		return &BothFailed{SARIMAErr: sErr, AdditiveErr: aErr}
	}
}

func (c *Combiner) blend(s, a *model.Forecast, confidence float64) *model.Forecast {
	ws, wa := c.sarimaWeight, c.additiveWeight
	n := min(len(s.Points), len(a.Points))
	points := make([]model.Point, n)
	for i := 0; i < n; i++ {
		sp, ap := s.Points[i], a.Points[i]
		p := model.Point{
			Date:      sp.Date,
			Predicted: ws*sp.Predicted + wa*ap.Predicted,
			Lower:     ws*sp.Lower + wa*ap.Lower,
			Upper:     ws*sp.Upper + wa*ap.Upper,
			Blend: &model.Blend{
				SARIMA:         sp.Predicted,
				Additive:       ap.Predicted,
				SARIMAWeight:   ws,
				AdditiveWeight: wa,
			},
		}
		p.Floor()
		points[i] = p
	}
	return &model.Forecast{
		Kind:       model.KindEnsemble,
		Version:    model.Version,
		Confidence: confidence,
		Points:     points,
		CreatedAt:  time.Now().UTC(),
	}
}

// Predict implements model.Model; BothFailed becomes an error.
func (c *Combiner) Predict(steps int, confidence float64) (*model.Forecast, error) {
	if !c.trained {
		return nil, model.ErrNotTrained
	}
	switch o := c.Combine(steps, confidence).(type) {
	case BothSucceeded:
		return o.Forecast, nil
	case OneSucceeded:
		return o.Forecast, nil
	case *BothFailed:
		return nil, o
	}
	return nil, errors.New("unknown ensemble outcome")
}

// Evaluate scores the blended forecast over the test horizon.
func (c *Combiner) Evaluate(test model.Series) (*model.EvalResult, error) {
	if !c.trained {
		return nil, model.ErrNotTrained
	}
	if test.Len() == 0 {
		return nil, errors.New("evaluation series is empty")
	}
	fc, err := c.Predict(test.Len(), 0.95)
	if err != nil {
		return nil, err
	}
	actual, pred := eval.AlignTail(test.Values, fc.Predictions())
	return &model.EvalResult{
		Metrics:   eval.Compute(actual, pred),
		Samples:   len(actual),
		Predicted: pred,
	}, nil
}

// Info implements model.Model.
func (c *Combiner) Info() map[string]any {
	return map[string]any{
		"model_type":      string(model.KindEnsemble),
		"sarima_weight":   c.sarimaWeight,
		"additive_weight": c.additiveWeight,
		"auto_weight":     c.opts.AutoWeight,
		"trained":         c.trained,
		"sarima":          c.sarima.Info(),
		"additive":        c.additive.Info(),
	}
}
