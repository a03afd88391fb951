package model

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/fractal-lba/orion/internal/api"
)

// ErrNotTrained is returned when Predict or Evaluate run before Train.
var ErrNotTrained = errors.New("model must be trained before use")

// Version is stamped on every forecast a model produces.
const Version = "1.0"

// Kind is the closed set of forecasting strategies.
type Kind string

const (
	KindSARIMA   Kind = "SARIMA"
	KindAdditive Kind = "Additive"
	KindEnsemble Kind = "Ensemble"
)

// Kinds lists every supported strategy.
var Kinds = []Kind{KindSARIMA, KindAdditive, KindEnsemble}

// ParseKind resolves a model name. "Prophet" is accepted for the additive model.
func ParseKind(name string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "sarima":
		return KindSARIMA, nil
	case "additive", "prophet":
		return KindAdditive, nil
	case "ensemble":
		return KindEnsemble, nil
	}
	names := make([]string, len(Kinds))
	for i, k := range Kinds {
		names[i] = string(k)
	}
	return "", fmt.Errorf("Model %s not supported. Choose from: %s", name, strings.Join(names, ", "))
}

// Model is the capability shared by every forecasting strategy.
// Each instance owns its fitted state exclusively.
type Model interface {
	Kind() Kind
	// Train fits the model. A returned error is a fit failure.
	Train(s Series) (*TrainResult, error)
	// Predict forecasts steps days after the last training date.
	Predict(steps int, confidence float64) (*Forecast, error)
	// Evaluate scores the model against held-out data.
	Evaluate(test Series) (*EvalResult, error)
	// Info describes configuration and training state.
	Info() map[string]any
}

// Series is a daily univariate target series.
type Series struct {
	Dates  []time.Time
	Values []float64
}

// Len returns the number of observations.
func (s Series) Len() int { return len(s.Values) }

// Last returns the final date.
func (s Series) Last() time.Time {
	if len(s.Dates) == 0 {
		return time.Time{}
	}
	return s.Dates[len(s.Dates)-1]
}

// Split cuts the series chronologically at int(n*(1-testFraction)).
func (s Series) Split(testFraction float64) (Series, Series) {
	idx := int(float64(s.Len()) * (1 - testFraction))
	if idx < 0 {
		idx = 0
	}
	if idx > s.Len() {
		idx = s.Len()
	}
	return s.Slice(0, idx), s.Slice(idx, s.Len())
}

// Slice returns the half-open range [from, to).
func (s Series) Slice(from, to int) Series {
	return Series{Dates: s.Dates[from:to], Values: s.Values[from:to]}
}

// Validate checks the series shape.
func (s Series) Validate() error {
	if len(s.Dates) != len(s.Values) {
		return fmt.Errorf("series has %d dates and %d values", len(s.Dates), len(s.Values))
	}
	if len(s.Values) == 0 {
		return errors.New("series is empty")
	}
	return nil
}

// TrainResult reports a successful fit.
type TrainResult struct {
	Kind        Kind           `json:"model_type"`
	Metrics     api.Metrics    `json:"metrics"`
	Diagnostics map[string]any `json:"diagnostics,omitempty"`
	Samples     int            `json:"training_samples"`
	TrainedAt   time.Time      `json:"trained_at"`
}

// EvalResult reports held-out accuracy.
type EvalResult struct {
	Metrics   api.Metrics `json:"metrics"`
	Samples   int         `json:"samples"`
	Predicted []float64   `json:"-"`
}

// Blend records how an ensemble point was assembled.
type Blend struct {
	SARIMA         float64 `json:"sarima_prediction"`
	Additive       float64 `json:"additive_prediction"`
	SARIMAWeight   float64 `json:"sarima_weight"`
	AdditiveWeight float64 `json:"additive_weight"`
}

// Point is a single daily forecast.
type Point struct {
	Date      time.Time `json:"date"`
	Predicted float64   `json:"predicted_quantity"`
	Lower     float64   `json:"confidence_lower"`
	Upper     float64   `json:"confidence_upper"`
	Trend     *float64  `json:"trend,omitempty"`
	Seasonal  *float64  `json:"seasonal,omitempty"`
	Blend     *Blend    `json:"blend,omitempty"`
}

// Forecast is a model's output for a horizon.
type Forecast struct {
	Kind       Kind      `json:"model_type"`
	Version    string    `json:"model_version"`
	Confidence float64   `json:"confidence_level"`
	Points     []Point   `json:"forecasts"`
	CreatedAt  time.Time `json:"created_at"`
}

// Predictions returns the point predictions in order.
func (f *Forecast) Predictions() []float64 {
	out := make([]float64, len(f.Points))
	for i, p := range f.Points {
		out[i] = p.Predicted
	}
	return out
}

// Floor clamps prediction and bounds at zero, preserving their order.
func (p *Point) Floor() {
	p.Predicted = math.Max(0, p.Predicted)
	p.Lower = math.Max(0, p.Lower)
	p.Upper = math.Max(0, p.Upper)
}

// FutureDates returns steps consecutive days after last.
func FutureDates(last time.Time, steps int) []time.Time {
	out := make([]time.Time, steps)
	base := api.Day(last)
	for i := range out {
		out[i] = base.AddDate(0, 0, i+1)
	}
	return out
}

// ZScore returns the two-sided normal quantile for a confidence level.
// Levels outside (0, 1) fall back to 0.95.
func ZScore(confidence float64) float64 {
	if confidence <= 0 || confidence >= 1 {
		confidence = 0.95
	}
	return math.Sqrt2 * math.Erfinv(confidence)
}
