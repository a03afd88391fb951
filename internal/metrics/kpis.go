package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// KPITracker keeps business-facing forecast quality figures: per-model
// accuracy from the latest accuracy report, actuals coverage, and the share
// of insights acted upon.
type KPITracker struct {
	mu sync.RWMutex

	accuracyScore  *prometheus.GaugeVec
	modelMAPE      *prometheus.GaugeVec
	actualsCovered prometheus.Gauge
	actionRate     prometheus.Gauge

	checked  int64
	updated  int64
	created  int64
	actioned int64
	mape     map[string]float64
}

// NewKPITracker registers the KPI gauges with reg.
func NewKPITracker(reg prometheus.Registerer) *KPITracker {
	f := promauto.With(reg)
	return &KPITracker{
		accuracyScore: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "orion_model_accuracy_score",
				Help: "Current model accuracy score (100 - MAPE) from the latest accuracy report",
			},
			[]string{"model_type"},
		),
		modelMAPE: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "orion_model_mape",
				Help: "MAPE per model from the latest accuracy report",
			},
			[]string{"model_type"},
		),
		actualsCovered: f.NewGauge(prometheus.GaugeOpts{
			Name: "orion_actuals_coverage_ratio",
			Help: "Share of checked forecasts that were reconciled with realized sales",
		}),
		actionRate: f.NewGauge(prometheus.GaugeOpts{
			Name: "orion_insight_action_rate",
			Help: "Share of generated insights that were marked actioned",
		}),
		mape: make(map[string]float64),
	}
}

// RecordModelMAPE publishes a model's latest MAPE.
func (k *KPITracker) RecordModelMAPE(model string, mape float64) {
	if k == nil {
		return
	}
	k.mu.Lock()
	k.mape[model] = mape
	k.mu.Unlock()

	score := 100 - mape
	if score < 0 {
		score = 0
	}
	k.accuracyScore.WithLabelValues(model).Set(score)
	k.modelMAPE.WithLabelValues(model).Set(mape)
}

// RecordReconciliation accumulates an actuals pass.
func (k *KPITracker) RecordReconciliation(checked, updated int) {
	if k == nil {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	k.checked += int64(checked)
	k.updated += int64(updated)
	if k.checked > 0 {
		k.actualsCovered.Set(float64(k.updated) / float64(k.checked))
	}
}

// RecordInsightsCreated accumulates generated insights.
func (k *KPITracker) RecordInsightsCreated(n int) {
	if k == nil {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	k.created += int64(n)
	k.publishActionRate()
}

// RecordInsightActioned counts an insight marked actioned.
func (k *KPITracker) RecordInsightActioned() {
	if k == nil {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	k.actioned++
	k.publishActionRate()
}

func (k *KPITracker) publishActionRate() {
	if k.created > 0 {
		k.actionRate.Set(float64(k.actioned) / float64(k.created))
	}
}

// KPIReport is a point-in-time summary of the tracker.
type KPIReport struct {
	GeneratedAt     time.Time          `json:"generated_at"`
	ModelMAPE       map[string]float64 `json:"model_mape"`
	ActualsChecked  int64              `json:"actuals_checked"`
	ActualsUpdated  int64              `json:"actuals_updated"`
	InsightsCreated int64              `json:"insights_created"`
	InsightsActed   int64              `json:"insights_actioned"`
	ActionRate      float64            `json:"action_rate"`
	BestModel       string             `json:"best_model,omitempty"`
}

// Report summarizes the tracker; BestModel has the lowest MAPE.
func (k *KPITracker) Report() *KPIReport {
	k.mu.RLock()
	defer k.mu.RUnlock()

	r := &KPIReport{
		GeneratedAt:     time.Now().UTC(),
		ModelMAPE:       make(map[string]float64, len(k.mape)),
		ActualsChecked:  k.checked,
		ActualsUpdated:  k.updated,
		InsightsCreated: k.created,
		InsightsActed:   k.actioned,
	}
	if k.created > 0 {
		r.ActionRate = float64(k.actioned) / float64(k.created)
	}
	best := -1.0
	for name, mape := range k.mape {
		r.ModelMAPE[name] = mape
		if best < 0 || mape < best || (mape == best && name < r.BestModel) {
			best, r.BestModel = mape, name
		}
	}
	return r
}
