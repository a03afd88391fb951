package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the service. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	// Forecast pipeline
	ForecastsGenerated *prometheus.CounterVec
	ForecastsPersisted *prometheus.CounterVec
	ForecastDuration   *prometheus.HistogramVec
	ForecastAccuracy   prometheus.Histogram
	TrainingDuration   *prometheus.HistogramVec
	ModelErrors        *prometheus.CounterVec
	ActualsUpdated     prometheus.Counter
	SalesRecords       prometheus.Counter
	FrameCache         *prometheus.CounterVec

	// Insights
	InsightsGenerated *prometheus.CounterVec

	// Scheduler and queue
	TaskRuns     *prometheus.CounterVec
	TaskDuration *prometheus.HistogramVec
	QueueDepth   prometheus.Gauge

	// HTTP
	HTTPRequests *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ForecastsGenerated: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orion_forecasts_generated_total",
				Help: "Total number of forecast generation runs",
			},
			[]string{"model_type", "status"},
		),
		ForecastsPersisted: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orion_forecasts_persisted_total",
				Help: "Forecast rows written, by outcome (created, updated, failed)",
			},
			[]string{"model_type", "outcome"},
		),
		ForecastDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orion_forecast_duration_seconds",
				Help:    "Duration of forecast generation in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"model_type"},
		),
		ForecastAccuracy: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "orion_forecast_accuracy",
			Help:    "Validation MAPE of generated forecasts",
			Buckets: []float64{5, 10, 15, 20, 25, 30, 40, 50, 75, 100},
		}),
		TrainingDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orion_model_training_duration_seconds",
				Help:    "Duration of model training in seconds",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
			},
			[]string{"model_type"},
		),
		ModelErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orion_model_errors_total",
				Help: "Total number of model errors",
			},
			[]string{"model_type", "error_type"},
		),
		ActualsUpdated: f.NewCounter(prometheus.CounterOpts{
			Name: "orion_forecast_actuals_updated_total",
			Help: "Forecast rows reconciled with realized sales",
		}),
		SalesRecords: f.NewCounter(prometheus.CounterOpts{
			Name: "orion_sales_records_processed_total",
			Help: "Total number of sales records turned into feature frames",
		}),
		FrameCache: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orion_frame_cache_total",
				Help: "Feature frame cache lookups by result (hit, miss)",
			},
			[]string{"result"},
		),
		InsightsGenerated: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orion_insights_generated_total",
				Help: "Total number of insights generated",
			},
			[]string{"insight_type", "severity"},
		),
		TaskRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orion_tasks_total",
				Help: "Total number of scheduled task runs",
			},
			[]string{"task_name", "status"},
		),
		TaskDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orion_task_duration_seconds",
				Help:    "Duration of scheduled tasks in seconds",
				Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600},
			},
			[]string{"task_name"},
		),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "orion_queue_depth",
			Help: "Jobs waiting in the work queue",
		}),
		HTTPRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orion_http_requests_total",
				Help: "HTTP requests by route and status code",
			},
			[]string{"route", "code"},
		),
	}
}

// ObserveForecast records one generation run.
func (m *Metrics) ObserveForecast(modelType string, success bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "failure"
	}
	m.ForecastsGenerated.WithLabelValues(modelType, status).Inc()
	m.ForecastDuration.WithLabelValues(modelType).Observe(elapsed.Seconds())
}

// ObservePersist records upsert outcomes for one run.
func (m *Metrics) ObservePersist(modelType string, created, updated, failed int) {
	if m == nil {
		return
	}
	m.ForecastsPersisted.WithLabelValues(modelType, "created").Add(float64(created))
	m.ForecastsPersisted.WithLabelValues(modelType, "updated").Add(float64(updated))
	m.ForecastsPersisted.WithLabelValues(modelType, "failed").Add(float64(failed))
}

// ObserveTraining records a model fit.
func (m *Metrics) ObserveTraining(modelType string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.TrainingDuration.WithLabelValues(modelType).Observe(elapsed.Seconds())
}

// ObserveValidation records a validation MAPE.
func (m *Metrics) ObserveValidation(mape float64) {
	if m == nil {
		return
	}
	m.ForecastAccuracy.Observe(mape)
}

// ModelError counts a model failure by stage.
func (m *Metrics) ModelError(modelType, stage string) {
	if m == nil {
		return
	}
	m.ModelErrors.WithLabelValues(modelType, stage).Inc()
}

// ObserveActuals counts reconciled forecasts.
func (m *Metrics) ObserveActuals(updated int) {
	if m == nil {
		return
	}
	m.ActualsUpdated.Add(float64(updated))
}

// ObserveSales counts sales rows consumed.
func (m *Metrics) ObserveSales(n int) {
	if m == nil {
		return
	}
	m.SalesRecords.Add(float64(n))
}

// CacheLookup records a frame cache hit or miss.
func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.FrameCache.WithLabelValues("hit").Inc()
		return
	}
	m.FrameCache.WithLabelValues("miss").Inc()
}

// ObserveInsight counts a persisted insight.
func (m *Metrics) ObserveInsight(insightType, severity string) {
	if m == nil {
		return
	}
	m.InsightsGenerated.WithLabelValues(insightType, severity).Inc()
}

// ObserveTask records a scheduler task run.
func (m *Metrics) ObserveTask(task, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.TaskRuns.WithLabelValues(task, status).Inc()
	m.TaskDuration.WithLabelValues(task).Observe(elapsed.Seconds())
}

// SetQueueDepth reports pending jobs.
func (m *Metrics) SetQueueDepth(n int64) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// ObserveHTTP counts a served request.
func (m *Metrics) ObserveHTTP(route, code string) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, code).Inc()
}
