package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/fractal-lba/orion/internal/api"
	"github.com/fractal-lba/orion/internal/forecaster"
	"github.com/fractal-lba/orion/internal/metrics"
	"github.com/fractal-lba/orion/internal/queue"
	"github.com/fractal-lba/orion/pkg/otel"
)

// Limits bounds one task run.
type Limits struct {
	Hard       time.Duration // run is cancelled after this
	Soft       time.Duration // a warning is logged after this
	MaxRetries uint
	RetryBase  time.Duration // delay before retry n is RetryBase * 2^n
}

// DefaultLimits are the production task limits.
func DefaultLimits() Limits {
	return Limits{Hard: time.Hour, Soft: 50 * time.Minute, MaxRetries: 3, RetryBase: time.Minute}
}

// Runner executes named tasks under Limits.
type Runner struct {
	limits  Limits
	metrics *metrics.Metrics
}

// NewRunner creates a Runner.
func NewRunner(limits Limits, m *metrics.Metrics) *Runner {
	return &Runner{limits: limits, metrics: m}
}

// RunTask runs fn until it succeeds, returns a permanent error, or runs
// out of retries. Each attempt gets its own hard deadline.
func (r *Runner) RunTask(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, span := otel.StartSpan(ctx, "task."+name, otel.AttrTask.String(name))
	defer span.End()
	start := time.Now()

	attempt := 0
	op := func() (struct{}, error) {
		attempt++
		runCtx, cancel := context.WithTimeout(ctx, r.limits.Hard)
		defer cancel()

		soft := time.AfterFunc(r.limits.Soft, func() {
			log.Printf("scheduler: %s attempt %d exceeded soft limit %s", name, attempt, r.limits.Soft)
		})
		defer soft.Stop()

		err := fn(runCtx)
		if err != nil && ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     r.limits.RetryBase,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         r.limits.RetryBase << r.limits.MaxRetries,
	}
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(r.limits.MaxRetries+1),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Printf("scheduler: %s attempt %d failed, retrying in %s: %v", name, attempt, next, err)
		}),
	)

	status := "success"
	if err != nil {
		status = "failure"
		otel.RecordError(span, err)
		log.Printf("scheduler: %s failed after %d attempts: %v", name, attempt, err)
	}
	r.metrics.ObserveTask(name, status, time.Since(start))
	return err
}

// Forecasts is the forecasting surface the worker drives.
type Forecasts interface {
	Generate(ctx context.Context, req forecaster.Request) *api.ForecastResult
	UpdateActuals(ctx context.Context, date time.Time) (*api.ActualsResult, error)
	AccuracyReport(ctx context.Context, start, end time.Time) (*api.AccuracyReport, error)
	Cleanup(ctx context.Context, retentionDays int) (*api.CleanupResult, error)
}

// Insights is the insight surface the worker drives.
type Insights interface {
	Generate(ctx context.Context, filter api.Filter, horizonDays int, today time.Time) *api.InsightsResult
}

// FrameInvalidator drops cached feature frames for an entity.
type FrameInvalidator interface {
	Invalidate(filter api.Filter) int
}

// Worker pulls jobs off the queue and runs them.
type Worker struct {
	queue     queue.Queue
	forecasts Forecasts
	insights  Insights
	runner    *Runner
	metrics   *metrics.Metrics
	frames    FrameInvalidator
	poll      time.Duration
}

// InvalidateFrames makes forecast jobs rebuild features from fresh sales.
func (w *Worker) InvalidateFrames(f FrameInvalidator) { w.frames = f }

// NewWorker creates a Worker.
func NewWorker(q queue.Queue, f Forecasts, in Insights, runner *Runner, m *metrics.Metrics) *Worker {
	return &Worker{queue: q, forecasts: f, insights: in, runner: runner, metrics: m, poll: 5 * time.Second}
}

// Handle runs one job. Per-entity results that report failure are logged
// and not retried; only errors from the underlying calls are.
func (w *Worker) Handle(ctx context.Context, job *queue.Job) error {
	switch job.Kind {
	case queue.KindForecast:
		if w.frames != nil {
			w.frames.Invalidate(job.Filter)
		}
		return w.runner.RunTask(ctx, "generate_forecast_for_product", func(ctx context.Context) error {
			res := w.forecasts.Generate(ctx, forecaster.Request{Filter: job.Filter, HorizonDays: job.HorizonDays, Model: job.Model})
			if !res.Success {
				log.Printf("scheduler: forecast for %s not generated: %s", job.Filter, res.Error)
			}
			return ctx.Err()
		})

	case queue.KindInsights:
		return w.runner.RunTask(ctx, "generate_insights_for_product", func(ctx context.Context) error {
			res := w.insights.Generate(ctx, job.Filter, job.HorizonDays, job.Date)
			if !res.Success {
				log.Printf("scheduler: insights for %s not generated: %s", job.Filter, res.Error)
			}
			return ctx.Err()
		})

	case queue.KindActuals:
		return w.runner.RunTask(ctx, string(TaskActuals), func(ctx context.Context) error {
			res, err := w.forecasts.UpdateActuals(ctx, job.Date)
			if err != nil {
				return err
			}
			log.Printf("scheduler: actuals for %s: %d checked, %d updated",
				res.Date.Format("2006-01-02"), res.ForecastsChecked, res.ForecastsUpdated)
			return nil
		})

	case queue.KindAccuracy:
		return w.runner.RunTask(ctx, string(TaskAccuracy), func(ctx context.Context) error {
			rep, err := w.forecasts.AccuracyReport(ctx, job.Date, job.End)
			if errors.Is(err, forecaster.ErrNoActuals) {
				log.Printf("scheduler: accuracy report skipped: %v", err)
				return nil
			}
			if err != nil {
				return err
			}
			log.Printf("scheduler: accuracy %s..%s over %d samples: MAE %.2f MAPE %.2f",
				rep.Start.Format("2006-01-02"), rep.End.Format("2006-01-02"), rep.Samples, rep.OverallMAE, rep.OverallMAPE)
			return nil
		})

	case queue.KindCleanup:
		return w.runner.RunTask(ctx, string(TaskCleanup), func(ctx context.Context) error {
			res, err := w.forecasts.Cleanup(ctx, job.RetentionDays)
			if err != nil {
				return err
			}
			log.Printf("scheduler: cleanup before %s removed %d forecasts and %d insights",
				res.Cutoff.Format("2006-01-02"), res.ForecastsDeleted, res.InsightsDeleted)
			return nil
		})
	}
	return fmt.Errorf("unknown job kind %q", job.Kind)
}

// Run starts n consumers and blocks until ctx is done or the queue closes.
func (w *Worker) Run(ctx context.Context, n int) error {
	if n < 1 {
		n = 1
	}
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			errs <- w.consume(ctx, id)
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, queue.ErrClosed) {
			return err
		}
	}
	return nil
}

func (w *Worker) consume(ctx context.Context, id int) error {
	log.Printf("scheduler: worker %d started", id)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		job, err := w.queue.Dequeue(ctx, w.poll)
		if err != nil {
			return err
		}
		if job == nil {
			continue
		}
		if depth, err := w.queue.Depth(ctx); err == nil {
			w.metrics.SetQueueDepth(depth)
		}

		if err := w.Handle(ctx, job); err != nil {
			log.Printf("scheduler: worker %d job %s (%s) failed: %v", id, job.ID, job.Kind, err)
		}
		if err := w.queue.Ack(ctx, job); err != nil {
			log.Printf("scheduler: worker %d failed to ack %s: %v", id, job.ID, err)
		}
	}
}
