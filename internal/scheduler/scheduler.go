// Package scheduler plans recurring forecasting work onto the job queue and
// runs queued jobs with time limits and retries.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/fractal-lba/orion/internal/api"
	"github.com/fractal-lba/orion/internal/config"
	"github.com/fractal-lba/orion/internal/metrics"
	"github.com/fractal-lba/orion/internal/queue"
	"github.com/fractal-lba/orion/internal/store"
)

// Task names a scheduled activity.
type Task string

const (
	TaskForecasts Task = "generate_all_forecasts"
	TaskActuals   Task = "update_all_forecast_actuals"
	TaskInsights  Task = "generate_all_insights"
	TaskAccuracy  Task = "generate_weekly_accuracy_report"
	TaskCleanup   Task = "cleanup_old_data"
)

// Entry binds a task to its cadence.
type Entry struct {
	Task    Task
	Cadence Cadence
}

// DefaultSchedule is the production beat schedule.
func DefaultSchedule() []Entry {
	return []Entry{
		{TaskForecasts, MustCadence("0 2 * * *")},
		{TaskActuals, MustCadence("0 1 * * *")},
		{TaskInsights, MustCadence("0 */6 * * *")},
		{TaskAccuracy, MustCadence("0 8 * * 1")},
		{TaskCleanup, MustCadence("0 3 1 * *")},
	}
}

// Entities lists the subjects fan-out tasks iterate over.
type Entities interface {
	ActiveProducts(ctx context.Context, since time.Time) ([]api.Filter, error)
	ForecastEntities(ctx context.Context, from, generatedSince time.Time) ([]api.Filter, error)
}

var _ Entities = (store.Store)(nil)

// Scheduler turns due schedule entries into queued jobs.
type Scheduler struct {
	mu       sync.Mutex
	entries  []Entry
	next     map[Task]time.Time
	queue    queue.Queue
	entities Entities
	cfg      *config.Config
	metrics  *metrics.Metrics
	now      func() time.Time
	tick     time.Duration
}

// New creates a scheduler over the default schedule.
func New(q queue.Queue, entities Entities, cfg *config.Config, m *metrics.Metrics) *Scheduler {
	return &Scheduler{
		entries:  DefaultSchedule(),
		next:     make(map[Task]time.Time),
		queue:    q,
		entities: entities,
		cfg:      cfg,
		metrics:  m,
		now:      time.Now,
		tick:     30 * time.Second,
	}
}

// Plan expands a task into jobs as of now.
func (s *Scheduler) Plan(ctx context.Context, task Task, now time.Time) ([]*queue.Job, error) {
	today := api.Day(now)
	switch task {
	case TaskForecasts:
		products, err := s.entities.ActiveProducts(ctx, today.AddDate(0, 0, -s.cfg.MinHistoryDays))
		if err != nil {
			return nil, fmt.Errorf("failed to list active products: %w", err)
		}
		jobs := make([]*queue.Job, 0, len(products))
		for _, p := range products {
			jobs = append(jobs, &queue.Job{Kind: queue.KindForecast, Filter: p, HorizonDays: s.cfg.ForecastHorizonDays, Model: "Ensemble"})
		}
		return jobs, nil

	case TaskActuals:
		return []*queue.Job{{Kind: queue.KindActuals, Date: today.AddDate(0, 0, -1)}}, nil

	case TaskInsights:
		entities, err := s.entities.ForecastEntities(ctx, today, now.Add(-7*24*time.Hour))
		if err != nil {
			return nil, fmt.Errorf("failed to list forecast entities: %w", err)
		}
		jobs := make([]*queue.Job, 0, len(entities))
		for _, e := range entities {
			jobs = append(jobs, &queue.Job{Kind: queue.KindInsights, Filter: e, HorizonDays: s.cfg.ForecastHorizonDays, Date: today})
		}
		return jobs, nil

	case TaskAccuracy:
		end := today.AddDate(0, 0, -1)
		return []*queue.Job{{Kind: queue.KindAccuracy, Date: end.AddDate(0, 0, -7), End: end}}, nil

	case TaskCleanup:
		return []*queue.Job{{Kind: queue.KindCleanup, RetentionDays: s.cfg.RetentionDays}}, nil
	}
	return nil, fmt.Errorf("unknown task %q", task)
}

// Fire plans and enqueues a task, returning how many jobs were added.
// Jobs identical to pending ones are skipped.
func (s *Scheduler) Fire(ctx context.Context, task Task) (int, error) {
	start := time.Now()
	jobs, err := s.Plan(ctx, task, s.now())
	if err != nil {
		s.metrics.ObserveTask(string(task), "failure", time.Since(start))
		return 0, err
	}

	added := 0
	for _, job := range jobs {
		ok, err := s.queue.Enqueue(ctx, job)
		if err != nil {
			log.Printf("scheduler: failed to queue %s job for %s: %v", job.Kind, job.Filter, err)
			continue
		}
		if ok {
			added++
		}
	}
	if depth, err := s.queue.Depth(ctx); err == nil {
		s.metrics.SetQueueDepth(depth)
	}
	s.metrics.ObserveTask(string(task), "success", time.Since(start))
	log.Printf("scheduler: %s queued %d of %d jobs", task, added, len(jobs))
	return added, nil
}

// Due fires every entry whose time has come and reschedules it.
func (s *Scheduler) Due(ctx context.Context) {
	now := s.now()
	s.mu.Lock()
	var due []Task
	for _, e := range s.entries {
		next, ok := s.next[e.Task]
		if !ok {
			s.next[e.Task] = e.Cadence.Next(now)
			continue
		}
		if !now.Before(next) {
			due = append(due, e.Task)
			s.next[e.Task] = e.Cadence.Next(now)
		}
	}
	s.mu.Unlock()

	for _, task := range due {
		if _, err := s.Fire(ctx, task); err != nil {
			log.Printf("scheduler: %s failed: %v", task, err)
		}
	}
}

// NextRun returns when task fires next; zero before the first tick.
func (s *Scheduler) NextRun(task Task) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next[task]
}

// Run ticks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	for _, e := range s.entries {
		log.Printf("scheduler: %s %s", e.Task, e.Cadence)
	}
	s.Due(ctx)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("scheduler: stopped")
			return ctx.Err()
		case <-ticker.C:
			s.Due(ctx)
		}
	}
}
