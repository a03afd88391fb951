package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fractal-lba/orion/internal/api"
	"github.com/fractal-lba/orion/internal/config"
	"github.com/fractal-lba/orion/internal/forecaster"
	"github.com/fractal-lba/orion/internal/queue"
	"github.com/fractal-lba/orion/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ts(y int, m time.Month, d, h, min int) time.Time {
	return time.Date(y, m, d, h, min, 0, 0, time.UTC)
}

func TestCadences(t *testing.T) {
	// 2024-06-03 is a Monday.
	tests := []struct {
		name  string
		spec  string
		after time.Time
		want  time.Time
	}{
		{"daily later today", "0 2 * * *", ts(2024, 6, 3, 1, 0), ts(2024, 6, 3, 2, 0)},
		{"daily at the instant", "0 2 * * *", ts(2024, 6, 3, 2, 0), ts(2024, 6, 4, 2, 0)},
		{"every 6h", "0 */6 * * *", ts(2024, 6, 3, 7, 30), ts(2024, 6, 3, 12, 0)},
		{"every 6h rolls over midnight", "0 */6 * * *", ts(2024, 6, 3, 18, 0), ts(2024, 6, 4, 0, 0)},
		{"weekly same day before", "0 8 * * 1", ts(2024, 6, 3, 7, 0), ts(2024, 6, 3, 8, 0)},
		{"weekly same day after", "0 8 * * 1", ts(2024, 6, 3, 9, 0), ts(2024, 6, 10, 8, 0)},
		{"monthly next month", "0 3 1 * *", ts(2024, 6, 3, 0, 0), ts(2024, 7, 1, 3, 0)},
		{"monthly this month", "0 3 1 * *", ts(2024, 6, 1, 2, 59), ts(2024, 6, 1, 3, 0)},
		{"monthly year end", "0 3 1 * *", ts(2024, 12, 15, 0, 0), ts(2025, 1, 1, 3, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := ParseCadence(tt.spec)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(c.Next(tt.after)), "got %s", c.Next(tt.after))
		})
	}
}

func TestCadence_EvaluatesInUTC(t *testing.T) {
	tokyo := time.FixedZone("JST", 9*3600)
	// 2024-06-03 10:30 JST is 01:30 UTC.
	next := MustCadence("0 2 * * *").Next(time.Date(2024, 6, 3, 10, 30, 0, 0, tokyo))
	assert.True(t, ts(2024, 6, 3, 2, 0).Equal(next), "got %s", next)
}

func TestParseCadence_Invalid(t *testing.T) {
	_, err := ParseCadence("0 25 * * *")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid cadence")
	assert.Panics(t, func() { MustCadence("every day") })
}

func TestDefaultSchedule(t *testing.T) {
	entries := DefaultSchedule()
	require.Len(t, entries, 5)
	want := map[Task]string{
		TaskForecasts: "0 2 * * *",
		TaskActuals:   "0 1 * * *",
		TaskInsights:  "0 */6 * * *",
		TaskAccuracy:  "0 8 * * 1",
		TaskCleanup:   "0 3 1 * *",
	}
	for _, e := range entries {
		assert.Equal(t, want[e.Task], e.Cadence.String(), e.Task)
	}
}

type schedFixture struct {
	store *store.MemoryStore
	queue *queue.MemoryQueue
	sched *Scheduler
	now   time.Time
}

func newSchedFixture(t *testing.T) *schedFixture {
	t.Helper()
	s, err := store.NewMemoryStore("")
	require.NoError(t, err)
	q := queue.NewMemoryQueue(64)
	now := ts(2024, 6, 3, 10, 0)

	sched := New(q, s, config.Default(), nil)
	sched.now = func() time.Time { return now }
	return &schedFixture{store: s, queue: q, sched: sched, now: now}
}

func TestPlan_Forecasts(t *testing.T) {
	f := newSchedFixture(t)
	f.store.AddSales(
		api.SalesRecord{SaleDate: ts(2024, 5, 1, 0, 0), ProductID: "p1", QuantitySold: 3},
		api.SalesRecord{SaleDate: ts(2024, 5, 2, 0, 0), ProductID: "p1", QuantitySold: 3},
		api.SalesRecord{SaleDate: ts(2022, 1, 1, 0, 0), ProductID: "p2", QuantitySold: 3},
	)

	jobs, err := f.sched.Plan(context.Background(), TaskForecasts, f.now)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, queue.KindForecast, jobs[0].Kind)
	assert.Equal(t, api.Filter{ProductID: "p1"}, jobs[0].Filter)
	assert.Equal(t, 30, jobs[0].HorizonDays)
	assert.Equal(t, "Ensemble", jobs[0].Model)
}

func TestPlan_DateWindows(t *testing.T) {
	f := newSchedFixture(t)
	ctx := context.Background()

	jobs, err := f.sched.Plan(ctx, TaskActuals, f.now)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, ts(2024, 6, 2, 0, 0), jobs[0].Date)

	jobs, err = f.sched.Plan(ctx, TaskAccuracy, f.now)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, ts(2024, 5, 26, 0, 0), jobs[0].Date)
	assert.Equal(t, ts(2024, 6, 2, 0, 0), jobs[0].End)

	jobs, err = f.sched.Plan(ctx, TaskCleanup, f.now)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 180, jobs[0].RetentionDays)

	_, err = f.sched.Plan(ctx, Task("nope"), f.now)
	assert.Error(t, err)
}

func TestPlan_InsightsUseRecentForecasts(t *testing.T) {
	f := newSchedFixture(t)
	ctx := context.Background()

	upsert := func(key string, date, generated time.Time) {
		_, err := f.store.UpsertForecast(ctx, &api.Forecast{
			EntityKind: api.EntityProduct, EntityKey: key, ForecastDate: date,
			Horizon: "30-day", ModelName: "Ensemble", GeneratedAt: generated,
		})
		require.NoError(t, err)
	}
	upsert("fresh", ts(2024, 6, 10, 0, 0), f.now.Add(-time.Hour))
	upsert("stale", ts(2024, 6, 10, 0, 0), f.now.AddDate(0, 0, -8))
	upsert("past", ts(2024, 6, 1, 0, 0), f.now.Add(-time.Hour))

	jobs, err := f.sched.Plan(ctx, TaskInsights, f.now)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, api.Filter{ProductID: "fresh"}, jobs[0].Filter)
	assert.Equal(t, ts(2024, 6, 3, 0, 0), jobs[0].Date)
}

func TestFire_DeduplicatesPendingJobs(t *testing.T) {
	f := newSchedFixture(t)
	ctx := context.Background()

	n, err := f.sched.Fire(ctx, TaskActuals)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.sched.Fire(ctx, TaskActuals)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	depth, _ := f.queue.Depth(ctx)
	assert.Equal(t, int64(1), depth)
}

func TestDue_FiresAfterNextRun(t *testing.T) {
	f := newSchedFixture(t)
	ctx := context.Background()
	now := ts(2024, 6, 3, 0, 30)
	f.sched.now = func() time.Time { return now }

	f.sched.Due(ctx)
	assert.Equal(t, ts(2024, 6, 3, 1, 0), f.sched.NextRun(TaskActuals))
	depth, _ := f.queue.Depth(ctx)
	assert.Equal(t, int64(0), depth, "first tick only schedules")

	now = ts(2024, 6, 3, 1, 0)
	f.sched.Due(ctx)
	assert.Equal(t, ts(2024, 6, 4, 1, 0), f.sched.NextRun(TaskActuals))

	job, err := f.queue.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, queue.KindActuals, job.Kind)
	assert.Equal(t, ts(2024, 6, 2, 0, 0), job.Date)
}

func fastLimits() Limits {
	return Limits{Hard: time.Second, Soft: time.Second, MaxRetries: 3, RetryBase: time.Millisecond}
}

func TestRunTask_RetriesUntilSuccess(t *testing.T) {
	r := NewRunner(fastLimits(), nil)
	calls := 0
	err := r.RunTask(context.Background(), "flaky", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRunTask_GivesUpAfterMaxRetries(t *testing.T) {
	r := NewRunner(fastLimits(), nil)
	calls := 0
	boom := errors.New("boom")
	err := r.RunTask(context.Background(), "broken", func(ctx context.Context) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 4, calls)
}

func TestRunTask_HardLimit(t *testing.T) {
	limits := fastLimits()
	limits.Hard = 20 * time.Millisecond
	limits.Soft = 10 * time.Millisecond
	limits.MaxRetries = 0
	r := NewRunner(limits, nil)

	err := r.RunTask(context.Background(), "slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type fakeForecasts struct {
	mu         sync.Mutex
	generated  []api.Filter
	actuals    []time.Time
	accuracy   error
	cleanupErr error
	cleanups   int
}

func (f *fakeForecasts) Generate(ctx context.Context, req forecaster.Request) *api.ForecastResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.generated = append(f.generated, req.Filter)
	if req.Filter.ProductID == "bad" {
		return api.Failure(req.Filter.String(), "No historical data available")
	}
	return &api.ForecastResult{Success: true, Entity: req.Filter.String()}
}

func (f *fakeForecasts) UpdateActuals(ctx context.Context, date time.Time) (*api.ActualsResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actuals = append(f.actuals, date)
	return &api.ActualsResult{Date: date}, nil
}

func (f *fakeForecasts) AccuracyReport(ctx context.Context, start, end time.Time) (*api.AccuracyReport, error) {
	if f.accuracy != nil {
		return nil, f.accuracy
	}
	return &api.AccuracyReport{Start: start, End: end}, nil
}

func (f *fakeForecasts) Cleanup(ctx context.Context, retentionDays int) (*api.CleanupResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanups++
	if f.cleanupErr != nil {
		return nil, f.cleanupErr
	}
	return &api.CleanupResult{}, nil
}

type fakeInsights struct{ calls int }

func (f *fakeInsights) Generate(ctx context.Context, filter api.Filter, horizonDays int, today time.Time) *api.InsightsResult {
	f.calls++
	return &api.InsightsResult{Success: true}
}

func TestWorker_Handle(t *testing.T) {
	fc := &fakeForecasts{accuracy: forecaster.ErrNoActuals, cleanupErr: errors.New("db down")}
	in := &fakeInsights{}
	w := NewWorker(queue.NewMemoryQueue(4), fc, in, NewRunner(fastLimits(), nil), nil)
	ctx := context.Background()

	assert.NoError(t, w.Handle(ctx, &queue.Job{Kind: queue.KindForecast, Filter: api.Filter{ProductID: "bad"}}))
	assert.NoError(t, w.Handle(ctx, &queue.Job{Kind: queue.KindInsights, Filter: api.Filter{ProductID: "p1"}}))
	assert.NoError(t, w.Handle(ctx, &queue.Job{Kind: queue.KindAccuracy}))
	assert.Error(t, w.Handle(ctx, &queue.Job{Kind: queue.KindCleanup}))
	assert.Error(t, w.Handle(ctx, &queue.Job{Kind: "bogus"}))

	assert.Len(t, fc.generated, 1, "failed forecast results are not retried")
	assert.Equal(t, 1, in.calls)
	assert.Equal(t, 4, fc.cleanups)
}

type countingFrames struct{ dropped []api.Filter }

func (c *countingFrames) Invalidate(filter api.Filter) int {
	c.dropped = append(c.dropped, filter)
	return 1
}

func TestWorker_InvalidatesFramesBeforeForecast(t *testing.T) {
	frames := &countingFrames{}
	w := NewWorker(queue.NewMemoryQueue(4), &fakeForecasts{}, &fakeInsights{}, NewRunner(fastLimits(), nil), nil)
	w.InvalidateFrames(frames)

	require.NoError(t, w.Handle(context.Background(), &queue.Job{Kind: queue.KindForecast, Filter: api.Filter{SKU: "A"}}))
	require.NoError(t, w.Handle(context.Background(), &queue.Job{Kind: queue.KindInsights, Filter: api.Filter{SKU: "A"}}))
	assert.Equal(t, []api.Filter{{SKU: "A"}}, frames.dropped)
}

func TestWorker_RunDrainsQueue(t *testing.T) {
	q := queue.NewMemoryQueue(16)
	fc := &fakeForecasts{}
	w := NewWorker(q, fc, &fakeInsights{}, NewRunner(fastLimits(), nil), nil)
	w.poll = 10 * time.Millisecond
	ctx := context.Background()

	for _, id := range []string{"p1", "p2", "p3"} {
		_, err := q.Enqueue(ctx, &queue.Job{Kind: queue.KindForecast, Filter: api.Filter{ProductID: id}, HorizonDays: 7})
		require.NoError(t, err)
	}
	_, err := q.Enqueue(ctx, &queue.Job{Kind: queue.KindActuals, Date: ts(2024, 6, 2, 0, 0)})
	require.NoError(t, err)
	require.NoError(t, q.Close())

	require.NoError(t, w.Run(ctx, 2))
	assert.ElementsMatch(t, []api.Filter{{ProductID: "p1"}, {ProductID: "p2"}, {ProductID: "p3"}}, fc.generated)
	assert.Equal(t, []time.Time{ts(2024, 6, 2, 0, 0)}, fc.actuals)
}
