package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fractal-lba/orion/internal/api"
	"github.com/fractal-lba/orion/internal/features"
	"github.com/fractal-lba/orion/internal/forecaster"
	"github.com/fractal-lba/orion/internal/insights"
	"github.com/fractal-lba/orion/internal/metrics"
	"github.com/fractal-lba/orion/internal/queue"
	"github.com/fractal-lba/orion/internal/store"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var today = time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)

type fakeForecasts struct {
	lastReq     forecaster.Request
	actualsDate time.Time
	start, end  time.Time
	noActuals   bool
}

func (f *fakeForecasts) Generate(ctx context.Context, req forecaster.Request) *api.ForecastResult {
	f.lastReq = req
	if req.Filter.Empty() {
		return api.Failure(req.Filter.String(), "product_id, sku or category_id is required")
	}
	return &api.ForecastResult{Success: true, Entity: req.Filter.String(), ForecastsCreated: req.HorizonDays}
}

func (f *fakeForecasts) UpdateActuals(ctx context.Context, date time.Time) (*api.ActualsResult, error) {
	f.actualsDate = date
	return &api.ActualsResult{Date: date, ForecastsChecked: 3, ForecastsUpdated: 2}, nil
}

func (f *fakeForecasts) AccuracyReport(ctx context.Context, start, end time.Time) (*api.AccuracyReport, error) {
	f.start, f.end = start, end
	if f.noActuals {
		return nil, forecaster.ErrNoActuals
	}
	return &api.AccuracyReport{Start: start, End: end, Samples: 4}, nil
}

type recordingFrames struct {
	invalidated []api.Filter
}

func (r *recordingFrames) Invalidate(f api.Filter) int {
	r.invalidated = append(r.invalidated, f)
	return 1
}

type fixture struct {
	app       *fiber.App
	store     *store.MemoryStore
	forecasts *fakeForecasts
	frames    *recordingFrames
	queue     *queue.MemoryQueue
	metrics   *metrics.Metrics
}

func newFixture(t *testing.T, tokenRate int) *fixture {
	t.Helper()
	s, err := store.NewMemoryStore("")
	require.NoError(t, err)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	fc := &fakeForecasts{}
	frames := &recordingFrames{}
	q := queue.NewMemoryQueue(8)
	clock := func() time.Time { return today.Add(9 * time.Hour) }

	engine := insights.NewEngine(s, features.NewEngineer(s), insights.WithClock(clock))
	app := New(Deps{
		Forecasts: fc,
		Insights:  engine,
		Rows:      s,
		Queue:     q,
		Frames:    frames,
		Metrics:   m,
		Gatherer:  reg,
		TokenRate: tokenRate,
		Now:       clock,
	})
	return &fixture{app: app, store: s, forecasts: fc, frames: frames, queue: q, metrics: m}
}

func (f *fixture) do(t *testing.T, method, target string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := f.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp, out
}

func TestHealth(t *testing.T) {
	f := newFixture(t, 10)
	resp, body := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])
}

func TestGenerateForecast_Sync(t *testing.T) {
	f := newFixture(t, 10)
	resp, body := f.do(t, http.MethodPost, "/api/v1/forecasts/generate",
		map[string]any{"filter": map[string]string{"product_id": "p1"}, "forecast_horizon_days": 7, "model_name": "SARIMA"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "product:p1", body["entity"])
	assert.Equal(t, "SARIMA", f.forecasts.lastReq.Model)

	resp, body = f.do(t, http.MethodPost, "/api/v1/forecasts/generate", map[string]any{})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, false, body["success"])
	assert.Contains(t, body["error"], "required")
}

func TestGenerateForecast_SyncInvalidatesFrames(t *testing.T) {
	f := newFixture(t, 10)
	resp, _ := f.do(t, http.MethodPost, "/api/v1/forecasts/generate",
		map[string]any{"filter": map[string]string{"product_id": "p1"}, "forecast_horizon_days": 7})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []api.Filter{{ProductID: "p1"}}, f.frames.invalidated)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/forecasts/generate", map[string]any{})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Len(t, f.frames.invalidated, 1)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/forecasts/generate?async=true",
		map[string]any{"filter": map[string]string{"product_id": "p2"}})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Len(t, f.frames.invalidated, 1, "async jobs are invalidated by the worker")
}

func TestGenerateForecast_Async(t *testing.T) {
	f := newFixture(t, 10)
	payload := map[string]any{"filter": map[string]string{"sku": "A-1"}, "forecast_horizon_days": 14}

	resp, body := f.do(t, http.MethodPost, "/api/v1/forecasts/generate?async=true", payload)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, true, body["queued"])
	_, err := uuid.Parse(body["job_id"].(string))
	assert.NoError(t, err)

	resp, body = f.do(t, http.MethodPost, "/api/v1/forecasts/generate?async=true", payload)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, false, body["queued"], "identical pending job is not queued twice")

	job, err := f.queue.Dequeue(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, api.Filter{SKU: "A-1"}, job.Filter)
	assert.Equal(t, 14, job.HorizonDays)
}

func TestGenerateForecast_RateLimited(t *testing.T) {
	f := newFixture(t, 1)
	payload := map[string]any{"filter": map[string]string{"product_id": "p1"}}

	codes := map[int]int{}
	for i := 0; i < 4; i++ {
		resp, _ := f.do(t, http.MethodPost, "/api/v1/forecasts/generate", payload)
		codes[resp.StatusCode]++
	}
	assert.Equal(t, 2, codes[http.StatusOK])
	assert.Equal(t, 2, codes[http.StatusTooManyRequests])
}

func TestListForecasts(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := f.store.UpsertForecast(ctx, &api.Forecast{
			EntityKind: api.EntityProduct, EntityKey: "p1", ForecastDate: today.AddDate(0, 0, i),
			Horizon: "30-day", PredictedQuantity: 10, ModelName: "Ensemble", GeneratedAt: today,
		})
		require.NoError(t, err)
	}

	resp, body := f.do(t, http.MethodGet, "/api/v1/forecasts?entity=product:p1&from=2024-06-04", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["count"])

	_, body = f.do(t, http.MethodGet, "/api/v1/forecasts?product_id=p2", nil)
	assert.Equal(t, float64(0), body["count"])

	resp, body = f.do(t, http.MethodGet, "/api/v1/forecasts?entity=shelf:1", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, false, body["success"])

	resp, _ = f.do(t, http.MethodGet, "/api/v1/forecasts?from=June", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestActualsAndAccuracy(t *testing.T) {
	f := newFixture(t, 10)

	resp, body := f.do(t, http.MethodPost, "/api/v1/forecasts/actuals", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["forecasts_updated"])
	assert.Equal(t, today.AddDate(0, 0, -1), f.forecasts.actualsDate)

	_, _ = f.do(t, http.MethodPost, "/api/v1/forecasts/actuals?date=2024-05-01", nil)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), f.forecasts.actualsDate)

	resp, _ = f.do(t, http.MethodGet, "/api/v1/forecasts/accuracy", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, today.AddDate(0, 0, -1), f.forecasts.end)
	assert.Equal(t, today.AddDate(0, 0, -8), f.forecasts.start)

	f.forecasts.noActuals = true
	resp, body = f.do(t, http.MethodGet, "/api/v1/forecasts/accuracy?start=2024-01-01&end=2024-01-31", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, forecaster.ErrNoActuals.Error(), body["error"])
}

func TestInsightsLifecycle(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, err := f.store.UpsertForecast(ctx, &api.Forecast{
			EntityKind: api.EntityProduct, EntityKey: "p1", ForecastDate: today.AddDate(0, 0, i),
			Horizon: "30-day", PredictedQuantity: 20, ModelName: "Ensemble", GeneratedAt: today,
		})
		require.NoError(t, err)
	}

	resp, body := f.do(t, http.MethodPost, "/api/v1/insights/generate", map[string]any{"product_id": "p1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	created := int(body["insights_created"].(float64))
	require.Positive(t, created)

	resp, body = f.do(t, http.MethodGet, "/api/v1/insights?product_id=p1&unread_only=true", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(created), body["count"])
	first := body["insights"].([]any)[0].(map[string]any)["id"].(string)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/insights/"+first+"/read", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_, body = f.do(t, http.MethodGet, "/api/v1/insights?product_id=p1&unread_only=true", nil)
	assert.Equal(t, float64(created-1), body["count"])

	resp, _ = f.do(t, http.MethodPost, "/api/v1/insights/"+first+"/actioned", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/insights/"+uuid.NewString()+"/read", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/api/v1/insights/not-a-uuid/read", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/api/v1/insights?severity=urgent", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = f.do(t, http.MethodPost, "/api/v1/insights/generate", map[string]any{"product_id": "ghost"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "No forecasts found", body["error"])
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, 10)
	f.do(t, http.MethodGet, "/health", nil)
	f.do(t, http.MethodGet, "/health", nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	resp, err := f.app.Test(req, -1)
	require.NoError(t, err)
	raw, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(raw), "orion_http_requests_total"))

	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.HTTPRequests.WithLabelValues("/health", "200")))
}

