// Package httpapi exposes forecasting and insights over HTTP.
package httpapi

import (
	"context"
	"errors"
	"log"
	"strconv"
	"time"

	"github.com/fractal-lba/orion/internal/api"
	"github.com/fractal-lba/orion/internal/forecaster"
	"github.com/fractal-lba/orion/internal/metrics"
	"github.com/fractal-lba/orion/internal/queue"
	"github.com/fractal-lba/orion/internal/store"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

const dateLayout = "2006-01-02"

// Forecasts is the forecasting surface served over HTTP.
type Forecasts interface {
	Generate(ctx context.Context, req forecaster.Request) *api.ForecastResult
	UpdateActuals(ctx context.Context, date time.Time) (*api.ActualsResult, error)
	AccuracyReport(ctx context.Context, start, end time.Time) (*api.AccuracyReport, error)
}

// Insights is the insight surface served over HTTP.
type Insights interface {
	Generate(ctx context.Context, filter api.Filter, horizonDays int, today time.Time) *api.InsightsResult
	Active(ctx context.Context, f store.ActiveFilter) ([]api.Insight, error)
	MarkRead(ctx context.Context, id uuid.UUID) error
	MarkActioned(ctx context.Context, id uuid.UUID) error
}

// Frames drops cached feature frames so a forecast reads fresh sales.
type Frames interface {
	Invalidate(filter api.Filter) int
}

// Deps wires the server. Queue, Frames and Gatherer may be nil; an empty
// JWTSecret disables authentication.
type Deps struct {
	Forecasts   Forecasts
	Insights    Insights
	Rows        store.ForecastStore
	Queue       queue.Queue
	Frames      Frames
	Metrics     *metrics.Metrics
	Gatherer    prometheus.Gatherer
	JWTSecret   []byte
	TokenRate   int
	HorizonDays int
	Now         func() time.Time
}

// Server holds handler dependencies.
type Server struct {
	deps    Deps
	limiter *rate.Limiter
}

// New builds the fiber app with all routes registered.
func New(deps Deps) *fiber.App {
	if deps.TokenRate < 1 {
		deps.TokenRate = 10
	}
	if deps.HorizonDays < 1 {
		deps.HorizonDays = 30
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{deps: deps, limiter: rate.NewLimiter(rate.Limit(deps.TokenRate), deps.TokenRate*2)}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
	})
	app.Use(s.observe)
	if len(deps.JWTSecret) > 0 {
		app.Use(authenticate(deps.JWTSecret))
	}

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "healthy", "service": "orion"})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))

	v1 := app.Group("/api/v1")
	write := s.requireScope(ScopeWrite)
	v1.Post("/forecasts/generate", write, s.rateLimit, s.generateForecast)
	v1.Get("/forecasts", s.listForecasts)
	v1.Post("/forecasts/actuals", write, s.updateActuals)
	v1.Get("/forecasts/accuracy", s.accuracy)

	v1.Post("/insights/generate", write, s.rateLimit, s.generateInsights)
	v1.Get("/insights", s.listInsights)
	v1.Post("/insights/:id/read", s.markRead)
	v1.Post("/insights/:id/actioned", write, s.markActioned)

	return app
}

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	} else {
		log.Printf("httpapi: %s %s: %v", c.Method(), c.Path(), err)
	}
	return c.Status(code).JSON(fiber.Map{"success": false, "error": err.Error()})
}

func (s *Server) observe(c *fiber.Ctx) error {
	err := c.Next()
	code := c.Response().StatusCode()
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	} else if err != nil {
		code = fiber.StatusInternalServerError
	}
	route := c.Path()
	if r := c.Route(); r != nil && r.Path != "" {
		route = r.Path
	}
	s.deps.Metrics.ObserveHTTP(route, strconv.Itoa(code))
	return err
}

func (s *Server) rateLimit(c *fiber.Ctx) error {
	if !s.limiter.Allow() {
		c.Set(fiber.HeaderRetryAfter, "10")
		return fiber.NewError(fiber.StatusTooManyRequests, "Too many requests")
	}
	return c.Next()
}

func (s *Server) generateForecast(c *fiber.Ctx) error {
	var req forecaster.Request
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid JSON")
	}

	if c.QueryBool("async") {
		if s.deps.Queue == nil {
			return fiber.NewError(fiber.StatusServiceUnavailable, "No job queue configured")
		}
		if req.Filter.Empty() {
			return fiber.NewError(fiber.StatusBadRequest, "product_id, sku or category_id is required")
		}
		job := &queue.Job{Kind: queue.KindForecast, Filter: req.Filter, HorizonDays: req.HorizonDays, Model: req.Model}
		added, err := s.deps.Queue.Enqueue(c.UserContext(), job)
		if err != nil {
			return err
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"success": true, "queued": added, "job_id": job.ID})
	}

	if s.deps.Frames != nil && !req.Filter.Empty() {
		s.deps.Frames.Invalidate(req.Filter)
	}
	res := s.deps.Forecasts.Generate(c.UserContext(), req)
	if !res.Success {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(res)
	}
	return c.JSON(res)
}

func (s *Server) listForecasts(c *fiber.Ctx) error {
	q := store.ForecastQuery{Horizon: c.Query("horizon")}
	if e := c.Query("entity"); e != "" {
		f, err := api.ParseFilter(e)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		q.Filter = f
	} else {
		q.Filter = api.Filter{ProductID: c.Query("product_id"), SKU: c.Query("sku"), CategoryID: c.Query("category_id")}
	}

	var err error
	if q.From, err = queryDate(c, "from"); err != nil {
		return err
	}
	if q.To, err = queryDate(c, "to"); err != nil {
		return err
	}

	rows, err := s.deps.Rows.Forecasts(c.UserContext(), q)
	if err != nil {
		return err
	}
	if rows == nil {
		rows = []api.Forecast{}
	}
	return c.JSON(fiber.Map{"success": true, "count": len(rows), "forecasts": rows})
}

func (s *Server) updateActuals(c *fiber.Ctx) error {
	date, err := queryDate(c, "date")
	if err != nil {
		return err
	}
	if date.IsZero() {
		date = api.Day(s.deps.Now()).AddDate(0, 0, -1)
	}
	res, err := s.deps.Forecasts.UpdateActuals(c.UserContext(), date)
	if err != nil {
		return err
	}
	return c.JSON(res)
}

func (s *Server) accuracy(c *fiber.Ctx) error {
	end, err := queryDate(c, "end")
	if err != nil {
		return err
	}
	if end.IsZero() {
		end = api.Day(s.deps.Now()).AddDate(0, 0, -1)
	}
	start, err := queryDate(c, "start")
	if err != nil {
		return err
	}
	if start.IsZero() {
		start = end.AddDate(0, 0, -7)
	}

	rep, err := s.deps.Forecasts.AccuracyReport(c.UserContext(), start, end)
	if errors.Is(err, forecaster.ErrNoActuals) {
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	}
	if err != nil {
		return err
	}
	return c.JSON(rep)
}

type insightsRequest struct {
	api.Filter
	HorizonDays int `json:"forecast_horizon_days"`
}

func (s *Server) generateInsights(c *fiber.Ctx) error {
	var req insightsRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid JSON")
	}
	if req.HorizonDays < 1 {
		req.HorizonDays = s.deps.HorizonDays
	}
	res := s.deps.Insights.Generate(c.UserContext(), req.Filter, req.HorizonDays, s.deps.Now())
	if !res.Success {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(res)
	}
	return c.JSON(res)
}

func (s *Server) listInsights(c *fiber.Ctx) error {
	f := store.ActiveFilter{ProductID: c.Query("product_id"), UnreadOnly: c.QueryBool("unread_only")}
	if sev := c.Query("severity"); sev != "" {
		parsed, err := api.ParseSeverity(sev)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		f.Severity = parsed
	}
	rows, err := s.deps.Insights.Active(c.UserContext(), f)
	if err != nil {
		return err
	}
	if rows == nil {
		rows = []api.Insight{}
	}
	return c.JSON(fiber.Map{"success": true, "count": len(rows), "insights": rows})
}

func (s *Server) markRead(c *fiber.Ctx) error {
	return s.mark(c, s.deps.Insights.MarkRead)
}

func (s *Server) markActioned(c *fiber.Ctx) error {
	return s.mark(c, s.deps.Insights.MarkActioned)
}

func (s *Server) mark(c *fiber.Ctx, fn func(context.Context, uuid.UUID) error) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid insight id")
	}
	if err := fn(c.UserContext(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fiber.NewError(fiber.StatusNotFound, "Insight not found")
		}
		return err
	}
	return c.JSON(fiber.Map{"success": true, "id": id})
}

func queryDate(c *fiber.Ctx, key string) (time.Time, error) {
	v := c.Query(key)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(dateLayout, v)
	if err != nil {
		return time.Time{}, fiber.NewError(fiber.StatusBadRequest, key+" must be YYYY-MM-DD")
	}
	return t, nil
}
