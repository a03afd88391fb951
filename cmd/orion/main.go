package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/fractal-lba/orion/internal/cache"
	"github.com/fractal-lba/orion/internal/config"
	"github.com/fractal-lba/orion/internal/features"
	"github.com/fractal-lba/orion/internal/forecaster"
	"github.com/fractal-lba/orion/internal/insights"
	"github.com/fractal-lba/orion/internal/metrics"
	"github.com/fractal-lba/orion/internal/queue"
	"github.com/fractal-lba/orion/internal/registry"
	"github.com/fractal-lba/orion/internal/store"
	"github.com/fractal-lba/orion/pkg/otel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// version is overridden at build time with -ldflags.
var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "orion",
		Short:         "Demand forecasting service",
		Long:          `Generates per-entity demand forecasts from sales history, reconciles them with realized sales, and derives inventory insights.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(forecastCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(insightsCmd())
	rootCmd.AddCommand(accuracyCmd())
	rootCmd.AddCommand(cleanupCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app holds the wired service components shared by every command.
type app struct {
	cfg        *config.Config
	store      store.Store
	frames     *cache.FrameCache
	registry   *registry.Registry
	promReg    *prometheus.Registry
	metrics    *metrics.Metrics
	kpis       *metrics.KPITracker
	engineer   *features.Engineer
	forecaster *forecaster.Forecaster
	insights   *insights.Engine
	tracer     *sdktrace.TracerProvider
}

func setup(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	a := &app{cfg: cfg, promReg: prometheus.NewRegistry()}
	a.promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.promReg)
	a.kpis = metrics.NewKPITracker(a.promReg)

	switch cfg.StoreBackend {
	case "memory":
		a.store, err = store.NewMemoryStore(cfg.MemorySnapshot)
	case "postgres":
		a.store, err = store.NewPostgresStore(cfg.DatabaseURL)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s store: %w", cfg.StoreBackend, err)
	}

	a.registry, err = registry.New(cfg.ModelDir)
	if err != nil {
		a.store.Close()
		return nil, fmt.Errorf("failed to open model registry: %w", err)
	}

	if cfg.OTelEndpoint != "" {
		oc := otel.DefaultConfig("orion")
		oc.ServiceVersion = version
		oc.CollectorEndpoint = cfg.OTelEndpoint
		a.tracer, err = otel.InitTracer(ctx, oc)
		if err != nil {
			log.Printf("Tracing disabled: %v", err)
		}
	}

	a.frames, err = cache.NewFrameCache(cfg.FrameCacheSize, cfg.FrameCacheTTL, a.metrics)
	if err != nil {
		a.store.Close()
		return nil, fmt.Errorf("failed to create frame cache: %w", err)
	}
	a.engineer = features.NewEngineer(a.store,
		features.WithCalendar(features.CalendarFromConfig(cfg)),
		features.WithCache(a.frames),
	)
	a.forecaster = forecaster.New(a.store, a.engineer, cfg,
		forecaster.WithMetrics(a.metrics),
		forecaster.WithKPIs(a.kpis),
		forecaster.WithRegistry(a.registry),
	)
	a.insights = insights.NewEngine(a.store, a.engineer,
		insights.WithMetrics(a.metrics),
		insights.WithKPIs(a.kpis),
	)
	return a, nil
}

func (a *app) openQueue() (queue.Queue, error) {
	switch a.cfg.QueueBackend {
	case "redis":
		return queue.NewRedisQueue(a.cfg.RedisURL, 2*time.Hour)
	default:
		return queue.NewMemoryQueue(4096), nil
	}
}

func (a *app) close() {
	if a.tracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otel.Shutdown(ctx, a.tracer); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}
	if err := a.store.Close(); err != nil {
		log.Printf("Error closing store: %v", err)
	}
}
