package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fractal-lba/orion/internal/api"
	"github.com/fractal-lba/orion/internal/forecaster"
	"github.com/fractal-lba/orion/internal/httpapi"
	"github.com/fractal-lba/orion/internal/scheduler"
	"github.com/fractal-lba/orion/internal/store"
	"github.com/spf13/cobra"
)

const dateLayout = "2006-01-02"

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseDate(s string, fallback time.Time) (time.Time, error) {
	if s == "" {
		return fallback, nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, want YYYY-MM-DD", s)
	}
	return t, nil
}

func entityFlags(cmd *cobra.Command, f *api.Filter) {
	cmd.Flags().StringVar(&f.ProductID, "product", "", "Product id")
	cmd.Flags().StringVar(&f.SKU, "sku", "", "SKU")
	cmd.Flags().StringVar(&f.CategoryID, "category", "", "Category id")
}

// serveCmd runs the HTTP API, and optionally the scheduler and workers in
// the same process.
func serveCmd() *cobra.Command {
	var withScheduler bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			q, err := a.openQueue()
			if err != nil {
				return fmt.Errorf("failed to open queue: %w", err)
			}
			defer q.Close()

			srv := httpapi.New(httpapi.Deps{
				Forecasts:   a.forecaster,
				Insights:    a.insights,
				Rows:        a.store,
				Queue:       q,
				Frames:      a.frames,
				Metrics:     a.metrics,
				Gatherer:    a.promReg,
				JWTSecret:   []byte(a.cfg.JWTSecret),
				TokenRate:   a.cfg.TokenRate,
				HorizonDays: a.cfg.ForecastHorizonDays,
			})

			if withScheduler {
				sched := scheduler.New(q, a.store, a.cfg, a.metrics)
				worker := scheduler.NewWorker(q, a.forecaster, a.insights, scheduler.NewRunner(scheduler.DefaultLimits(), a.metrics), a.metrics)
				worker.InvalidateFrames(a.frames)
				go sched.Run(ctx)
				go func() {
					if err := worker.Run(ctx, a.cfg.Workers); err != nil {
						log.Printf("Worker pool stopped: %v", err)
					}
				}()
			}

			errCh := make(chan error, 1)
			go func() {
				log.Printf("Starting server on port %s", a.cfg.Port)
				errCh <- srv.Listen(":" + a.cfg.Port)
			}()

			select {
			case err := <-errCh:
				return fmt.Errorf("server error: %w", err)
			case <-ctx.Done():
			}

			log.Println("Shutting down server...")
			if err := srv.ShutdownWithTimeout(10 * time.Second); err != nil {
				log.Printf("Server shutdown error: %v", err)
			}
			log.Println("Server stopped")
			return nil
		},
	}

	cmd.Flags().BoolVar(&withScheduler, "with-scheduler", false, "Also run the scheduler and workers in-process")
	return cmd
}

// workerCmd runs the scheduler and queue consumers without the HTTP API.
func workerCmd() *cobra.Command {
	var noBeat bool
	var workers int

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run queue workers and the task scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			q, err := a.openQueue()
			if err != nil {
				return fmt.Errorf("failed to open queue: %w", err)
			}
			defer q.Close()

			if !noBeat {
				go scheduler.New(q, a.store, a.cfg, a.metrics).Run(ctx)
			}
			if workers < 1 {
				workers = a.cfg.Workers
			}
			worker := scheduler.NewWorker(q, a.forecaster, a.insights, scheduler.NewRunner(scheduler.DefaultLimits(), a.metrics), a.metrics)
			worker.InvalidateFrames(a.frames)
			err = worker.Run(ctx, workers)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&noBeat, "no-beat", false, "Consume jobs only; do not schedule recurring tasks")
	cmd.Flags().IntVar(&workers, "concurrency", 0, "Number of consumers (default WORKERS)")
	return cmd
}

func forecastCmd() *cobra.Command {
	var req forecaster.Request

	cmd := &cobra.Command{
		Use:   "forecast",
		Short: "Generate forecasts for one entity",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			a.frames.Invalidate(req.Filter)
			res := a.forecaster.Generate(ctx, req)
			if err := printJSON(res); err != nil {
				return err
			}
			if !res.Success {
				return errors.New(res.Error)
			}
			return nil
		},
	}

	entityFlags(cmd, &req.Filter)
	cmd.Flags().IntVar(&req.HorizonDays, "horizon", 0, "Forecast horizon in days (default FORECAST_HORIZON_DAYS)")
	cmd.Flags().StringVar(&req.Model, "model", "Ensemble", "Model: SARIMA, Additive or Ensemble")
	return cmd
}

func reconcileCmd() *cobra.Command {
	var date string

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Record realized sales on forecasts for a day",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			d, err := parseDate(date, api.Day(time.Now()).AddDate(0, 0, -1))
			if err != nil {
				return err
			}
			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.forecaster.UpdateActuals(ctx, d)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}

	cmd.Flags().StringVar(&date, "date", "", "Day to reconcile, YYYY-MM-DD (default yesterday)")
	return cmd
}

func insightsCmd() *cobra.Command {
	var filter api.Filter
	var horizon int
	var list bool
	var severity string

	cmd := &cobra.Command{
		Use:   "insights",
		Short: "Generate or list insights",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			if list {
				f := store.ActiveFilter{ProductID: filter.ProductID}
				if severity != "" {
					if f.Severity, err = api.ParseSeverity(severity); err != nil {
						return err
					}
				}
				rows, err := a.insights.Active(ctx, f)
				if err != nil {
					return err
				}
				return printJSON(rows)
			}

			if horizon < 1 {
				horizon = a.cfg.ForecastHorizonDays
			}
			res := a.insights.Generate(ctx, filter, horizon, time.Now())
			if err := printJSON(res); err != nil {
				return err
			}
			if !res.Success {
				return errors.New(res.Error)
			}
			return nil
		},
	}

	entityFlags(cmd, &filter)
	cmd.Flags().IntVar(&horizon, "horizon", 0, "Days of forecasts to analyze (default FORECAST_HORIZON_DAYS)")
	cmd.Flags().BoolVar(&list, "list", false, "List active insights instead of generating")
	cmd.Flags().StringVar(&severity, "severity", "", "Severity filter for --list")
	return cmd
}

func accuracyCmd() *cobra.Command {
	var start, end string

	cmd := &cobra.Command{
		Use:   "accuracy",
		Short: "Report forecast accuracy over a date range",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			e, err := parseDate(end, api.Day(time.Now()).AddDate(0, 0, -1))
			if err != nil {
				return err
			}
			s, err := parseDate(start, e.AddDate(0, 0, -7))
			if err != nil {
				return err
			}
			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			rep, err := a.forecaster.AccuracyReport(ctx, s, e)
			if err != nil {
				return err
			}
			return printJSON(rep)
		},
	}

	cmd.Flags().StringVar(&start, "start", "", "First day, YYYY-MM-DD (default end minus 7 days)")
	cmd.Flags().StringVar(&end, "end", "", "Last day, YYYY-MM-DD (default yesterday)")
	return cmd
}

func cleanupCmd() *cobra.Command {
	var retention int

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete forecasts and insights past retention",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.forecaster.Cleanup(ctx, retention)
			if err != nil {
				return err
			}
			if purged := a.frames.PurgeExpired(); purged > 0 {
				log.Printf("Purged %d expired cached frames", purged)
			}
			return printJSON(res)
		},
	}

	cmd.Flags().IntVar(&retention, "retention-days", 0, "Retention window (default RETENTION_DAYS)")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the Postgres schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			pg, ok := a.store.(*store.PostgresStore)
			if !ok {
				return fmt.Errorf("migrate requires STORE_BACKEND=postgres, got %s", a.cfg.StoreBackend)
			}
			if err := pg.Migrate(ctx); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			log.Println("Schema is up to date")
			return nil
		},
	}
}
