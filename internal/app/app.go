// Package app wires the backend together: store, clients, pipelines,
// scheduler and the REST surface, with graceful shutdown on signal.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/chocops/chocofactory/internal/alerts"
	"github.com/chocops/chocofactory/internal/analysis"
	"github.com/chocops/chocofactory/internal/clients/aemet"
	"github.com/chocops/chocofactory/internal/clients/openweather"
	"github.com/chocops/chocofactory/internal/clients/ree"
	"github.com/chocops/chocofactory/internal/controllers/restserver"
	"github.com/chocops/chocofactory/internal/forecast"
	"github.com/chocops/chocofactory/internal/gaps"
	"github.com/chocops/chocofactory/internal/ingest"
	"github.com/chocops/chocofactory/internal/optimizer"
	"github.com/chocops/chocofactory/internal/scheduler"
	"github.com/chocops/chocofactory/internal/tsdb"
	"github.com/chocops/chocofactory/pkg/config"
	"go.uber.org/zap"
)

// App represents the main application
type App struct {
	cfg    *config.ConfigData
	logger *zap.SugaredLogger
}

// New creates a new application instance
func New(cfg *config.ConfigData, logger *zap.SugaredLogger) *App {
	return &App{cfg: cfg, logger: logger}
}

// Run starts the application and blocks until shutdown
func (a *App) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	store := tsdb.NewClient(a.cfg.InfluxDB, a.logger)
	defer store.Close()

	pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := store.Health(pingCtx); err != nil {
		a.logger.Warnf("time-series store not reachable at startup: %v", err)
	}
	pingCancel()

	sink := alerts.NewSink(a.cfg.Alerts, a.logger)

	tokens, err := aemet.NewTokenStore(a.cfg.AEMET.TokenCachePath, a.cfg.AEMET.APIKey)
	if err != nil {
		return fmt.Errorf("initializing AEMET token store: %w", err)
	}

	reeClient := ree.NewClient(a.cfg.REE, a.logger)
	aemetClient := aemet.NewClient(a.cfg.AEMET, tokens, a.logger)
	owmClient := openweather.NewClient(a.cfg.OpenWeather, a.logger)

	orchestrator := ingest.New(store, reeClient, aemetClient, owmClient, sink, a.logger)
	detector := gaps.NewDetector(store, a.logger)
	backfiller := gaps.NewBackfiller(store, detector, reeClient, aemetClient, sink, a.logger)

	forecaster, err := forecast.New(store, a.cfg.Forecast, sink, a.logger)
	if err != nil {
		return fmt.Errorf("initializing forecaster: %w", err)
	}

	analyzer := analysis.New(store, a.logger)
	planner := optimizer.New(forecaster, analyzer, owmClient, a.logger)

	sched := scheduler.New(sink, a.logger)
	a.registerJobs(sched, orchestrator, backfiller, forecaster, aemetClient, store)
	sched.Start(ctx)

	restController, err := restserver.NewController(ctx, &wg, a.cfg.RESTServer, restserver.Deps{
		Ingest:      orchestrator,
		Detector:    detector,
		Backfiller:  backfiller,
		Forecaster:  forecaster,
		Analyzer:    analyzer,
		Optimizer:   planner,
		Scheduler:   sched,
		Store:       store,
		Diagnostics: owmClient,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("initializing REST server: %w", err)
	}
	if err := restController.StartController(); err != nil {
		return err
	}

	a.logger.Info("application started successfully")

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigs:
		a.logger.Info("shutdown signal received, initiating graceful shutdown")
	case <-ctx.Done():
		a.logger.Info("context cancelled, shutting down")
	}

	cancel()
	backfiller.Stop()
	sched.Stop()

	a.logger.Info("waiting for all workers to terminate")
	wg.Wait()
	a.logger.Info("shutdown complete")

	return nil
}

// registerJobs installs the recurring job table.
func (a *App) registerJobs(sched *scheduler.Scheduler, orchestrator *ingest.Orchestrator, backfiller *gaps.Backfiller, forecaster *forecast.Forecaster, aemetClient *aemet.Client, store *tsdb.Client) {
	sched.Register(scheduler.JobSpec{
		Name:     "ree_ingest",
		Interval: 5 * time.Minute,
		Run: func(ctx context.Context) error {
			_, err := orchestrator.IngestREE(ctx)
			return err
		},
	})
	sched.Register(scheduler.JobSpec{
		Name:     "weather_ingest",
		Interval: 5 * time.Minute,
		Run: func(ctx context.Context) error {
			_, err := orchestrator.IngestWeatherHybrid(ctx)
			return err
		},
	})
	sched.Register(scheduler.JobSpec{
		Name:       "auto_backfill_check",
		Interval:   2 * time.Hour,
		MaxRuntime: 45 * time.Minute,
		Run: func(ctx context.Context) error {
			_, err := backfiller.RunAuto(ctx, 6)
			return err
		},
	})
	sched.Register(scheduler.JobSpec{
		Name:        "daily_backfill",
		DailyAtHour: 1,
		MaxRuntime:  90 * time.Minute,
		Run: func(ctx context.Context) error {
			_, err := backfiller.RunAuto(ctx, 3)
			return err
		},
	})
	sched.Register(scheduler.JobSpec{
		Name:       "ensure_forecast_model",
		Interval:   6 * time.Hour,
		MaxRuntime: 10 * time.Minute,
		Run:        forecaster.TrainIfStaleOrDegraded,
	})
	sched.Register(scheduler.JobSpec{
		Name:        "token_refresh",
		DailyAtHour: 3,
		Run:         aemetClient.EnsureFreshToken,
	})
	sched.Register(scheduler.JobSpec{
		Name:     "health_check",
		Interval: 15 * time.Minute,
		Run:      store.Health,
	})
}
