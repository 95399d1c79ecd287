// Package restserver implements the HTTP surface of the factory
// backend: ingestion status and triggers, gap recovery, forecasts,
// climate analysis, production planning and operational health.
package restserver

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chocops/chocofactory/internal/analysis"
	"github.com/chocops/chocofactory/internal/forecast"
	"github.com/chocops/chocofactory/internal/gaps"
	"github.com/chocops/chocofactory/internal/ingest"
	"github.com/chocops/chocofactory/internal/log"
	"github.com/chocops/chocofactory/internal/optimizer"
	"github.com/chocops/chocofactory/internal/scheduler"
	"github.com/chocops/chocofactory/internal/types"
	"github.com/chocops/chocofactory/pkg/config"
	"github.com/chocops/chocofactory/pkg/responseformat"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// StoreReader is the slice of the store the HTTP layer reads directly.
// CountInRange is the authoritative record count for status responses.
type StoreReader interface {
	PriceSeries(ctx context.Context, start, end time.Time) ([]types.PriceRecord, error)
	CountInRange(ctx context.Context, measurement string, tags map[string]string, start, end time.Time) (int64, error)
	Health(ctx context.Context) error
}

// WeatherDiagnostics exposes the raw provider forecast for operators.
type WeatherDiagnostics interface {
	Forecast3h(ctx context.Context) ([]types.WeatherRecord, error)
}

// Deps collects everything the handlers serve.
type Deps struct {
	Ingest      *ingest.Orchestrator
	Detector    *gaps.Detector
	Backfiller  *gaps.Backfiller
	Forecaster  *forecast.Forecaster
	Analyzer    *analysis.Analyzer
	Optimizer   *optimizer.Optimizer
	Scheduler   *scheduler.Scheduler
	Store       StoreReader
	Diagnostics WeatherDiagnostics
}

// Controller represents the REST server controller
type Controller struct {
	ctx        context.Context
	wg         *sync.WaitGroup
	restConfig config.RESTServerData
	Server     http.Server
	deps       Deps
	logger     *zap.SugaredLogger
	handlers   *Handlers
	tokens     map[string]struct{}
}

// NewController creates a new REST server controller
func NewController(ctx context.Context, wg *sync.WaitGroup, rc config.RESTServerData, deps Deps, logger *zap.SugaredLogger) (*Controller, error) {
	ctrl := &Controller{
		ctx:        ctx,
		wg:         wg,
		restConfig: rc,
		deps:       deps,
		logger:     logger,
		tokens:     make(map[string]struct{}),
	}

	if rc.AuthEnabled {
		for _, t := range rc.AdminTokens {
			ctrl.tokens[t] = struct{}{}
		}
		// An operator who enables auth without configuring tokens still
		// needs a way in: mint one and log it once at startup.
		if len(ctrl.tokens) == 0 {
			generated := uuid.New().String()
			ctrl.tokens[generated] = struct{}{}
			logger.Warnf("auth enabled with no admin tokens configured; generated token: %s", generated)
		}
	}

	if rc.ListenAddr == "" {
		rc.ListenAddr = "0.0.0.0"
	}
	if rc.Port == 0 {
		rc.Port = 8080
	}

	ctrl.handlers = NewHandlers(deps, logger)

	ctrl.Server.Addr = fmt.Sprintf("%v:%v", rc.ListenAddr, rc.Port)
	ctrl.Server.Handler = ctrl.setupRouter()
	ctrl.Server.ReadHeaderTimeout = 10 * time.Second

	return ctrl, nil
}

// StartController starts the REST server
func (c *Controller) StartController() error {
	c.logger.Infof("starting REST server on %s", c.Server.Addr)
	c.wg.Add(1)

	go func() {
		defer c.wg.Done()

		if c.restConfig.TLSCertPath != "" && c.restConfig.TLSKeyPath != "" {
			if err := c.Server.ListenAndServeTLS(c.restConfig.TLSCertPath, c.restConfig.TLSKeyPath); err != http.ErrServerClosed {
				c.logger.Errorf("REST server error: %v", err)
			}
		} else {
			if err := c.Server.ListenAndServe(); err != http.ErrServerClosed {
				c.logger.Errorf("REST server error: %v", err)
			}
		}
	}()

	go func() {
		<-c.ctx.Done()
		c.logger.Info("shutting down the REST server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		c.Server.Shutdown(shutdownCtx)
	}()

	return nil
}

// setupRouter configures the HTTP router with all endpoints
func (c *Controller) setupRouter() *mux.Router {
	router := mux.NewRouter()
	router.Use(log.HTTPMiddleware(c.logger))

	api := router.PathPrefix("/api/v1").Subrouter()

	// Read endpoints.
	api.HandleFunc("/ree/prices", c.handlers.GetPrices).Methods(http.MethodGet)
	api.HandleFunc("/weather/hybrid", c.handlers.GetWeatherHybrid).Methods(http.MethodGet)
	api.HandleFunc("/gaps/summary", c.handlers.GetGapSummary).Methods(http.MethodGet)
	api.HandleFunc("/gaps/detect", c.handlers.GetGapDetect).Methods(http.MethodGet)
	api.HandleFunc("/gaps/backfill/{id}", c.handlers.GetBackfillReport).Methods(http.MethodGet)
	api.HandleFunc("/predict/prices/weekly", c.handlers.GetWeeklyForecast).Methods(http.MethodGet)
	api.HandleFunc("/predict/prices/hourly", c.handlers.GetPriceForecast).Methods(http.MethodGet)
	api.HandleFunc("/models/price-forecast/status", c.handlers.GetModelStatus).Methods(http.MethodGet)
	api.HandleFunc("/models/price-forecast/metrics", c.handlers.GetModelMetrics).Methods(http.MethodGet)
	api.HandleFunc("/analysis/siar-summary", c.handlers.GetSIARSummary).Methods(http.MethodGet)
	api.HandleFunc("/analysis/weather-correlation", c.handlers.GetCorrelations).Methods(http.MethodGet)
	api.HandleFunc("/analysis/seasonal-patterns", c.handlers.GetSeasonalPatterns).Methods(http.MethodGet)
	api.HandleFunc("/analysis/critical-thresholds", c.handlers.GetThresholds).Methods(http.MethodGet)
	api.HandleFunc("/analysis/context", c.handlers.GetContext).Methods(http.MethodGet)
	api.HandleFunc("/scheduler/status", c.handlers.GetSchedulerStatus).Methods(http.MethodGet)
	api.HandleFunc("/diagnostics/openweathermap/forecast", c.handlers.GetWeatherDiagnostics).Methods(http.MethodGet)

	// Mutating endpoints require an admin token when auth is enabled.
	api.Handle("/ingest-now", c.adminOnly(c.handlers.PostIngestNow)).Methods(http.MethodPost)
	api.Handle("/gaps/backfill", c.adminOnly(c.handlers.PostBackfill)).Methods(http.MethodPost)
	api.Handle("/gaps/backfill/auto", c.adminOnly(c.handlers.PostBackfillAuto)).Methods(http.MethodPost)
	api.Handle("/gaps/backfill/range", c.adminOnly(c.handlers.PostBackfillRange)).Methods(http.MethodPost)
	api.Handle("/models/price-forecast/train", c.adminOnly(c.handlers.PostTrainModel)).Methods(http.MethodPost)
	api.HandleFunc("/analysis/forecast/aemet-contextualized", c.handlers.PostContextualizedForecast).Methods(http.MethodPost)
	api.HandleFunc("/optimize/production/daily", c.handlers.PostPlanDaily).Methods(http.MethodPost)

	// Operational endpoints live outside the API prefix.
	router.HandleFunc("/health", c.handlers.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return router
}

// adminOnly rejects mutating requests without a valid bearer token when
// auth is enabled.
func (c *Controller) adminOnly(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c.restConfig.AuthEnabled {
			token := bearerToken(r)
			if _, ok := c.tokens[token]; !ok {
				c.logger.Warnf("rejected unauthorized %s %s", r.Method, r.URL.Path)
				writeError(w, r, http.StatusUnauthorized, "admin token required")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	responseformat.NewFormatter().WriteResponseStatus(w, r, status, map[string]string{"error": msg}, nil)
}
