// Package ingest implements the scheduled ingestion pipeline: it fans
// out to the external API clients, normalizes their records to Points,
// and writes them to the time-series store in one batch per source.
package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chocops/chocofactory/internal/alerts"
	"github.com/chocops/chocofactory/internal/metrics"
	"github.com/chocops/chocofactory/internal/types"
	"go.uber.org/zap"
)

// aemetWindowEnd is the UTC hour at which the hybrid policy switches
// from AEMET to OpenWeatherMap. AEMET's daily coverage window reliably
// spans 00:00-08:00 UTC; outside it OpenWeatherMap is fresher.
const aemetWindowEnd = 8

// consecutiveFailureLimit triggers an ingestion-failure alert when
// this many cycles fail back to back within failureWindow.
const (
	consecutiveFailureLimit = 3
	failureWindow           = time.Hour
)

// PriceSource is the capability the orchestrator needs from REE.
type PriceSource interface {
	CurrentPrice(ctx context.Context) (types.PriceRecord, error)
}

// WeatherSource is the capability the orchestrator needs from a
// weather provider.
type WeatherSource interface {
	CurrentWeather(ctx context.Context) (types.WeatherRecord, error)
}

// PointWriter is the slice of the store the orchestrator uses.
type PointWriter interface {
	WritePoints(ctx context.Context, points []types.Point) error
}

// Orchestrator drives the ingestion cycles. A cycle failure never
// aborts the scheduler; the next cycle retries independently and
// idempotent writes make at-least-once delivery safe.
type Orchestrator struct {
	store  PointWriter
	prices PriceSource
	aemet  WeatherSource
	owm    WeatherSource
	sink   alerts.Sink
	logger *zap.SugaredLogger
	now    func() time.Time

	mu              sync.Mutex
	reeFailures     []time.Time
	weatherFailures []time.Time
	lastPrice       *types.PriceRecord
	lastWeather     *types.WeatherRecord
}

// New creates the orchestrator.
func New(store PointWriter, prices PriceSource, aemet, owm WeatherSource, sink alerts.Sink, logger *zap.SugaredLogger) *Orchestrator {
	return &Orchestrator{
		store:  store,
		prices: prices,
		aemet:  aemet,
		owm:    owm,
		sink:   sink,
		logger: logger,
		now:    time.Now,
	}
}

// IngestREE fetches the current spot price and writes it.
func (o *Orchestrator) IngestREE(ctx context.Context) (types.IngestStats, error) {
	started := o.now()

	record, err := o.prices.CurrentPrice(ctx)
	if err != nil {
		o.recordFailure(ctx, &o.reeFailures, alerts.TopicREEIngestionFailure, "ree", err)
		return types.IngestStats{SourceUsed: "ree", LatencyMS: o.sinceMS(started)}, err
	}

	point := record.Point(types.SourceREERealtime)
	if err := o.store.WritePoints(ctx, []types.Point{point}); err != nil {
		o.recordFailure(ctx, &o.reeFailures, alerts.TopicREEIngestionFailure, "ree", err)
		return types.IngestStats{RecordsFetched: 1, SourceUsed: "ree", LatencyMS: o.sinceMS(started)}, err
	}

	o.recordSuccess(&o.reeFailures)
	o.mu.Lock()
	o.lastPrice = &record
	o.mu.Unlock()
	metrics.IngestPointsWritten.WithLabelValues(types.SourceREERealtime).Inc()

	return types.IngestStats{
		RecordsFetched: 1,
		RecordsWritten: 1,
		SuccessRate:    1.0,
		SourceUsed:     "ree",
		LatencyMS:      o.sinceMS(started),
	}, nil
}

// IngestWeatherHybrid fetches one observation using the hybrid source
// policy: AEMET inside its 00-08 UTC coverage window, OpenWeatherMap
// otherwise, each falling back to the other on failure. The point is
// tagged with the source that actually produced it.
func (o *Orchestrator) IngestWeatherHybrid(ctx context.Context) (types.IngestStats, error) {
	started := o.now()
	primary, secondary, primaryName := o.pickWeatherSources()

	record, err := primary.CurrentWeather(ctx)
	if err != nil {
		o.logger.Warnf("primary weather source %s failed, falling back: %v", primaryName, err)
		record, err = secondary.CurrentWeather(ctx)
	}
	if err != nil {
		o.recordFailure(ctx, &o.weatherFailures, alerts.TopicWeatherIngestionFailure, "weather", err)
		return types.IngestStats{SourceUsed: "none", LatencyMS: o.sinceMS(started)}, err
	}

	if err := o.store.WritePoints(ctx, []types.Point{record.Point()}); err != nil {
		o.recordFailure(ctx, &o.weatherFailures, alerts.TopicWeatherIngestionFailure, "weather", err)
		return types.IngestStats{RecordsFetched: 1, SourceUsed: record.DataSource, LatencyMS: o.sinceMS(started)}, err
	}

	o.recordSuccess(&o.weatherFailures)
	o.mu.Lock()
	o.lastWeather = &record
	o.mu.Unlock()
	metrics.IngestPointsWritten.WithLabelValues(record.DataSource).Inc()

	return types.IngestStats{
		RecordsFetched: 1,
		RecordsWritten: 1,
		SuccessRate:    1.0,
		SourceUsed:     record.DataSource,
		LatencyMS:      o.sinceMS(started),
	}, nil
}

// IngestManual runs one cycle for the named source. force bypasses the
// hybrid hour policy for weather and ingests from the named provider
// directly.
func (o *Orchestrator) IngestManual(ctx context.Context, source string, force bool) (types.IngestStats, error) {
	switch source {
	case "ree":
		return o.IngestREE(ctx)
	case "weather":
		return o.IngestWeatherHybrid(ctx)
	case "aemet":
		if !force {
			return o.IngestWeatherHybrid(ctx)
		}
		return o.ingestDirect(ctx, o.aemet)
	case "openweathermap":
		if !force {
			return o.IngestWeatherHybrid(ctx)
		}
		return o.ingestDirect(ctx, o.owm)
	default:
		return types.IngestStats{}, types.NewValidationError("source",
			fmt.Sprintf("unknown source %q (want ree, weather, aemet or openweathermap)", source))
	}
}

func (o *Orchestrator) ingestDirect(ctx context.Context, src WeatherSource) (types.IngestStats, error) {
	started := o.now()
	record, err := src.CurrentWeather(ctx)
	if err != nil {
		return types.IngestStats{SourceUsed: "none", LatencyMS: o.sinceMS(started)}, err
	}
	if err := o.store.WritePoints(ctx, []types.Point{record.Point()}); err != nil {
		return types.IngestStats{RecordsFetched: 1, SourceUsed: record.DataSource, LatencyMS: o.sinceMS(started)}, err
	}
	o.mu.Lock()
	o.lastWeather = &record
	o.mu.Unlock()
	metrics.IngestPointsWritten.WithLabelValues(record.DataSource).Inc()
	return types.IngestStats{
		RecordsFetched: 1,
		RecordsWritten: 1,
		SuccessRate:    1.0,
		SourceUsed:     record.DataSource,
		LatencyMS:      o.sinceMS(started),
	}, nil
}

// LastPrice returns the most recently ingested price record.
func (o *Orchestrator) LastPrice() (types.PriceRecord, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lastPrice == nil {
		return types.PriceRecord{}, false
	}
	return *o.lastPrice, true
}

// LastWeather returns the most recently ingested weather record.
func (o *Orchestrator) LastWeather() (types.WeatherRecord, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lastWeather == nil {
		return types.WeatherRecord{}, false
	}
	return *o.lastWeather, true
}

func (o *Orchestrator) pickWeatherSources() (primary, secondary WeatherSource, primaryName string) {
	if o.now().UTC().Hour() < aemetWindowEnd {
		return o.aemet, o.owm, "aemet"
	}
	return o.owm, o.aemet, "openweathermap"
}

func (o *Orchestrator) sinceMS(started time.Time) int64 {
	return o.now().Sub(started).Milliseconds()
}

// recordFailure tracks consecutive cycle failures and raises the
// pipeline's alert once the limit is reached inside the window.
func (o *Orchestrator) recordFailure(ctx context.Context, failures *[]time.Time, topic, pipeline string, err error) {
	metrics.IngestCycleErrors.WithLabelValues(pipeline).Inc()

	o.mu.Lock()
	now := o.now()
	*failures = append(*failures, now)

	// Keep only failures inside the window.
	kept := (*failures)[:0]
	for _, t := range *failures {
		if now.Sub(t) <= failureWindow {
			kept = append(kept, t)
		}
	}
	*failures = kept
	count := len(kept)
	o.mu.Unlock()

	o.logger.Errorf("%s ingestion cycle failed (%d consecutive): %v", pipeline, count, err)
	if count >= consecutiveFailureLimit {
		o.sink.Send(ctx, topic, alerts.SeverityWarning,
			fmt.Sprintf("%d consecutive %s ingestion failures in the last hour: %v", count, pipeline, err))
	}
}

func (o *Orchestrator) recordSuccess(failures *[]time.Time) {
	o.mu.Lock()
	*failures = (*failures)[:0]
	o.mu.Unlock()
}
