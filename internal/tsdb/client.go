// Package tsdb wraps the InfluxDB 2.x client behind the Point
// abstraction used by the rest of the backend. This is the only
// package that knows the storage dialect: writers speak Points, readers
// speak typed records, and everything else stays out of Flux.
package tsdb

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chocops/chocofactory/internal/types"
	"github.com/chocops/chocofactory/pkg/config"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"
)

// maxBatchSize is the largest batch handed to the write API in one
// call. Larger caller batches are split transparently.
const maxBatchSize = 500

// Client talks to the time-series bucket. Writes are synchronous: the
// caller sees the batch confirmed or an error.
type Client struct {
	influx   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	queryAPI api.QueryAPI
	bucket   string
	logger   *zap.SugaredLogger
}

// NewClient creates a store client from configuration. The connection
// is lazy; use Health to verify reachability at startup.
func NewClient(cfg config.InfluxDBData, logger *zap.SugaredLogger) *Client {
	influx := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &Client{
		influx:   influx,
		writeAPI: influx.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		queryAPI: influx.QueryAPI(cfg.Org),
		bucket:   cfg.Bucket,
		logger:   logger,
	}
}

// Close releases the underlying HTTP resources.
func (c *Client) Close() {
	c.influx.Close()
}

// WritePoints writes a batch of points synchronously. Duplicate
// timestamps with identical tag sets overwrite previous values, which
// makes re-ingestion of the same window idempotent.
func (c *Client) WritePoints(ctx context.Context, points []types.Point) error {
	for start := 0; start < len(points); start += maxBatchSize {
		end := start + maxBatchSize
		if end > len(points) {
			end = len(points)
		}

		batch := make([]*write.Point, 0, end-start)
		for _, p := range points[start:end] {
			fields := make(map[string]interface{}, len(p.Fields))
			for k, v := range p.Fields {
				fields[k] = v
			}
			batch = append(batch, influxdb2.NewPoint(p.Measurement, p.Tags, fields, p.Time.UTC()))
		}

		if err := c.writeAPI.WritePoint(ctx, batch...); err != nil {
			if strings.Contains(err.Error(), "field type conflict") {
				return &types.FieldTypeConflictError{
					Measurement: points[start].Measurement,
					Detail:      err.Error(),
				}
			}
			return fmt.Errorf("writing %d points: %w", end-start, err)
		}
	}
	return nil
}

// Query runs a raw Flux query and returns the result iterator.
func (c *Client) Query(ctx context.Context, flux string) (*api.QueryTableResult, error) {
	return c.queryAPI.Query(ctx, flux)
}

// LatestTimestamp returns the newest timestamp for a measurement under
// the given tag filter, or ok=false when the series is empty.
func (c *Client) LatestTimestamp(ctx context.Context, measurement string, tags map[string]string) (time.Time, bool, error) {
	flux := buildLatestQuery(c.bucket, measurement, tags)
	result, err := c.queryAPI.Query(ctx, flux)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("querying latest timestamp for %s: %w", measurement, err)
	}

	var latest time.Time
	var found bool
	for result.Next() {
		ts := result.Record().Time()
		if ts.After(latest) {
			latest = ts
			found = true
		}
	}
	if result.Err() != nil {
		return time.Time{}, false, result.Err()
	}
	return latest, found, nil
}

// Timestamps returns all point timestamps for a measurement in
// [start, end), ascending. The gap detector scans these for holes.
func (c *Client) Timestamps(ctx context.Context, measurement string, tags map[string]string, start, end time.Time) ([]time.Time, error) {
	flux := buildTimestampsQuery(c.bucket, measurement, tags, start, end)
	result, err := c.queryAPI.Query(ctx, flux)
	if err != nil {
		return nil, fmt.Errorf("querying timestamps for %s: %w", measurement, err)
	}

	var stamps []time.Time
	for result.Next() {
		stamps = append(stamps, result.Record().Time())
	}
	if result.Err() != nil {
		return nil, result.Err()
	}
	return stamps, nil
}

// CountInRange counts the points for a measurement in [start, end).
// This is the authoritative record count; status endpoints must derive
// their numbers from it rather than from cached counters.
func (c *Client) CountInRange(ctx context.Context, measurement string, tags map[string]string, start, end time.Time) (int64, error) {
	flux := buildCountQuery(c.bucket, measurement, tags, start, end)
	result, err := c.queryAPI.Query(ctx, flux)
	if err != nil {
		return 0, fmt.Errorf("counting %s points: %w", measurement, err)
	}

	var total int64
	for result.Next() {
		if v, ok := result.Record().Value().(int64); ok {
			total += v
		}
	}
	if result.Err() != nil {
		return 0, result.Err()
	}
	return total, nil
}

// Health pings the store.
func (c *Client) Health(ctx context.Context) error {
	health, err := c.influx.Health(ctx)
	if err != nil {
		return fmt.Errorf("store health check: %w", err)
	}
	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("store unhealthy: %s %s", health.Status, msg)
	}
	return nil
}
