// Package aemet provides integration with the AEMET OpenData API for
// official weather observations. AEMET serves data in two steps: the
// API returns a short-lived "datos" URL which is then fetched for the
// actual payload. The daily climatology endpoint is fragile (frequent
// 429s, empty windows), so range requests are chunked into quarters of
// at most 90 days and a failed chunk is tolerated.
package aemet

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/chocops/chocofactory/internal/httpclient"
	"github.com/chocops/chocofactory/internal/types"
	"github.com/chocops/chocofactory/pkg/config"
	"go.uber.org/zap"
)

const defaultEndpoint = "https://opendata.aemet.es/opendata"

const requestsPerMinute = 20

// maxChunkDays caps a single climatology request window.
const maxChunkDays = 90

// Client fetches AEMET observations and daily climatological values.
type Client struct {
	doer      *httpclient.Doer
	endpoint  string
	stationID string
	tokens    *TokenStore
	logger    *zap.SugaredLogger
}

// NewClient creates an AEMET client. The token store is shared with
// the scheduler's renewal job.
func NewClient(cfg config.AEMETData, tokens *TokenStore, logger *zap.SugaredLogger) *Client {
	endpoint := cfg.APIEndpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	stationID := cfg.StationID
	if stationID == "" {
		stationID = "5279X"
	}
	return &Client{
		doer:      httpclient.New("aemet", requestsPerMinute, httpclient.DefaultTimeout, httpclient.ExponentialBackoff(5*time.Second, 120*time.Second), logger),
		endpoint:  endpoint,
		stationID: stationID,
		tokens:    tokens,
		logger:    logger,
	}
}

// StationID returns the configured observation station.
func (c *Client) StationID() string { return c.stationID }

// envelope is the first-step response pointing at the data URL.
type envelope struct {
	Estado      int    `json:"estado"`
	Descripcion string `json:"descripcion"`
	Datos       string `json:"datos"`
}

type observation struct {
	Station     string  `json:"idema"`
	Location    string  `json:"ubi"`
	Interval    string  `json:"fint"`
	Temperature float64 `json:"ta"`
	Humidity    float64 `json:"hr"`
	Pressure    float64 `json:"pres"`
	WindSpeed   float64 `json:"vv"`
	WindDir     float64 `json:"dv"`
	Precip      float64 `json:"prec"`
	Altitude    float64 `json:"alt"`
}

// climatology values arrive as strings with comma decimals.
type climatology struct {
	Date        string `json:"fecha"`
	Station     string `json:"indicativo"`
	Name        string `json:"nombre"`
	Province    string `json:"provincia"`
	TempMean    string `json:"tmed"`
	TempMax     string `json:"tmax"`
	TempMin     string `json:"tmin"`
	Precip      string `json:"prec"`
	WindMean    string `json:"velmedia"`
	HumidityAvg string `json:"hrMedia"`
	Altitude    string `json:"altitud"`
}

// CurrentObservation returns the most recent observation for the
// configured station.
func (c *Client) CurrentObservation(ctx context.Context) (types.WeatherRecord, error) {
	path := fmt.Sprintf("%s/api/observacion/convencional/datos/estacion/%s", c.endpoint, c.stationID)

	var obs []observation
	if err := c.fetchData(ctx, path, &obs); err != nil {
		return types.WeatherRecord{}, err
	}
	if len(obs) == 0 {
		return types.WeatherRecord{}, &types.UpstreamError{Provider: "aemet", Transient: true,
			Err: errors.New("empty observation response")}
	}

	// The API returns the last ~24h of observations; take the newest.
	latest := obs[len(obs)-1]
	ts, err := time.Parse("2006-01-02T15:04:05", latest.Interval)
	if err != nil {
		return types.WeatherRecord{}, fmt.Errorf("parsing observation time %q: %w", latest.Interval, err)
	}

	return types.WeatherRecord{
		Timestamp:     ts.UTC(),
		StationID:     latest.Station,
		StationName:   latest.Location,
		Province:      "Jaén",
		DataSource:    types.SourceAEMET,
		DataType:      "current",
		Temperature:   latest.Temperature,
		Humidity:      latest.Humidity,
		Pressure:      latest.Pressure,
		WindSpeed:     latest.WindSpeed,
		WindDirection: latest.WindDir,
		Precipitation: latest.Precip,
		Altitude:      latest.Altitude,
	}, nil
}

// CurrentWeather satisfies the ingestion orchestrator's weather-source
// capability.
func (c *Client) CurrentWeather(ctx context.Context) (types.WeatherRecord, error) {
	return c.CurrentObservation(ctx)
}

// DailyClimatology returns daily values for [start, end), chunked into
// windows of at most 90 days. Failed or empty chunks are logged and
// skipped: a gap in the result is expected and tolerated, the backfill
// engine re-detects whatever remains missing.
func (c *Client) DailyClimatology(ctx context.Context, start, end time.Time) ([]types.WeatherRecord, error) {
	if !start.Before(end) {
		return nil, types.NewValidationError("range", "start must be before end")
	}

	var records []types.WeatherRecord
	for chunkStart := start.UTC(); chunkStart.Before(end); {
		chunkEnd := chunkStart.AddDate(0, 0, maxChunkDays)
		if chunkEnd.After(end) {
			chunkEnd = end.UTC()
		}

		chunk, err := c.fetchClimatologyChunk(ctx, chunkStart, chunkEnd)
		if err != nil {
			if ctx.Err() != nil {
				return records, ctx.Err()
			}
			c.logger.Warnf("AEMET climatology chunk %s..%s failed, continuing: %v",
				chunkStart.Format("2006-01-02"), chunkEnd.Format("2006-01-02"), err)
		} else {
			records = append(records, chunk...)
		}
		chunkStart = chunkEnd
	}
	return records, nil
}

func (c *Client) fetchClimatologyChunk(ctx context.Context, start, end time.Time) ([]types.WeatherRecord, error) {
	path := fmt.Sprintf("%s/api/valores/climatologicos/diarios/datos/fechaini/%s/fechafin/%s/estacion/%s",
		c.endpoint,
		start.Format("2006-01-02T15:04:05")+"UTC",
		end.Add(-time.Second).Format("2006-01-02T15:04:05")+"UTC",
		c.stationID)

	var rows []climatology
	if err := c.fetchData(ctx, path, &rows); err != nil {
		return nil, err
	}

	records := make([]types.WeatherRecord, 0, len(rows))
	for _, row := range rows {
		ts, err := time.Parse("2006-01-02", row.Date)
		if err != nil {
			c.logger.Warnf("skipping climatology row with bad date %q", row.Date)
			continue
		}
		records = append(records, types.WeatherRecord{
			Timestamp:      ts.UTC(),
			StationID:      row.Station,
			StationName:    row.Name,
			Province:       row.Province,
			DataSource:     types.SourceAEMET,
			DataType:       "observed",
			Temperature:    parseSpanishFloat(row.TempMean),
			TemperatureMax: parseSpanishFloat(row.TempMax),
			TemperatureMin: parseSpanishFloat(row.TempMin),
			Humidity:       parseSpanishFloat(row.HumidityAvg),
			WindSpeed:      parseSpanishFloat(row.WindMean),
			Precipitation:  parseSpanishFloat(row.Precip),
			Altitude:       parseSpanishFloat(row.Altitude),
		})
	}
	return records, nil
}

// RenewToken requests a fresh API key and persists it. Called by the
// scheduler's token_refresh job and by the 401 recovery path.
func (c *Client) RenewToken(ctx context.Context) error {
	var env envelope
	url := c.endpoint + "/api/token/renovar"
	if err := c.doer.GetJSON(ctx, url, c.authHeaders(), &env); err != nil {
		return fmt.Errorf("renewing AEMET token: %w", err)
	}
	if env.Datos == "" {
		return fmt.Errorf("token renewal returned no token: %s", env.Descripcion)
	}
	if err := c.tokens.Store(env.Datos); err != nil {
		return fmt.Errorf("persisting renewed token: %w", err)
	}
	c.logger.Info("AEMET token renewed")
	return nil
}

// EnsureFreshToken renews the token when it is inside its renewal
// window. Safe to call on a schedule.
func (c *Client) EnsureFreshToken(ctx context.Context) error {
	if !c.tokens.NeedsRenewal() {
		return nil
	}
	return c.RenewToken(ctx)
}

// fetchData runs the two-step AEMET fetch: envelope, then data URL.
// A 401 on either step renews the token once and retries the call.
func (c *Client) fetchData(ctx context.Context, url string, out interface{}) error {
	err := c.fetchDataOnce(ctx, url, out)
	if errors.Is(err, types.ErrAuthExpired) {
		c.logger.Warn("AEMET returned 401, renewing token and retrying")
		if renewErr := c.RenewToken(ctx); renewErr != nil {
			return renewErr
		}
		return c.fetchDataOnce(ctx, url, out)
	}
	return err
}

func (c *Client) fetchDataOnce(ctx context.Context, url string, out interface{}) error {
	var env envelope
	if err := c.doer.GetJSON(ctx, url, c.authHeaders(), &env); err != nil {
		return err
	}
	if env.Estado == 401 {
		return &types.UpstreamError{Provider: "aemet", Status: 401, Err: types.ErrAuthExpired}
	}
	if env.Datos == "" {
		return &types.UpstreamError{Provider: "aemet", Transient: true,
			Err: fmt.Errorf("no data URL in response (estado=%d, %s)", env.Estado, env.Descripcion)}
	}
	return c.doer.GetJSON(ctx, env.Datos, c.authHeaders(), out)
}

func (c *Client) authHeaders() map[string]string {
	return map[string]string{"api_key": c.tokens.Token()}
}

// parseSpanishFloat converts AEMET's comma-decimal strings ("15,4") to
// float64, returning 0 for empty or malformed values such as "Ip"
// (trace precipitation).
func parseSpanishFloat(s string) float64 {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", "."))
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
