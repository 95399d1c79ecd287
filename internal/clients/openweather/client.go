// Package openweather provides integration with the OpenWeatherMap
// v2.5 API. It covers the hours AEMET's daily window misses; its
// 3-hour-step forecast is exposed for diagnostics only and is never
// ingested.
package openweather

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/chocops/chocofactory/internal/httpclient"
	"github.com/chocops/chocofactory/internal/types"
	"github.com/chocops/chocofactory/pkg/config"
	"go.uber.org/zap"
)

const defaultEndpoint = "https://api.openweathermap.org/data/2.5"

const requestsPerMinute = 60

// Client fetches current weather and the 3-hour forecast.
type Client struct {
	doer      *httpclient.Doer
	endpoint  string
	apiKey    string
	latitude  float64
	longitude float64
	logger    *zap.SugaredLogger
}

// NewClient creates an OpenWeatherMap client for the factory location.
func NewClient(cfg config.OpenWeatherData, logger *zap.SugaredLogger) *Client {
	endpoint := cfg.APIEndpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	return &Client{
		doer:      httpclient.New("openweathermap", requestsPerMinute, httpclient.DefaultTimeout, httpclient.LinearBackoff(time.Second), logger),
		endpoint:  endpoint,
		apiKey:    cfg.APIKey,
		latitude:  cfg.Latitude,
		longitude: cfg.Longitude,
		logger:    logger,
	}
}

type currentResponse struct {
	DT   int64  `json:"dt"`
	Name string `json:"name"`
	Main struct {
		Temp     float64 `json:"temp"`
		TempMax  float64 `json:"temp_max"`
		TempMin  float64 `json:"temp_min"`
		Humidity float64 `json:"humidity"`
		Pressure float64 `json:"pressure"`
	} `json:"main"`
	Wind struct {
		Speed float64 `json:"speed"`
		Deg   float64 `json:"deg"`
	} `json:"wind"`
	Rain struct {
		OneHour float64 `json:"1h"`
	} `json:"rain"`
}

type forecastResponse struct {
	List []struct {
		DT   int64 `json:"dt"`
		Main struct {
			Temp     float64 `json:"temp"`
			Humidity float64 `json:"humidity"`
			Pressure float64 `json:"pressure"`
		} `json:"main"`
		Wind struct {
			Speed float64 `json:"speed"`
			Deg   float64 `json:"deg"`
		} `json:"wind"`
	} `json:"list"`
	City struct {
		Name string `json:"name"`
	} `json:"city"`
}

// Current returns the latest observation for the factory coordinates.
func (c *Client) Current(ctx context.Context) (types.WeatherRecord, error) {
	var resp currentResponse
	if err := c.doer.GetJSON(ctx, c.buildURL("/weather"), nil, &resp); err != nil {
		return types.WeatherRecord{}, err
	}

	return types.WeatherRecord{
		Timestamp:      time.Unix(resp.DT, 0).UTC(),
		StationID:      "owm",
		StationName:    resp.Name,
		Province:       "Jaén",
		DataSource:     types.SourceOpenWeather,
		DataType:       "current",
		Temperature:    resp.Main.Temp,
		TemperatureMax: resp.Main.TempMax,
		TemperatureMin: resp.Main.TempMin,
		Humidity:       resp.Main.Humidity,
		Pressure:       resp.Main.Pressure,
		WindSpeed:      resp.Wind.Speed,
		WindDirection:  resp.Wind.Deg,
		Precipitation:  resp.Rain.OneHour,
	}, nil
}

// CurrentWeather satisfies the ingestion orchestrator's weather-source
// capability.
func (c *Client) CurrentWeather(ctx context.Context) (types.WeatherRecord, error) {
	return c.Current(ctx)
}

// Forecast3h returns the 3-hour-step forecast, up to five days out.
// Diagnostics only: these records are never written to the store.
func (c *Client) Forecast3h(ctx context.Context) ([]types.WeatherRecord, error) {
	var resp forecastResponse
	if err := c.doer.GetJSON(ctx, c.buildURL("/forecast"), nil, &resp); err != nil {
		return nil, err
	}

	records := make([]types.WeatherRecord, 0, len(resp.List))
	for _, entry := range resp.List {
		records = append(records, types.WeatherRecord{
			Timestamp:   time.Unix(entry.DT, 0).UTC(),
			StationID:   "owm",
			StationName: resp.City.Name,
			DataSource:  types.SourceOpenWeather,
			DataType:    "forecast",
			Temperature: entry.Main.Temp,
			Humidity:    entry.Main.Humidity,
			Pressure:    entry.Main.Pressure,
			WindSpeed:   entry.Wind.Speed,
		})
	}
	return records, nil
}

func (c *Client) buildURL(path string) string {
	v := url.Values{}
	v.Set("lat", fmt.Sprintf("%.6f", c.latitude))
	v.Set("lon", fmt.Sprintf("%.6f", c.longitude))
	v.Set("units", "metric")
	v.Set("appid", c.apiKey)
	return c.endpoint + path + "?" + v.Encode()
}
