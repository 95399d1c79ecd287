package tsdb

import (
	"context"
	"fmt"
	"time"

	"github.com/chocops/chocofactory/internal/constants"
	"github.com/chocops/chocofactory/internal/types"
)

// PriceSeries returns the hourly spot prices in [start, end) ascending.
// The forecaster trains on this and the optimizer reads it for plan days.
func (c *Client) PriceSeries(ctx context.Context, start, end time.Time) ([]types.PriceRecord, error) {
	flux := buildPivotQuery(c.bucket, constants.MeasurementEnergyPrices, nil, start, end)
	result, err := c.queryAPI.Query(ctx, flux)
	if err != nil {
		return nil, fmt.Errorf("querying price series: %w", err)
	}

	var records []types.PriceRecord
	for result.Next() {
		rec := result.Record()
		pr := types.PriceRecord{Timestamp: rec.Time()}
		if v, ok := rec.ValueByKey("price_eur_kwh").(float64); ok {
			pr.PriceEURKWh = v
		}
		if v, ok := rec.ValueByKey("demand_mw").(float64); ok {
			pr.DemandMW = v
			pr.HasDemand = true
		}
		if v, ok := rec.ValueByKey("tariff_period").(string); ok {
			pr.TariffPeriod = v
		}
		records = append(records, pr)
	}
	if result.Err() != nil {
		return nil, result.Err()
	}
	return records, nil
}

// WeatherSeries returns observations for one data source in [start, end)
// ascending. Pass an empty source to read across all sources.
func (c *Client) WeatherSeries(ctx context.Context, source string, start, end time.Time) ([]types.WeatherRecord, error) {
	tags := map[string]string{}
	if source != "" {
		tags["data_source"] = source
	}
	flux := buildPivotQuery(c.bucket, constants.MeasurementWeatherData, tags, start, end)
	result, err := c.queryAPI.Query(ctx, flux)
	if err != nil {
		return nil, fmt.Errorf("querying weather series: %w", err)
	}

	var records []types.WeatherRecord
	for result.Next() {
		rec := result.Record()
		wr := types.WeatherRecord{Timestamp: rec.Time()}
		if v, ok := rec.ValueByKey("station_id").(string); ok {
			wr.StationID = v
		}
		if v, ok := rec.ValueByKey("data_source").(string); ok {
			wr.DataSource = v
		}
		if v, ok := rec.ValueByKey("data_type").(string); ok {
			wr.DataType = v
		}
		if v, ok := rec.ValueByKey("temperature").(float64); ok {
			wr.Temperature = v
		}
		if v, ok := rec.ValueByKey("temperature_max").(float64); ok {
			wr.TemperatureMax = v
		}
		if v, ok := rec.ValueByKey("temperature_min").(float64); ok {
			wr.TemperatureMin = v
		}
		if v, ok := rec.ValueByKey("humidity").(float64); ok {
			wr.Humidity = v
		}
		if v, ok := rec.ValueByKey("pressure").(float64); ok {
			wr.Pressure = v
		}
		if v, ok := rec.ValueByKey("wind_speed").(float64); ok {
			wr.WindSpeed = v
		}
		if v, ok := rec.ValueByKey("precipitation").(float64); ok {
			wr.Precipitation = v
		}
		if v, ok := rec.ValueByKey("solar_radiation").(float64); ok {
			wr.SolarRadiation = v
		}
		records = append(records, wr)
	}
	if result.Err() != nil {
		return nil, result.Err()
	}
	return records, nil
}
