package types

import "time"

// Point converts a price record to its canonical storage point. All
// numeric fields are float64 by construction, which keeps the series
// schema stable. source distinguishes live ingestion from backfill.
func (r PriceRecord) Point(source string) Point {
	fields := map[string]float64{
		"price_eur_kwh": r.PriceEURKWh,
	}
	if r.HasDemand {
		fields["demand_mw"] = r.DemandMW
	}
	return Point{
		Measurement: "energy_prices",
		Tags: map[string]string{
			"provider":      "ree",
			"data_source":   source,
			"tariff_period": r.TariffPeriod,
		},
		Fields: fields,
		Time:   r.Timestamp.UTC().Truncate(time.Hour),
	}
}

// Point converts a weather record to its canonical storage point.
// Zero-valued optional fields are still written; the store treats a
// written 0.0 and an absent field differently only for fields we
// always populate.
func (r WeatherRecord) Point() Point {
	granularity := time.Hour
	if r.DataSource == SourceSIAR || r.DataSource == SourceDatosclima {
		granularity = 24 * time.Hour
	}
	return Point{
		Measurement: "weather_data",
		Tags: map[string]string{
			"station_id":   r.StationID,
			"station_name": r.StationName,
			"province":     r.Province,
			"data_source":  r.DataSource,
			"data_type":    r.DataType,
		},
		Fields: map[string]float64{
			"temperature":     r.Temperature,
			"temperature_max": r.TemperatureMax,
			"temperature_min": r.TemperatureMin,
			"humidity":        r.Humidity,
			"pressure":        r.Pressure,
			"wind_speed":      r.WindSpeed,
			"wind_direction":  r.WindDirection,
			"precipitation":   r.Precipitation,
			"solar_radiation": r.SolarRadiation,
			"altitude":        r.Altitude,
		},
		Time: r.Timestamp.UTC().Truncate(granularity),
	}
}
