// Package types holds the shared data types that flow between the
// ingestion, storage, gap-recovery and forecasting components.
package types

import "time"

// Point is the canonical unit written to the time-series store. Fields
// are kept as float64 by construction so a writer can never introduce
// an integer field into an existing float series.
type Point struct {
	Measurement string
	Tags        map[string]string
	Fields      map[string]float64
	Time        time.Time
}

// PriceRecord is a normalized hourly spot price returned by the REE client.
type PriceRecord struct {
	Timestamp    time.Time `json:"timestamp"`
	PriceEURKWh  float64   `json:"price_eur_kwh"`
	DemandMW     float64   `json:"demand_mw,omitempty"`
	HasDemand    bool      `json:"-"`
	TariffPeriod string    `json:"tariff_period"`
}

// WeatherRecord is a normalized observation returned by the weather clients.
type WeatherRecord struct {
	Timestamp      time.Time `json:"timestamp"`
	StationID      string    `json:"station_id"`
	StationName    string    `json:"station_name"`
	Province       string    `json:"province"`
	DataSource     string    `json:"data_source"`
	DataType       string    `json:"data_type"`
	Temperature    float64   `json:"temperature"`
	TemperatureMax float64   `json:"temperature_max"`
	TemperatureMin float64   `json:"temperature_min"`
	Humidity       float64   `json:"humidity"`
	Pressure       float64   `json:"pressure"`
	WindSpeed      float64   `json:"wind_speed"`
	WindDirection  float64   `json:"wind_direction"`
	Precipitation  float64   `json:"precipitation"`
	SolarRadiation float64   `json:"solar_radiation"`
	Altitude       float64   `json:"altitude"`
}

// IngestStats summarizes one ingestion cycle.
type IngestStats struct {
	RecordsFetched int     `json:"records_fetched"`
	RecordsWritten int     `json:"records_written"`
	SuccessRate    float64 `json:"success_rate"`
	SourceUsed     string  `json:"source_used"`
	LatencyMS      int64   `json:"latency_ms"`
}

// Data source tag values shared by writers and the gap engine.
const (
	SourceREERealtime   = "ree_realtime"
	SourceREEHistorical = "ree_historical"
	SourceAEMET         = "aemet"
	SourceOpenWeather   = "openweathermap"
	SourceSIAR          = "siar_historical"
	SourceDatosclima    = "datosclima_etl"
)
