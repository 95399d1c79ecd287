// Package config defines the configuration model for the factory
// backend and the providers that load it.
package config

import "time"

// ConfigProvider defines the interface for configuration data sources
type ConfigProvider interface {
	// Load complete configuration
	LoadConfig() (*ConfigData, error)

	// Configuration management
	IsReadOnly() bool
	Close() error
}

// ConfigData represents the complete configuration structure
type ConfigData struct {
	InfluxDB    InfluxDBData    `json:"influxdb" yaml:"influxdb"`
	REE         REEData         `json:"ree" yaml:"ree"`
	AEMET       AEMETData       `json:"aemet" yaml:"aemet"`
	OpenWeather OpenWeatherData `json:"openweathermap" yaml:"openweathermap"`
	Alerts      AlertsData      `json:"alerts" yaml:"alerts"`
	Forecast    ForecastData    `json:"forecast" yaml:"forecast"`
	RESTServer  RESTServerData  `json:"rest" yaml:"rest"`
}

// InfluxDBData holds the connection settings for the time-series bucket.
type InfluxDBData struct {
	URL    string `json:"url" yaml:"url"`
	Org    string `json:"org" yaml:"org"`
	Bucket string `json:"bucket" yaml:"bucket"`
	Token  string `json:"token,omitempty" yaml:"token,omitempty"`
}

// REEData holds settings for the REE spot-price API (no auth required).
type REEData struct {
	APIEndpoint string `json:"api_endpoint,omitempty" yaml:"api_endpoint,omitempty"`
}

// AEMETData holds settings for the AEMET OpenData API.
type AEMETData struct {
	APIKey         string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	APIEndpoint    string `json:"api_endpoint,omitempty" yaml:"api_endpoint,omitempty"`
	StationID      string `json:"station_id,omitempty" yaml:"station_id,omitempty"`
	TokenCachePath string `json:"token_cache_path,omitempty" yaml:"token_cache_path,omitempty"`
}

// OpenWeatherData holds settings for the OpenWeatherMap API.
type OpenWeatherData struct {
	APIKey      string  `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	APIEndpoint string  `json:"api_endpoint,omitempty" yaml:"api_endpoint,omitempty"`
	Latitude    float64 `json:"latitude,omitempty" yaml:"latitude,omitempty"`
	Longitude   float64 `json:"longitude,omitempty" yaml:"longitude,omitempty"`
}

// AlertsData holds the notification channel settings. With Enabled set
// to false the alert sink becomes a no-op, which is the default for
// local development.
type AlertsData struct {
	Enabled        bool   `json:"enabled" yaml:"enabled"`
	TelegramToken  string `json:"telegram_token,omitempty" yaml:"telegram_token,omitempty"`
	TelegramChatID string `json:"telegram_chat_id,omitempty" yaml:"telegram_chat_id,omitempty"`
}

// ForecastData holds the price-forecaster settings.
type ForecastData struct {
	ModelDir       string `json:"model_dir,omitempty" yaml:"model_dir,omitempty"`
	MetricsPath    string `json:"metrics_path,omitempty" yaml:"metrics_path,omitempty"`
	TrainingMonths int    `json:"training_months,omitempty" yaml:"training_months,omitempty"`
}

// RESTServerData holds the configuration for the REST server.
type RESTServerData struct {
	ListenAddr  string   `json:"listen_addr,omitempty" yaml:"listen_addr,omitempty"`
	Port        int      `json:"port,omitempty" yaml:"port,omitempty"`
	TLSCertPath string   `json:"tls_cert_path,omitempty" yaml:"tls_cert_path,omitempty"`
	TLSKeyPath  string   `json:"tls_key_path,omitempty" yaml:"tls_key_path,omitempty"`
	AuthEnabled bool     `json:"auth_enabled" yaml:"auth_enabled"`
	AdminTokens []string `json:"admin_tokens,omitempty" yaml:"admin_tokens,omitempty"`
}

// ApplyDefaults fills in the safe defaults for anything the source did
// not provide.
func (c *ConfigData) ApplyDefaults() {
	if c.InfluxDB.URL == "" {
		c.InfluxDB.URL = "http://localhost:8086"
	}
	if c.InfluxDB.Bucket == "" {
		c.InfluxDB.Bucket = "energy_data"
	}
	if c.AEMET.StationID == "" {
		c.AEMET.StationID = "5279X"
	}
	if c.AEMET.TokenCachePath == "" {
		c.AEMET.TokenCachePath = ".aemet_token"
	}
	if c.Forecast.ModelDir == "" {
		c.Forecast.ModelDir = "models/forecasting"
	}
	if c.Forecast.MetricsPath == "" {
		c.Forecast.MetricsPath = "models/metrics_history.csv"
	}
	if c.Forecast.TrainingMonths == 0 {
		c.Forecast.TrainingMonths = 12
	}
	if c.RESTServer.ListenAddr == "" {
		c.RESTServer.ListenAddr = "0.0.0.0"
	}
	if c.RESTServer.Port == 0 {
		c.RESTServer.Port = 8080
	}
}

// ClientTimeout is the default timeout for all external API clients.
const ClientTimeout = 30 * time.Second
