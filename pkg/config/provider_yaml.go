package config

import (
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

// YAMLProvider implements ConfigProvider for YAML configuration files.
// Environment variables override anything read from the file so that
// credentials never need to live on disk.
type YAMLProvider struct {
	filename string
}

// NewYAMLProvider creates a new YAML configuration provider
func NewYAMLProvider(filename string) *YAMLProvider {
	return &YAMLProvider{
		filename: filename,
	}
}

// LoadConfig loads the complete configuration from the YAML file and
// applies environment overrides and defaults.
func (y *YAMLProvider) LoadConfig() (*ConfigData, error) {
	config := &ConfigData{}

	if y.filename != "" {
		cfgFile, err := os.ReadFile(y.filename)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
			// Missing file is fine: env-only configuration.
		} else {
			if err := yaml.Unmarshal(cfgFile, config); err != nil {
				return nil, err
			}
		}
	}

	applyEnvOverrides(config)
	config.ApplyDefaults()
	return config, nil
}

// IsReadOnly returns true since YAML files are read-only through this interface
func (y *YAMLProvider) IsReadOnly() bool {
	return true
}

// Close is a no-op for YAML providers
func (y *YAMLProvider) Close() error {
	return nil
}

// applyEnvOverrides maps the recognized environment variables onto the
// configuration. Empty variables leave the file values untouched.
func applyEnvOverrides(c *ConfigData) {
	setString(&c.InfluxDB.URL, "INFLUXDB_URL")
	setString(&c.InfluxDB.Org, "INFLUXDB_ORG")
	setString(&c.InfluxDB.Bucket, "INFLUXDB_BUCKET")
	setString(&c.InfluxDB.Token, "INFLUXDB_TOKEN")

	setString(&c.REE.APIEndpoint, "REE_API_ENDPOINT")

	setString(&c.AEMET.APIKey, "AEMET_API_KEY")
	setString(&c.AEMET.APIEndpoint, "AEMET_API_ENDPOINT")
	setString(&c.AEMET.StationID, "AEMET_STATION_ID")
	setString(&c.AEMET.TokenCachePath, "AEMET_TOKEN_CACHE")

	setString(&c.OpenWeather.APIKey, "OPENWEATHERMAP_API_KEY")
	setString(&c.OpenWeather.APIEndpoint, "OPENWEATHERMAP_API_ENDPOINT")
	setFloat(&c.OpenWeather.Latitude, "FACTORY_LATITUDE")
	setFloat(&c.OpenWeather.Longitude, "FACTORY_LONGITUDE")

	setBool(&c.Alerts.Enabled, "ALERTS_ENABLED")
	setString(&c.Alerts.TelegramToken, "TELEGRAM_BOT_TOKEN")
	setString(&c.Alerts.TelegramChatID, "TELEGRAM_CHAT_ID")

	setString(&c.Forecast.ModelDir, "FORECAST_MODEL_DIR")
	setString(&c.Forecast.MetricsPath, "FORECAST_METRICS_PATH")

	setBool(&c.RESTServer.AuthEnabled, "AUTH_ENABLED")
	if v := os.Getenv("ADMIN_TOKENS"); v != "" {
		c.RESTServer.AdminTokens = strings.Split(v, ",")
	}
	if v := os.Getenv("REST_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.RESTServer.Port = port
		}
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}
