package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
influxdb:
  url: http://influx.internal:8086
  org: factory
  bucket: energy_data
aemet:
  api_key: seed-key
  station_id: 5279X
rest:
  port: 9090
  auth_enabled: true
  admin_tokens:
    - tok-1
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := NewYAMLProvider(path).LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.InfluxDB.URL != "http://influx.internal:8086" {
		t.Errorf("influx URL = %q", cfg.InfluxDB.URL)
	}
	if cfg.AEMET.StationID != "5279X" {
		t.Errorf("station = %q", cfg.AEMET.StationID)
	}
	if cfg.RESTServer.Port != 9090 || !cfg.RESTServer.AuthEnabled {
		t.Errorf("rest config = %+v", cfg.RESTServer)
	}
	if len(cfg.RESTServer.AdminTokens) != 1 || cfg.RESTServer.AdminTokens[0] != "tok-1" {
		t.Errorf("admin tokens = %v", cfg.RESTServer.AdminTokens)
	}
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewYAMLProvider(filepath.Join(t.TempDir(), "absent.yaml")).LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.InfluxDB.URL != "http://localhost:8086" {
		t.Errorf("default influx URL = %q", cfg.InfluxDB.URL)
	}
	if cfg.InfluxDB.Bucket != "energy_data" {
		t.Errorf("default bucket = %q", cfg.InfluxDB.Bucket)
	}
}

func TestEnvOverridesBeatFileValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("influxdb:\n  token: from-file\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("INFLUXDB_TOKEN", "from-env")
	t.Setenv("REST_PORT", "8181")

	cfg, err := NewYAMLProvider(path).LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.InfluxDB.Token != "from-env" {
		t.Errorf("token = %q, want env override", cfg.InfluxDB.Token)
	}
	if cfg.RESTServer.Port != 8181 {
		t.Errorf("port = %d, want 8181", cfg.RESTServer.Port)
	}
}
