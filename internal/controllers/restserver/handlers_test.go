package restserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/chocops/chocofactory/internal/alerts"
	"github.com/chocops/chocofactory/internal/analysis"
	"github.com/chocops/chocofactory/internal/forecast"
	"github.com/chocops/chocofactory/internal/gaps"
	"github.com/chocops/chocofactory/internal/ingest"
	"github.com/chocops/chocofactory/internal/optimizer"
	"github.com/chocops/chocofactory/internal/scheduler"
	"github.com/chocops/chocofactory/internal/types"
	"github.com/chocops/chocofactory/pkg/config"
	"go.uber.org/zap"
)

type fakeStore struct {
	healthErr error
	prices    []types.PriceRecord
}

func (s *fakeStore) WritePoints(ctx context.Context, points []types.Point) error { return nil }

func (s *fakeStore) PriceSeries(ctx context.Context, start, end time.Time) ([]types.PriceRecord, error) {
	return s.prices, nil
}

func (s *fakeStore) Health(ctx context.Context) error { return s.healthErr }

func (s *fakeStore) Timestamps(ctx context.Context, measurement string, tags map[string]string, start, end time.Time) ([]time.Time, error) {
	var out []time.Time
	for ts := start.Truncate(time.Hour); ts.Before(end); ts = ts.Add(time.Hour) {
		out = append(out, ts)
	}
	return out, nil
}

func (s *fakeStore) LatestTimestamp(ctx context.Context, measurement string, tags map[string]string) (time.Time, bool, error) {
	return time.Now().UTC(), true, nil
}

func (s *fakeStore) CountInRange(ctx context.Context, measurement string, tags map[string]string, start, end time.Time) (int64, error) {
	stamps, _ := s.Timestamps(ctx, measurement, tags, start, end)
	return int64(len(stamps)), nil
}

type fakePrices struct {
	record types.PriceRecord
	err    error
}

func (p *fakePrices) CurrentPrice(ctx context.Context) (types.PriceRecord, error) {
	return p.record, p.err
}

func (p *fakePrices) FetchPrices(ctx context.Context, start, end time.Time) ([]types.PriceRecord, error) {
	return nil, p.err
}

type fakeWeather struct {
	record types.WeatherRecord
	err    error
}

func (f *fakeWeather) CurrentWeather(ctx context.Context) (types.WeatherRecord, error) {
	return f.record, f.err
}

func (f *fakeWeather) DailyClimatology(ctx context.Context, start, end time.Time) ([]types.WeatherRecord, error) {
	return nil, f.err
}

func (f *fakeWeather) Forecast3h(ctx context.Context) ([]types.WeatherRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []types.WeatherRecord{f.record}, nil
}

type fakeSIARReader struct{}

func (fakeSIARReader) WeatherSeries(ctx context.Context, source string, start, end time.Time) ([]types.WeatherRecord, error) {
	var out []types.WeatherRecord
	base := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	for d := 0; d < 365; d++ {
		out = append(out, types.WeatherRecord{
			Timestamp:   base.AddDate(0, 0, d),
			DataSource:  types.SourceSIAR,
			Temperature: 18 + float64(d%15),
			Humidity:    50 + float64(d%20),
		})
	}
	return out, nil
}

type testEnv struct {
	controller *Controller
	ingest     *ingest.Orchestrator
	forecaster *forecast.Forecaster
}

func newTestEnv(t *testing.T, rc config.RESTServerData) *testEnv {
	t.Helper()
	logger := zap.NewNop().Sugar()
	sink := &alerts.NoopSink{}
	store := &fakeStore{}

	prices := &fakePrices{record: types.PriceRecord{
		Timestamp:    time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC),
		PriceEURKWh:  0.18,
		TariffPeriod: "P2",
	}}
	weather := &fakeWeather{record: types.WeatherRecord{
		Timestamp:   time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC),
		DataSource:  types.SourceAEMET,
		Temperature: 21,
		Humidity:    50,
	}}

	orch := ingest.New(store, prices, weather, weather, sink, logger)
	detector := gaps.NewDetector(store, logger)
	backfiller := gaps.NewBackfiller(store, detector, prices, weather, sink, logger)

	dir := t.TempDir()
	forecaster, err := forecast.New(store, config.ForecastData{
		ModelDir:       dir,
		MetricsPath:    filepath.Join(dir, "metrics.csv"),
		TrainingMonths: 12,
	}, sink, logger)
	if err != nil {
		t.Fatalf("forecast.New: %v", err)
	}

	analyzer := analysis.New(fakeSIARReader{}, logger)
	opt := optimizer.New(forecaster, analyzer, weather, logger)

	sched := scheduler.New(sink, logger)
	sched.Register(scheduler.JobSpec{Name: "ree_ingest", Interval: 5 * time.Minute, Run: func(ctx context.Context) error { return nil }})

	ctrl, err := NewController(context.Background(), &sync.WaitGroup{}, rc, Deps{
		Ingest:      orch,
		Detector:    detector,
		Backfiller:  backfiller,
		Forecaster:  forecaster,
		Analyzer:    analyzer,
		Optimizer:   opt,
		Scheduler:   sched,
		Store:       store,
		Diagnostics: weather,
	}, logger)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	return &testEnv{controller: ctrl, ingest: orch, forecaster: forecaster}
}

func (e *testEnv) do(method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.controller.Server.Handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, config.RESTServerData{})

	rec := env.do(http.MethodGet, "/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("healthy status = %d, want 200", rec.Code)
	}

	env.controller.deps.Store.(*fakeStore).healthErr = errors.New("store down")
	rec = env.do(http.MethodGet, "/health", nil, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("degraded status = %d, want 503", rec.Code)
	}
}

func TestGetPricesLifecycle(t *testing.T) {
	env := newTestEnv(t, config.RESTServerData{})

	rec := env.do(http.MethodGet, "/api/v1/ree/prices", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("before ingestion status = %d, want 404", rec.Code)
	}

	if _, err := env.ingest.IngestREE(context.Background()); err != nil {
		t.Fatalf("IngestREE: %v", err)
	}

	rec = env.do(http.MethodGet, "/api/v1/ree/prices", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("after ingestion status = %d, want 200", rec.Code)
	}
	var body struct {
		Price types.PriceRecord `json:"price"`
		Color string            `json:"color"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body.Price.PriceEURKWh != 0.18 || body.Color != "red" {
		t.Errorf("body = %+v", body)
	}
}

func TestForecastEndpointErrors(t *testing.T) {
	env := newTestEnv(t, config.RESTServerData{})

	rec := env.do(http.MethodGet, "/api/v1/predict/prices/hourly", nil, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("untrained model status = %d, want 503", rec.Code)
	}

	rec = env.do(http.MethodGet, "/api/v1/predict/prices/weekly", nil, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("untrained weekly status = %d, want 503", rec.Code)
	}

	rec = env.do(http.MethodGet, "/api/v1/predict/prices/hourly?hours=500", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("horizon overflow status = %d, want 400", rec.Code)
	}
}

func TestErrorResponsesCarryHeaders(t *testing.T) {
	env := newTestEnv(t, config.RESTServerData{})

	rec := env.do(http.MethodGet, "/api/v1/predict/prices/hourly?hours=500", nil, nil)
	res := rec.Result()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", res.StatusCode)
	}
	if ct := res.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("error Content-Type = %q, want application/json", ct)
	}
	if res.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Error("error response missing CORS header")
	}
}

func TestGapSummaryEndpoint(t *testing.T) {
	env := newTestEnv(t, config.RESTServerData{})

	rec := env.do(http.MethodGet, "/api/v1/gaps/summary", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Measurements    map[string]gaps.MeasurementSummary `json:"measurements"`
		RecordCounts    map[string]int64                   `json:"record_counts"`
		Recommendations []string                           `json:"recommendations"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if _, ok := body.Measurements["energy_prices"]; !ok {
		t.Error("missing energy_prices summary")
	}
	if _, ok := body.Measurements["weather_data"]; !ok {
		t.Error("missing weather_data summary")
	}
	if body.RecordCounts["energy_prices"] == 0 {
		t.Error("record count for energy_prices must come from the store")
	}
	if len(body.Recommendations) != 1 || body.Recommendations[0] != "data continuity ok" {
		t.Errorf("recommendations = %v, want the all-clear for a continuous series", body.Recommendations)
	}

	rec = env.do(http.MethodGet, "/api/v1/gaps/summary?days=-1", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad days status = %d, want 400", rec.Code)
	}
}

func TestAdminAuth(t *testing.T) {
	env := newTestEnv(t, config.RESTServerData{
		AuthEnabled: true,
		AdminTokens: []string{"secret-token"},
	})

	rec := env.do(http.MethodPost, "/api/v1/ingest-now?source=ree", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", rec.Code)
	}

	rec = env.do(http.MethodPost, "/api/v1/ingest-now?source=ree", nil,
		map[string]string{"Authorization": "Bearer wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong token status = %d, want 401", rec.Code)
	}

	rec = env.do(http.MethodPost, "/api/v1/ingest-now?source=ree", nil,
		map[string]string{"Authorization": "Bearer secret-token"})
	if rec.Code != http.StatusOK {
		t.Errorf("authenticated status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}

	// Read endpoints stay open.
	rec = env.do(http.MethodGet, "/api/v1/scheduler/status", nil, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("read endpoint status = %d, want 200", rec.Code)
	}
}

func TestIngestNowValidation(t *testing.T) {
	env := newTestEnv(t, config.RESTServerData{})

	rec := env.do(http.MethodPost, "/api/v1/ingest-now?source=bogus", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown source status = %d, want 400", rec.Code)
	}
}

func TestBackfillJobLifecycle(t *testing.T) {
	env := newTestEnv(t, config.RESTServerData{})

	rec := env.do(http.MethodGet, "/api/v1/gaps/backfill/no-such-job", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown job status = %d, want 404", rec.Code)
	}

	rec = env.do(http.MethodPost, "/api/v1/gaps/backfill?days_back=-1", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad days_back status = %d, want 400", rec.Code)
	}

	rec = env.do(http.MethodPost, "/api/v1/gaps/backfill?days_back=2", nil, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("launch status = %d, want 202 (body %s)", rec.Code, rec.Body.String())
	}
	if ct := rec.Result().Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("202 Content-Type = %q, want application/json", ct)
	}
	var launch struct {
		JobID string `json:"job_id"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&launch); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if launch.JobID == "" {
		t.Fatal("no job id returned")
	}

	rec = env.do(http.MethodGet, "/api/v1/gaps/backfill/"+launch.JobID, nil, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("report status = %d, want 200", rec.Code)
	}
}

func TestBackfillRangeEndpoint(t *testing.T) {
	env := newTestEnv(t, config.RESTServerData{})

	payload, _ := json.Marshal(backfillRangeRequest{StartDate: "2025-03-01", EndDate: "2025-03-03"})
	rec := env.do(http.MethodPost, "/api/v1/gaps/backfill/range", payload, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("range status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	var report gaps.Report
	if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if report.Status != gaps.StatusNoActionNeeded {
		t.Errorf("report status = %q, want no_action_needed for a continuous series", report.Status)
	}

	payload, _ = json.Marshal(backfillRangeRequest{StartDate: "2025-03-01", EndDate: "2025-03-03", DataSource: "ree"})
	rec = env.do(http.MethodPost, "/api/v1/gaps/backfill/range", payload, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("ree-only range status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}

	payload, _ = json.Marshal(backfillRangeRequest{StartDate: "2025-03-03", EndDate: "2025-03-01"})
	rec = env.do(http.MethodPost, "/api/v1/gaps/backfill/range", payload, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("inverted range status = %d, want 400", rec.Code)
	}

	payload, _ = json.Marshal(backfillRangeRequest{StartDate: "2025-03-01", EndDate: "2025-03-03", DataSource: "bogus"})
	rec = env.do(http.MethodPost, "/api/v1/gaps/backfill/range", payload, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown data_source status = %d, want 400", rec.Code)
	}
}

func TestGapDetectEndpoint(t *testing.T) {
	env := newTestEnv(t, config.RESTServerData{})

	rec := env.do(http.MethodGet, "/api/v1/gaps/detect?days_back=3", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	var body struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if body.Count != 0 {
		t.Errorf("gap count = %d, want 0 for a continuous series", body.Count)
	}
}

func TestPlanDailyValidation(t *testing.T) {
	env := newTestEnv(t, config.RESTServerData{})

	payload, _ := json.Marshal(planRequest{TargetDate: "not-a-date", TargetKg: 100})
	rec := env.do(http.MethodPost, "/api/v1/optimize/production/daily", payload, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad date status = %d, want 400", rec.Code)
	}
}

func TestAnalysisEndpoints(t *testing.T) {
	env := newTestEnv(t, config.RESTServerData{})

	for _, path := range []string{
		"/api/v1/analysis/siar-summary",
		"/api/v1/analysis/weather-correlation",
		"/api/v1/analysis/seasonal-patterns",
		"/api/v1/analysis/critical-thresholds",
		"/api/v1/analysis/context?temperature=22&humidity=55",
	} {
		rec := env.do(http.MethodGet, path, nil, nil)
		if rec.Code != http.StatusOK {
			t.Errorf("%s status = %d, want 200 (body %s)", path, rec.Code, rec.Body.String())
		}
	}
}

func TestContextualizedForecastEndpoint(t *testing.T) {
	env := newTestEnv(t, config.RESTServerData{})

	payload, _ := json.Marshal(contextForecastRequest{DaysAhead: 2})
	rec := env.do(http.MethodPost, "/api/v1/analysis/forecast/aemet-contextualized", payload, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	var body struct {
		Days []struct {
			Date    string `json:"date"`
			Context struct {
				Tier string `json:"tier"`
			} `json:"context"`
		} `json:"days"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(body.Days) != 1 {
		t.Fatalf("days = %d, want 1 (fake forecast has one record)", len(body.Days))
	}
	if body.Days[0].Context.Tier == "" {
		t.Error("missing context tier")
	}

	payload, _ = json.Marshal(contextForecastRequest{DaysAhead: 9})
	rec = env.do(http.MethodPost, "/api/v1/analysis/forecast/aemet-contextualized", payload, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("days_ahead overflow status = %d, want 400", rec.Code)
	}
}

func TestMsgpackFormat(t *testing.T) {
	env := newTestEnv(t, config.RESTServerData{})

	rec := env.do(http.MethodGet, "/api/v1/scheduler/status?format=msgpack", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/x-msgpack" {
		t.Errorf("Content-Type = %q, want application/x-msgpack", ct)
	}
}

func TestDiagnosticsEndpoint(t *testing.T) {
	env := newTestEnv(t, config.RESTServerData{})

	rec := env.do(http.MethodGet, "/api/v1/diagnostics/openweathermap/forecast", nil, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}
