package restserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/chocops/chocofactory/internal/analysis"
	"github.com/chocops/chocofactory/internal/constants"
	"github.com/chocops/chocofactory/internal/forecast"
	"github.com/chocops/chocofactory/internal/gaps"
	"github.com/chocops/chocofactory/internal/tariff"
	"github.com/chocops/chocofactory/internal/types"
	"github.com/chocops/chocofactory/pkg/responseformat"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

func pathVar(r *http.Request, name string) string {
	return mux.Vars(r)[name]
}

// Handlers contains the HTTP request handlers.
type Handlers struct {
	deps      Deps
	formatter *responseformat.Formatter
	logger    *zap.SugaredLogger
}

// NewHandlers creates the handler set.
func NewHandlers(deps Deps, logger *zap.SugaredLogger) *Handlers {
	return &Handlers{
		deps:      deps,
		formatter: responseformat.NewFormatter(),
		logger:    logger,
	}
}

// statusForError maps the error taxonomy onto HTTP status codes.
func statusForError(err error) int {
	var ve *types.ValidationError
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case types.IsRateLimited(err):
		return http.StatusTooManyRequests
	case errors.Is(err, types.ErrModelUnavailable):
		return http.StatusServiceUnavailable
	case types.IsTransientUpstream(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Errorf("%s %s failed: %v", r.Method, r.URL.Path, err)
	}
	writeError(w, r, status, err.Error())
}

func (h *Handlers) write(w http.ResponseWriter, r *http.Request, data any) {
	if err := h.formatter.WriteResponse(w, r, data, nil); err != nil {
		h.logger.Errorf("writing response for %s: %v", r.URL.Path, err)
	}
}

func (h *Handlers) writeStatus(w http.ResponseWriter, r *http.Request, status int, data any) {
	if err := h.formatter.WriteResponseStatus(w, r, status, data, nil); err != nil {
		h.logger.Errorf("writing response for %s: %v", r.URL.Path, err)
	}
}

// GetPrices serves either the latest ingested price or, with start and
// end parameters, the stored hourly series.
func (h *Handlers) GetPrices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("start") == "" && q.Get("end") == "" {
		record, ok := h.deps.Ingest.LastPrice()
		if !ok {
			writeError(w, r, http.StatusNotFound, "no price ingested yet")
			return
		}
		h.write(w, r, map[string]any{
			"price": record,
			"color": tariff.Color(record.TariffPeriod),
		})
		return
	}

	start, end, err := parseRange(q.Get("start"), q.Get("end"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	records, err := h.deps.Store.PriceSeries(r.Context(), start, end)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.write(w, r, map[string]any{"count": len(records), "prices": records})
}

// GetWeatherHybrid serves the latest observation from the hybrid pipeline.
func (h *Handlers) GetWeatherHybrid(w http.ResponseWriter, r *http.Request) {
	record, ok := h.deps.Ingest.LastWeather()
	if !ok {
		writeError(w, r, http.StatusNotFound, "no weather ingested yet")
		return
	}
	h.write(w, r, map[string]any{
		"weather":     record,
		"source_used": record.DataSource,
	})
}

type ingestRequest struct {
	Source string `json:"source"`
	Force  bool   `json:"force,omitempty"`
}

// PostIngestNow triggers one immediate ingestion cycle. The source and
// force flag come from the JSON body, or from query parameters for
// curl-friendliness.
func (h *Handlers) PostIngestNow(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if r.Body != nil {
		// An empty body is fine; query parameters cover it.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	q := r.URL.Query()
	source := req.Source
	if source == "" {
		source = q.Get("source")
	}
	if source == "" {
		source = "ree"
	}
	force := req.Force || q.Get("force") == "true"

	stats, err := h.deps.Ingest.IngestManual(r.Context(), source, force)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.write(w, r, stats)
}

// GetGapSummary reports the continuity state over the last N days,
// with stored record counts and the actions an operator should take.
func (h *Handlers) GetGapSummary(w http.ResponseWriter, r *http.Request) {
	days := 7
	if v := r.URL.Query().Get("days"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			h.writeErr(w, r, types.NewValidationError("days", "must be a positive integer"))
			return
		}
		days = parsed
	}

	end := time.Now().UTC()
	start := end.AddDate(0, 0, -days)
	summary, err := h.deps.Detector.Summary(r.Context(), start, end)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}

	counts := make(map[string]int64, len(summary))
	for measurement := range summary {
		n, err := h.deps.Store.CountInRange(r.Context(), measurement, nil, start, end)
		if err != nil {
			h.writeErr(w, r, err)
			return
		}
		counts[measurement] = n
	}

	h.write(w, r, map[string]any{
		"days":            days,
		"measurements":    summary,
		"record_counts":   counts,
		"recommendations": gapRecommendations(summary),
	})
}

// gapRecommendations turns the continuity state into operator actions.
func gapRecommendations(summary map[string]gaps.MeasurementSummary) []string {
	var out []string
	for _, measurement := range []string{constants.MeasurementEnergyPrices, constants.MeasurementWeatherData} {
		s, ok := summary[measurement]
		if !ok {
			continue
		}
		switch {
		case !s.HasData:
			out = append(out, fmt.Sprintf("%s has no data in the window: run POST /api/v1/gaps/backfill/range", measurement))
		case s.GapHours > 6:
			out = append(out, fmt.Sprintf("%s is missing %.1f hours: run POST /api/v1/gaps/backfill/auto", measurement, s.GapHours))
		case s.GapHours > 0:
			out = append(out, fmt.Sprintf("%s has %.1f hours of minor gaps; the scheduled auto backfill will cover them", measurement, s.GapHours))
		}
	}
	if len(out) == 0 {
		out = append(out, "data continuity ok")
	}
	return out
}

// GetGapDetect lists every detected gap in the window with the
// recovery strategy the backfiller would use for it.
func (h *Handlers) GetGapDetect(w http.ResponseWriter, r *http.Request) {
	days := 7
	if v := r.URL.Query().Get("days_back"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			h.writeErr(w, r, types.NewValidationError("days_back", "must be a positive integer"))
			return
		}
		days = parsed
	}

	end := time.Now().UTC()
	start := end.AddDate(0, 0, -days)

	type detectedGap struct {
		gaps.Gap
		Strategy string `json:"recommended_strategy"`
	}
	strategies := map[string]string{
		constants.MeasurementEnergyPrices: "ree_historical_api",
		constants.MeasurementWeatherData:  "siar_daily_climatology",
	}

	var out []detectedGap
	for _, measurement := range []string{constants.MeasurementEnergyPrices, constants.MeasurementWeatherData} {
		found, err := h.deps.Detector.Detect(r.Context(), measurement, start, end)
		if err != nil {
			h.writeErr(w, r, err)
			return
		}
		for _, g := range found {
			out = append(out, detectedGap{Gap: g, Strategy: strategies[measurement]})
		}
	}
	h.write(w, r, map[string]any{"days_back": days, "count": len(out), "gaps": out})
}

// PostBackfill launches a background backfill over the last days_back
// days and returns its job id.
func (h *Handlers) PostBackfill(w http.ResponseWriter, r *http.Request) {
	days := 7
	if v := r.URL.Query().Get("days_back"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			h.writeErr(w, r, types.NewValidationError("days_back", "must be a positive integer"))
			return
		}
		days = parsed
	}

	end := time.Now().UTC()
	start := end.AddDate(0, 0, -days)

	id, err := h.deps.Backfiller.Launch(start, end, "manual")
	if err != nil {
		var ve *types.ValidationError
		if errors.As(err, &ve) {
			h.writeErr(w, r, err)
		} else {
			writeError(w, r, http.StatusConflict, err.Error())
		}
		return
	}

	h.writeStatus(w, r, http.StatusAccepted, map[string]string{"job_id": id, "status": "accepted"})
}

// GetBackfillReport returns the report of one backfill run.
func (h *Handlers) GetBackfillReport(w http.ResponseWriter, r *http.Request) {
	id := pathVar(r, "id")
	report, ok := h.deps.Backfiller.ReportByID(id)
	if !ok {
		writeError(w, r, http.StatusNotFound, "unknown backfill job")
		return
	}
	h.write(w, r, report)
}

type backfillRangeRequest struct {
	StartDate  string `json:"start_date"`
	EndDate    string `json:"end_date"`
	DataSource string `json:"data_source,omitempty"`
}

// measurementsForSource maps the request's data_source onto the
// measurements the run scans. Empty means both.
func measurementsForSource(source string) ([]string, error) {
	switch source {
	case "", "all":
		return nil, nil
	case "ree", constants.MeasurementEnergyPrices:
		return []string{constants.MeasurementEnergyPrices}, nil
	case "siar", "aemet", constants.MeasurementWeatherData:
		return []string{constants.MeasurementWeatherData}, nil
	default:
		return nil, types.NewValidationError("data_source",
			"want ree, siar, energy_prices, weather_data or all")
	}
}

// PostBackfillRange runs a backfill over an explicit date range and
// waits for the result. data_source restricts the run to one
// measurement.
func (h *Handlers) PostBackfillRange(w http.ResponseWriter, r *http.Request) {
	var req backfillRangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErr(w, r, types.NewValidationError("body", "invalid JSON"))
		return
	}
	start, err := parseDay(req.StartDate, "start_date")
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	end, err := parseDay(req.EndDate, "end_date")
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	if !start.Before(end) {
		h.writeErr(w, r, types.NewValidationError("range", "start_date must be before end_date"))
		return
	}
	measurements, err := measurementsForSource(req.DataSource)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}

	trigger := "range"
	if req.DataSource != "" {
		trigger = "range_" + req.DataSource
	}
	report, err := h.deps.Backfiller.RunRangeFor(r.Context(), start, end, trigger, measurements)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.write(w, r, report)
}

// PostBackfillAuto runs the thresholded auto backfill synchronously.
func (h *Handlers) PostBackfillAuto(w http.ResponseWriter, r *http.Request) {
	threshold := 6.0
	if v := r.URL.Query().Get("max_gap_hours"); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil || parsed < 0 {
			h.writeErr(w, r, types.NewValidationError("max_gap_hours", "must be a non-negative number of hours"))
			return
		}
		threshold = parsed
	}

	report, err := h.deps.Backfiller.RunAuto(r.Context(), threshold)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.write(w, r, report)
}

// GetPriceForecast serves hourly price predictions.
func (h *Handlers) GetPriceForecast(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			h.writeErr(w, r, types.NewValidationError("hours", "must be an integer"))
			return
		}
		hours = parsed
	}

	preds, err := h.deps.Forecaster.Forecast(hours)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.write(w, r, map[string]any{"hours": hours, "predictions": preds})
}

// GetWeeklyForecast serves the full 168-hour forecast together with
// the model metrics the dashboard shows next to the chart.
func (h *Handlers) GetWeeklyForecast(w http.ResponseWriter, r *http.Request) {
	preds, err := h.deps.Forecaster.Forecast(forecast.MaxHorizon)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.write(w, r, map[string]any{
		"hours":       forecast.MaxHorizon,
		"predictions": preds,
		"model":       h.deps.Forecaster.CurrentStatus(),
	})
}

// PostTrainModel triggers a synchronous training run.
func (h *Handlers) PostTrainModel(w http.ResponseWriter, r *http.Request) {
	months := 0
	if v := r.URL.Query().Get("months_back"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			h.writeErr(w, r, types.NewValidationError("months_back", "must be a positive integer"))
			return
		}
		months = parsed
	}

	status, err := h.deps.Forecaster.Train(r.Context(), months)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.write(w, r, status)
}

// GetModelStatus reports the served model.
func (h *Handlers) GetModelStatus(w http.ResponseWriter, r *http.Request) {
	h.write(w, r, h.deps.Forecaster.CurrentStatus())
}

// GetModelMetrics serves the training history.
func (h *Handlers) GetModelMetrics(w http.ResponseWriter, r *http.Request) {
	history, err := h.deps.Forecaster.MetricsHistory()
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.write(w, r, map[string]any{"runs": history})
}

// GetSIARSummary describes the historical base behind the analyzer.
func (h *Handlers) GetSIARSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.deps.Analyzer.Summary(r.Context())
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.write(w, r, summary)
}

// GetCorrelations serves the weather-efficiency correlation report.
func (h *Handlers) GetCorrelations(w http.ResponseWriter, r *http.Request) {
	report, err := h.deps.Analyzer.Correlations(r.Context())
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.write(w, r, report)
}

// GetSeasonalPatterns serves the per-month climatology.
func (h *Handlers) GetSeasonalPatterns(w http.ResponseWriter, r *http.Request) {
	report, err := h.deps.Analyzer.SeasonalPatterns(r.Context())
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.write(w, r, report)
}

// GetThresholds serves the critical climate thresholds.
func (h *Handlers) GetThresholds(w http.ResponseWriter, r *http.Request) {
	report, err := h.deps.Analyzer.CriticalThresholds(r.Context())
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.write(w, r, report)
}

// GetContext places current conditions against the historical record.
// Explicit temperature and humidity parameters override the latest
// ingested observation.
func (h *Handlers) GetContext(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	current, ok := h.deps.Ingest.LastWeather()
	if t, errT := strconv.ParseFloat(q.Get("temperature"), 64); errT == nil {
		if hum, errH := strconv.ParseFloat(q.Get("humidity"), 64); errH == nil {
			current = types.WeatherRecord{Temperature: t, Humidity: hum}
			ok = true
		}
	}
	if !ok {
		writeError(w, r, http.StatusNotFound, "no weather ingested yet; pass temperature and humidity parameters")
		return
	}

	report, err := h.deps.Analyzer.Contextualize(r.Context(), current)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.write(w, r, report)
}

type contextForecastRequest struct {
	DaysAhead int `json:"days_ahead"`
}

// PostContextualizedForecast blends the provider forecast with the
// historical record: each forecast day gets an efficiency outlook and
// a production recommendation.
func (h *Handlers) PostContextualizedForecast(w http.ResponseWriter, r *http.Request) {
	req := contextForecastRequest{DaysAhead: 3}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	// The 3-hourly provider forecast covers five days.
	if req.DaysAhead < 1 || req.DaysAhead > 5 {
		h.writeErr(w, r, types.NewValidationError("days_ahead", "must be between 1 and 5"))
		return
	}

	records, err := h.deps.Diagnostics.Forecast3h(r.Context())
	if err != nil {
		h.writeErr(w, r, err)
		return
	}

	type dayOutlook struct {
		Date        string                 `json:"date"`
		AvgTemp     float64                `json:"avg_temperature"`
		AvgHumidity float64                `json:"avg_humidity"`
		Context     analysis.ContextReport `json:"context"`
	}

	byDay := make(map[string][]types.WeatherRecord)
	var order []string
	for _, rec := range records {
		day := rec.Timestamp.UTC().Format("2006-01-02")
		if _, seen := byDay[day]; !seen {
			order = append(order, day)
		}
		byDay[day] = append(byDay[day], rec)
	}
	if len(order) > req.DaysAhead {
		order = order[:req.DaysAhead]
	}

	var days []dayOutlook
	for _, day := range order {
		recs := byDay[day]
		var tempSum, humSum float64
		for _, rec := range recs {
			tempSum += rec.Temperature
			humSum += rec.Humidity
		}
		n := float64(len(recs))
		avg := types.WeatherRecord{Temperature: tempSum / n, Humidity: humSum / n}

		report, err := h.deps.Analyzer.Contextualize(r.Context(), avg)
		if err != nil {
			h.writeErr(w, r, err)
			return
		}
		days = append(days, dayOutlook{
			Date:        day,
			AvgTemp:     avg.Temperature,
			AvgHumidity: avg.Humidity,
			Context:     report,
		})
	}
	h.write(w, r, map[string]any{"days_ahead": req.DaysAhead, "days": days})
}

type planRequest struct {
	TargetDate string  `json:"target_date"`
	TargetKg   float64 `json:"target_kg"`
	Quality    string  `json:"quality,omitempty"`
}

// PostPlanDaily builds the optimized production plan for one day.
func (h *Handlers) PostPlanDaily(w http.ResponseWriter, r *http.Request) {
	var req planRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErr(w, r, types.NewValidationError("body", "invalid JSON"))
		return
	}
	date, err := parseDay(req.TargetDate, "target_date")
	if err != nil {
		h.writeErr(w, r, err)
		return
	}

	plan, err := h.deps.Optimizer.PlanDaily(r.Context(), date, req.TargetKg, req.Quality)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.write(w, r, plan)
}

// GetSchedulerStatus reports every background job's counters.
func (h *Handlers) GetSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	h.write(w, r, map[string]any{"jobs": h.deps.Scheduler.Status()})
}

// GetHealth reports liveness and store reachability.
func (h *Handlers) GetHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Store.Health(r.Context()); err != nil {
		h.writeStatus(w, r, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "store": err.Error()})
		return
	}
	h.write(w, r, map[string]string{"status": "ok"})
}

// GetWeatherDiagnostics serves the raw provider forecast. Never stored;
// operators use it to sanity-check the hybrid pipeline.
func (h *Handlers) GetWeatherDiagnostics(w http.ResponseWriter, r *http.Request) {
	records, err := h.deps.Diagnostics.Forecast3h(r.Context())
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.write(w, r, map[string]any{"count": len(records), "forecast": records})
}

func parseDay(value, field string) (time.Time, error) {
	day, err := time.Parse("2006-01-02", value)
	if err != nil {
		return time.Time{}, types.NewValidationError(field, "want YYYY-MM-DD")
	}
	return day, nil
}

func parseRange(startStr, endStr string) (time.Time, time.Time, error) {
	start, err := time.Parse(time.RFC3339, startStr)
	if err != nil {
		return time.Time{}, time.Time{}, types.NewValidationError("start", "want RFC3339 timestamp")
	}
	end, err := time.Parse(time.RFC3339, endStr)
	if err != nil {
		return time.Time{}, time.Time{}, types.NewValidationError("end", "want RFC3339 timestamp")
	}
	if !start.Before(end) {
		return time.Time{}, time.Time{}, types.NewValidationError("range", "start must be before end")
	}
	return start, end, nil
}
