// Package analysis mines the historical SIAR climate series for
// production-planning signals: a chocolate-making efficiency score,
// weather correlations, seasonal patterns and critical heat thresholds.
package analysis

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/chocops/chocofactory/internal/types"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"
)

// Comfort band for chocolate production. Inside the band a component
// scores 100; outside it decays linearly per unit of distance.
const (
	tempComfortLow   = 15.0
	tempComfortHigh  = 25.0
	tempDecayPerC    = 5.0
	humComfortLow    = 40.0
	humComfortHigh   = 70.0
	humDecayPerPoint = 2.0

	tempWeight = 0.6
	humWeight  = 0.4
)

// Contextualize matches historical days within these tolerances of the
// current conditions.
const (
	tempMatchTolerance = 2.0
	humMatchTolerance  = 5.0
)

// lookbackYears bounds the historical window the analyzer reads.
const lookbackYears = 10

// cacheTTL keeps computed reports for a day; the underlying series only
// grows by backfill, which re-running the analysis daily absorbs.
const cacheTTL = 24 * time.Hour

// WeatherReader is the store capability the analyzer reads.
type WeatherReader interface {
	WeatherSeries(ctx context.Context, source string, start, end time.Time) ([]types.WeatherRecord, error)
}

// CorrelationReport relates weather variables to the efficiency score.
type CorrelationReport struct {
	Samples               int     `json:"samples"`
	TempEfficiencyR       float64 `json:"temperature_efficiency_r"`
	TempEfficiencyR2      float64 `json:"temperature_efficiency_r2"`
	HumidityEfficiencyR   float64 `json:"humidity_efficiency_r"`
	HumidityEfficiencyR2  float64 `json:"humidity_efficiency_r2"`
	TempHumidityR         float64 `json:"temperature_humidity_r"`
	MeanEfficiency        float64 `json:"mean_efficiency"`
	EfficiencyStdDev      float64 `json:"efficiency_std_dev"`
}

// MonthPattern aggregates one calendar month across all years.
type MonthPattern struct {
	Month         time.Month `json:"month"`
	AvgTemp       float64    `json:"avg_temperature"`
	AvgHumidity   float64    `json:"avg_humidity"`
	AvgEfficiency float64    `json:"avg_efficiency"`
	Samples       int        `json:"samples"`
}

// SeasonalReport is the per-month climatology with the best and worst
// production months.
type SeasonalReport struct {
	Months     []MonthPattern `json:"months"`
	BestMonth  time.Month     `json:"best_month"`
	WorstMonth time.Month     `json:"worst_month"`
}

// ThresholdSet holds the critical percentiles for one variable.
type ThresholdSet struct {
	P90          float64 `json:"p90"`
	P95          float64 `json:"p95"`
	P99          float64 `json:"p99"`
	DaysAboveP90 int     `json:"days_above_p90"`
	DaysAboveP95 int     `json:"days_above_p95"`
	DaysAboveP99 int     `json:"days_above_p99"`
}

// ThresholdReport holds the critical thresholds for planning.
type ThresholdReport struct {
	Samples     int          `json:"samples"`
	Temperature ThresholdSet `json:"temperature"`
	Humidity    ThresholdSet `json:"humidity"`
}

// ContextReport places current conditions against similar historical days.
type ContextReport struct {
	MatchingDays   int     `json:"matching_days"`
	AvgEfficiency  float64 `json:"avg_efficiency"`
	CurrentScore   float64 `json:"current_score"`
	Tier           string  `json:"tier"`
	Recommendation string  `json:"recommendation"`
}

// Analyzer computes climate reports over the SIAR historical series.
// Reports are cached in memory for a day.
type Analyzer struct {
	store  WeatherReader
	logger *zap.SugaredLogger
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	value    interface{}
	storedAt time.Time
}

// New creates a climate analyzer over the store.
func New(store WeatherReader, logger *zap.SugaredLogger) *Analyzer {
	return &Analyzer{
		store:  store,
		logger: logger,
		now:    time.Now,
		cache:  make(map[string]cacheEntry),
	}
}

// EfficiencyScore rates conditions for chocolate production from 0 to
// 100. Temperature dominates: conching and tempering tolerate humidity
// drift far better than heat.
func EfficiencyScore(temperature, humidity float64) float64 {
	tempScore := bandScore(temperature, tempComfortLow, tempComfortHigh, tempDecayPerC)
	humScore := bandScore(humidity, humComfortLow, humComfortHigh, humDecayPerPoint)
	return tempWeight*tempScore + humWeight*humScore
}

func bandScore(v, lo, hi, decayPerUnit float64) float64 {
	var dist float64
	switch {
	case v < lo:
		dist = lo - v
	case v > hi:
		dist = v - hi
	}
	return math.Max(0, 100-decayPerUnit*dist)
}

// Correlations reports how strongly weather drives the efficiency score
// over the historical series.
func (a *Analyzer) Correlations(ctx context.Context) (CorrelationReport, error) {
	if cached, ok := a.fromCache("correlations"); ok {
		return cached.(CorrelationReport), nil
	}

	records, err := a.history(ctx)
	if err != nil {
		return CorrelationReport{}, err
	}
	if len(records) < 2 {
		return CorrelationReport{}, fmt.Errorf("not enough historical records for correlation analysis (%d)", len(records))
	}

	temps := make([]float64, len(records))
	hums := make([]float64, len(records))
	effs := make([]float64, len(records))
	for i, r := range records {
		temps[i] = r.Temperature
		hums[i] = r.Humidity
		effs[i] = EfficiencyScore(r.Temperature, r.Humidity)
	}

	tempR := stat.Correlation(temps, effs, nil)
	humR := stat.Correlation(hums, effs, nil)
	report := CorrelationReport{
		Samples:              len(records),
		TempEfficiencyR:      tempR,
		TempEfficiencyR2:     tempR * tempR,
		HumidityEfficiencyR:  humR,
		HumidityEfficiencyR2: humR * humR,
		TempHumidityR:        stat.Correlation(temps, hums, nil),
		MeanEfficiency:       stat.Mean(effs, nil),
		EfficiencyStdDev:     stat.StdDev(effs, nil),
	}
	a.toCache("correlations", report)
	return report, nil
}

// SeasonalPatterns aggregates the series per calendar month and names
// the best and worst months for production.
func (a *Analyzer) SeasonalPatterns(ctx context.Context) (SeasonalReport, error) {
	if cached, ok := a.fromCache("seasonal"); ok {
		return cached.(SeasonalReport), nil
	}

	records, err := a.history(ctx)
	if err != nil {
		return SeasonalReport{}, err
	}
	if len(records) == 0 {
		return SeasonalReport{}, fmt.Errorf("no historical records for seasonal analysis")
	}

	var sums [13]struct {
		temp, hum, eff float64
		n              int
	}
	for _, r := range records {
		m := int(r.Timestamp.Month())
		sums[m].temp += r.Temperature
		sums[m].hum += r.Humidity
		sums[m].eff += EfficiencyScore(r.Temperature, r.Humidity)
		sums[m].n++
	}

	report := SeasonalReport{}
	bestEff, worstEff := -1.0, math.MaxFloat64
	for m := 1; m <= 12; m++ {
		if sums[m].n == 0 {
			continue
		}
		n := float64(sums[m].n)
		pattern := MonthPattern{
			Month:         time.Month(m),
			AvgTemp:       sums[m].temp / n,
			AvgHumidity:   sums[m].hum / n,
			AvgEfficiency: sums[m].eff / n,
			Samples:       sums[m].n,
		}
		report.Months = append(report.Months, pattern)
		if pattern.AvgEfficiency > bestEff {
			bestEff = pattern.AvgEfficiency
			report.BestMonth = pattern.Month
		}
		if pattern.AvgEfficiency < worstEff {
			worstEff = pattern.AvgEfficiency
			report.WorstMonth = pattern.Month
		}
	}
	a.toCache("seasonal", report)
	return report, nil
}

// CriticalThresholds computes the p90/p95/p99 heat and humidity levels
// with their historical occurrence counts.
func (a *Analyzer) CriticalThresholds(ctx context.Context) (ThresholdReport, error) {
	if cached, ok := a.fromCache("thresholds"); ok {
		return cached.(ThresholdReport), nil
	}

	records, err := a.history(ctx)
	if err != nil {
		return ThresholdReport{}, err
	}
	if len(records) == 0 {
		return ThresholdReport{}, fmt.Errorf("no historical records for threshold analysis")
	}

	temps := make([]float64, len(records))
	hums := make([]float64, len(records))
	for i, r := range records {
		temps[i] = r.Temperature
		hums[i] = r.Humidity
	}

	report := ThresholdReport{
		Samples:     len(records),
		Temperature: thresholdSet(temps),
		Humidity:    thresholdSet(hums),
	}
	a.toCache("thresholds", report)
	return report, nil
}

func thresholdSet(values []float64) ThresholdSet {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	set := ThresholdSet{
		P90: stat.Quantile(0.90, stat.Empirical, sorted, nil),
		P95: stat.Quantile(0.95, stat.Empirical, sorted, nil),
		P99: stat.Quantile(0.99, stat.Empirical, sorted, nil),
	}
	for _, v := range values {
		if v > set.P90 {
			set.DaysAboveP90++
		}
		if v > set.P95 {
			set.DaysAboveP95++
		}
		if v > set.P99 {
			set.DaysAboveP99++
		}
	}
	return set
}

// Contextualize places the current observation against similar
// historical days and recommends a production posture.
func (a *Analyzer) Contextualize(ctx context.Context, current types.WeatherRecord) (ContextReport, error) {
	records, err := a.history(ctx)
	if err != nil {
		return ContextReport{}, err
	}
	thresholds, err := a.CriticalThresholds(ctx)
	if err != nil {
		return ContextReport{}, err
	}

	var effSum float64
	var matches int
	for _, r := range records {
		if math.Abs(r.Temperature-current.Temperature) <= tempMatchTolerance &&
			math.Abs(r.Humidity-current.Humidity) <= humMatchTolerance {
			effSum += EfficiencyScore(r.Temperature, r.Humidity)
			matches++
		}
	}

	report := ContextReport{
		MatchingDays: matches,
		CurrentScore: EfficiencyScore(current.Temperature, current.Humidity),
	}
	if matches > 0 {
		report.AvgEfficiency = effSum / float64(matches)
	}
	report.Tier, report.Recommendation = recommend(current.Temperature, thresholds.Temperature)
	return report, nil
}

// recommend escalates with the historical severity of the temperature.
func recommend(temp float64, t ThresholdSet) (tier, text string) {
	switch {
	case temp > t.P99:
		return "P99", "extreme heat for this site: pause conching and tempering, run only cold-stage work in valley hours"
	case temp > t.P95:
		return "P95", "severe heat: shift production into valley hours and raise cooling capacity before tempering"
	case temp > t.P90:
		return "P90", "unusually warm: prefer valley-hour batches and shorten conching runs in the afternoon"
	default:
		return "none", "conditions within the normal operating range"
	}
}

// HistorySummary describes the extent and averages of the SIAR series.
type HistorySummary struct {
	Samples       int       `json:"samples"`
	FirstDay      time.Time `json:"first_day"`
	LastDay       time.Time `json:"last_day"`
	YearsCovered  float64   `json:"years_covered"`
	AvgTemp       float64   `json:"avg_temperature"`
	AvgHumidity   float64   `json:"avg_humidity"`
	AvgEfficiency float64   `json:"avg_efficiency"`
}

// Summary gives the dashboard a one-glance view of the historical base
// every other report is computed from.
func (a *Analyzer) Summary(ctx context.Context) (HistorySummary, error) {
	if cached, ok := a.fromCache("summary"); ok {
		return cached.(HistorySummary), nil
	}

	records, err := a.history(ctx)
	if err != nil {
		return HistorySummary{}, err
	}
	if len(records) == 0 {
		return HistorySummary{}, types.NewValidationError("history", "no SIAR records stored; run a weather backfill first")
	}

	summary := HistorySummary{
		Samples:  len(records),
		FirstDay: records[0].Timestamp,
		LastDay:  records[len(records)-1].Timestamp,
	}
	var tempSum, humSum, effSum float64
	for _, r := range records {
		tempSum += r.Temperature
		humSum += r.Humidity
		effSum += EfficiencyScore(r.Temperature, r.Humidity)
	}
	n := float64(len(records))
	summary.AvgTemp = tempSum / n
	summary.AvgHumidity = humSum / n
	summary.AvgEfficiency = effSum / n
	summary.YearsCovered = summary.LastDay.Sub(summary.FirstDay).Hours() / (24 * 365)

	a.toCache("summary", summary)
	return summary, nil
}

// history reads the daily SIAR series over the lookback window.
func (a *Analyzer) history(ctx context.Context) ([]types.WeatherRecord, error) {
	if cached, ok := a.fromCache("history"); ok {
		return cached.([]types.WeatherRecord), nil
	}

	end := a.now().UTC()
	start := end.AddDate(-lookbackYears, 0, 0)
	records, err := a.store.WeatherSeries(ctx, types.SourceSIAR, start, end)
	if err != nil {
		return nil, fmt.Errorf("loading SIAR history: %w", err)
	}
	a.toCache("history", records)
	return records, nil
}

func (a *Analyzer) fromCache(key string) (interface{}, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	entry, ok := a.cache[key]
	if !ok || a.now().Sub(entry.storedAt) > cacheTTL {
		return nil, false
	}
	return entry.value, true
}

func (a *Analyzer) toCache(key string, value interface{}) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cache[key] = cacheEntry{value: value, storedAt: a.now()}
}
