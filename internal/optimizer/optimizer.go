// Package optimizer plans daily production runs against the forecast
// price curve. It picks the cheapest feasible window for the machine
// chain, prefers valley tariff hours, and penalizes hours whose
// expected conditions breach the site's critical climate thresholds.
package optimizer

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/chocops/chocofactory/internal/analysis"
	"github.com/chocops/chocofactory/internal/forecast"
	"github.com/chocops/chocofactory/internal/tariff"
	"github.com/chocops/chocofactory/internal/types"
	"go.uber.org/zap"
)

// Machine power draw in kW. The chain runs in fixed order.
type machine struct {
	Name    string
	PowerKW float64
}

var chain = []machine{
	{"Mezcladora", 15},
	{"Roladora", 11},
	{"Conchadora", 30},
	{"Templadora", 22},
}

// Conching duration per quality tier in hours. Mixing, refining and
// tempering each take one hour regardless of tier.
var conchingHours = map[string]int{
	"standard":      6,
	"premium":       12,
	"ultra_premium": 24,
}

// batchSizeKg is the capacity of one run through the chain.
const batchSizeKg = 500

// Valley tariff hours get a small scheduling preference beyond their
// already lower price, so a tie never lands in a peak period.
const valleyPreference = 0.95

// Climate penalties applied to hours whose expected conditions breach
// the historical thresholds.
const (
	climatePenaltyP90 = 1.15
	climatePenaltyP95 = 1.30
)

// Hour climate statuses reported on the timeline.
const (
	ClimateOK       = "ok"
	ClimateWarning  = "warning"
	ClimateCritical = "critical"
	ClimateUnknown  = "unknown"
)

// StageSchedule is one machine's slot in the plan.
type StageSchedule struct {
	Machine   string    `json:"machine"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	EnergyKWh float64   `json:"energy_kwh"`
	CostEUR   float64   `json:"cost_eur"`
}

// TimelineEntry describes one hour of the plan day for the dashboard.
type TimelineEntry struct {
	Hour             int     `json:"hour"`
	Time             string  `json:"time"`
	PriceEURKWh      float64 `json:"price_eur_kwh"`
	TariffPeriod     string  `json:"tariff_period"`
	TariffColor      string  `json:"tariff_color"`
	Temperature      float64 `json:"temperature"`
	Humidity         float64 `json:"humidity"`
	ClimateStatus    string  `json:"climate_status"`
	ActiveBatch      string  `json:"active_batch,omitempty"`
	ActiveProcess    string  `json:"active_process,omitempty"`
	IsProductionHour bool    `json:"is_production_hour"`
}

// Plan is the optimized schedule for one production day.
type Plan struct {
	Date              string          `json:"date"`
	Quality           string          `json:"quality"`
	BatchKg           float64         `json:"batch_kg"`
	Batches           int             `json:"batches"`
	Start             time.Time       `json:"start"`
	End               time.Time       `json:"end"`
	Stages            []StageSchedule `json:"stages"`
	HourlyTimeline    []TimelineEntry `json:"hourly_timeline"`
	TotalEnergyKWh    float64         `json:"total_energy_kwh"`
	TotalCostEUR      float64         `json:"total_cost_eur"`
	BaselineCostEUR   float64         `json:"baseline_cost_eur"`
	SavingsEUR        float64         `json:"savings_eur"`
	SavingsPct        float64         `json:"savings_pct"`
	SavingsVsBaseline float64         `json:"savings_vs_baseline"`
	ValleyHourShare   float64         `json:"valley_hour_share"`
	HeatPenalized     bool            `json:"heat_penalized"`
}

// Summary condenses a plan for dashboards.
type Summary struct {
	Date            string  `json:"date"`
	Start           string  `json:"start"`
	DurationHours   int     `json:"duration_hours"`
	TotalCostEUR    float64 `json:"total_cost_eur"`
	SavingsPct      float64 `json:"savings_pct"`
	ValleyHourShare float64 `json:"valley_hour_share"`
}

// PriceForecaster supplies the hourly price curve.
type PriceForecaster interface {
	Forecast(hours int) ([]forecast.Prediction, error)
}

// ClimateSource supplies the seasonal and threshold reports.
type ClimateSource interface {
	SeasonalPatterns(ctx context.Context) (analysis.SeasonalReport, error)
	CriticalThresholds(ctx context.Context) (analysis.ThresholdReport, error)
}

// WeatherOutlook supplies the short-range forecast used to estimate
// each plan hour's conditions.
type WeatherOutlook interface {
	Forecast3h(ctx context.Context) ([]types.WeatherRecord, error)
}

// hourClimate is the expected condition of one plan-day hour.
type hourClimate struct {
	Temperature float64
	Humidity    float64
	Known       bool
	Status      string
	Penalty     float64
}

// Optimizer builds daily production plans.
type Optimizer struct {
	prices  PriceForecaster
	climate ClimateSource
	weather WeatherOutlook
	logger  *zap.SugaredLogger
	now     func() time.Time
}

// New creates a production optimizer. weather may be nil; the planner
// then estimates hour conditions from the historical month averages.
func New(prices PriceForecaster, climate ClimateSource, weather WeatherOutlook, logger *zap.SugaredLogger) *Optimizer {
	return &Optimizer{prices: prices, climate: climate, weather: weather, logger: logger, now: time.Now}
}

// PlanDaily schedules kg of chocolate at the given quality on the given
// day. The day must fall inside the forecast horizon.
func (o *Optimizer) PlanDaily(ctx context.Context, date time.Time, kg float64, quality string) (Plan, error) {
	if kg <= 0 {
		return Plan{}, types.NewValidationError("kg", "must be positive")
	}
	quality = strings.ToLower(strings.TrimSpace(quality))
	if quality == "" {
		quality = "standard"
	}
	conching, ok := conchingHours[quality]
	if !ok {
		return Plan{}, types.NewValidationError("quality",
			fmt.Sprintf("unknown tier %q (want standard, premium or ultra_premium)", quality))
	}

	dayStart := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
	duration := len(chain) - 1 + conching // one hour per stage except conching

	prices, err := o.priceCurve(dayStart, duration)
	if err != nil {
		return Plan{}, err
	}

	climate := o.hourlyClimate(ctx, dayStart)

	start := o.bestStart(prices, dayStart, duration, &climate)
	plan := o.buildPlan(prices, dayStart, start, duration, conching)
	plan.Date = dayStart.Format("2006-01-02")
	plan.Quality = quality
	plan.BatchKg = math.Min(kg, batchSizeKg)
	plan.Batches = int(math.Ceil(kg / batchSizeKg))
	plan.HourlyTimeline = buildTimeline(prices, dayStart, start, duration, &climate)
	for _, hc := range climate {
		if hc.Penalty > 1 {
			plan.HeatPenalized = true
			break
		}
	}

	// Baseline: the same energy drawn evenly across the whole day.
	var daySum float64
	for h := 0; h < 24; h++ {
		daySum += prices[h]
	}
	plan.BaselineCostEUR = plan.TotalEnergyKWh * daySum / 24
	plan.SavingsEUR = plan.BaselineCostEUR - plan.TotalCostEUR
	if plan.BaselineCostEUR > 0 {
		plan.SavingsVsBaseline = plan.SavingsEUR / plan.BaselineCostEUR
		plan.SavingsPct = 100 * plan.SavingsVsBaseline
	}
	return plan, nil
}

// Summarize condenses a plan.
func Summarize(p Plan) Summary {
	return Summary{
		Date:            p.Date,
		Start:           p.Start.Format("15:04"),
		DurationHours:   int(p.End.Sub(p.Start).Hours()),
		TotalCostEUR:    p.TotalCostEUR,
		SavingsPct:      p.SavingsPct,
		ValleyHourShare: p.ValleyHourShare,
	}
}

// priceCurve returns hourly prices indexed by hours-since-dayStart,
// long enough for a chain that may run past midnight.
func (o *Optimizer) priceCurve(dayStart time.Time, duration int) ([]float64, error) {
	horizonStart := o.now().UTC().Truncate(time.Hour).Add(time.Hour)
	offset := int(dayStart.Sub(horizonStart).Hours())
	needed := offset + 24 + duration
	if offset < -24 || needed > forecast.MaxHorizon {
		return nil, types.NewValidationError("date", "plan day must fall inside the forecast horizon")
	}
	if needed < forecast.MinHorizon {
		needed = forecast.MinHorizon
	}

	preds, err := o.prices.Forecast(needed)
	if err != nil {
		return nil, err
	}

	curve := make([]float64, 24+duration)
	for i := range curve {
		idx := offset + i
		if idx >= 0 && idx < len(preds) {
			curve[i] = preds[idx].PriceEURKWh
		} else if len(preds) > 0 {
			// Hours already past use the first forecast value as a stand-in.
			curve[i] = preds[0].PriceEURKWh
		}
	}
	return curve, nil
}

// hourlyClimate grades every plan-day hour against the critical
// thresholds. Conditions come from the short-range forecast when it
// covers the hour, otherwise from the month's historical averages.
func (o *Optimizer) hourlyClimate(ctx context.Context, dayStart time.Time) [24]hourClimate {
	var out [24]hourClimate
	for h := range out {
		out[h] = hourClimate{Status: ClimateUnknown, Penalty: 1}
	}

	thresholds, err := o.climate.CriticalThresholds(ctx)
	if err != nil {
		o.logger.Warnf("critical thresholds unavailable, planning on price alone: %v", err)
		return out
	}

	temps, hums, known := o.dayConditions(ctx, dayStart)
	for h := range out {
		if !known[h] {
			continue
		}
		hc := hourClimate{Temperature: temps[h], Humidity: hums[h], Known: true, Status: ClimateOK, Penalty: 1}
		switch {
		case temps[h] > thresholds.Temperature.P95 || hums[h] > thresholds.Humidity.P95:
			hc.Status = ClimateCritical
			hc.Penalty = climatePenaltyP95
		case temps[h] > thresholds.Temperature.P90 || hums[h] > thresholds.Humidity.P90:
			hc.Status = ClimateWarning
			hc.Penalty = climatePenaltyP90
		}
		out[h] = hc
	}
	return out
}

// dayConditions estimates temperature and humidity for each hour of the
// plan day. The 3-hour forecast fills the hours it covers; remaining
// hours fall back to the month's historical averages.
func (o *Optimizer) dayConditions(ctx context.Context, dayStart time.Time) (temps, hums [24]float64, known [24]bool) {
	if o.weather != nil {
		records, err := o.weather.Forecast3h(ctx)
		if err != nil {
			o.logger.Warnf("weather forecast unavailable for plan day: %v", err)
		}
		dayEnd := dayStart.Add(24 * time.Hour)
		for _, r := range records {
			if r.Timestamp.Before(dayStart) || !r.Timestamp.Before(dayEnd) {
				continue
			}
			h := int(r.Timestamp.Sub(dayStart).Hours())
			for i := h; i < 24 && i < h+3; i++ {
				temps[i], hums[i], known[i] = r.Temperature, r.Humidity, true
			}
		}
	}

	missing := false
	for _, k := range known {
		if !k {
			missing = true
			break
		}
	}
	if !missing {
		return
	}

	seasonal, err := o.climate.SeasonalPatterns(ctx)
	if err != nil {
		o.logger.Warnf("seasonal patterns unavailable for plan day: %v", err)
		return
	}
	for _, m := range seasonal.Months {
		if m.Month != dayStart.Month() {
			continue
		}
		for h := range known {
			if !known[h] {
				temps[h], hums[h], known[h] = m.AvgTemp, m.AvgHumidity, true
			}
		}
		break
	}
	return
}

// bestStart scans candidate start hours and returns the cheapest.
func (o *Optimizer) bestStart(prices []float64, dayStart time.Time, duration int, climate *[24]hourClimate) int {
	bestHour, bestCost := 0, math.MaxFloat64
	for start := 0; start+duration <= len(prices) && start < 24; start++ {
		cost := 0.0
		for i := 0; i < duration; i++ {
			cost += o.effectivePrice(prices, dayStart, start+i, climate) * stageAt(i, duration).PowerKW
		}
		if cost < bestCost {
			bestCost = cost
			bestHour = start
		}
	}
	return bestHour
}

func (o *Optimizer) effectivePrice(prices []float64, dayStart time.Time, hour int, climate *[24]hourClimate) float64 {
	ts := dayStart.Add(time.Duration(hour) * time.Hour)
	price := prices[hour]
	if tariff.IsValley(tariff.PeriodForHour(ts)) {
		price *= valleyPreference
	}
	if hour < 24 {
		price *= climate[hour].Penalty
	}
	return price
}

// stageAt maps an hour offset within the run to the active machine.
// Hour 0 mixes, hour 1 refines, the conching block follows, and the
// final hour tempers.
func stageAt(offset, duration int) machine {
	switch {
	case offset == 0:
		return chain[0]
	case offset == 1:
		return chain[1]
	case offset == duration-1:
		return chain[3]
	default:
		return chain[2]
	}
}

// buildPlan materializes the stage schedule for a given start hour.
func (o *Optimizer) buildPlan(prices []float64, dayStart time.Time, start, duration, conching int) Plan {
	begin := dayStart.Add(time.Duration(start) * time.Hour)
	stageHours := []int{1, 1, conching, 1}

	plan := Plan{Start: begin}
	cursor := begin
	offset := start
	valleyHours := 0

	for i, m := range chain {
		stage := StageSchedule{Machine: m.Name, Start: cursor}
		for h := 0; h < stageHours[i]; h++ {
			price := prices[offset]
			stage.EnergyKWh += m.PowerKW
			stage.CostEUR += m.PowerKW * price
			if tariff.IsValley(tariff.PeriodForHour(cursor)) {
				valleyHours++
			}
			cursor = cursor.Add(time.Hour)
			offset++
		}
		stage.End = cursor
		plan.Stages = append(plan.Stages, stage)
		plan.TotalEnergyKWh += stage.EnergyKWh
		plan.TotalCostEUR += stage.CostEUR
	}

	plan.End = cursor
	plan.ValleyHourShare = float64(valleyHours) / float64(duration)
	return plan
}

// buildTimeline renders the 24 hours of the plan day, marking which
// hours produce and what runs in them.
func buildTimeline(prices []float64, dayStart time.Time, start, duration int, climate *[24]hourClimate) []TimelineEntry {
	entries := make([]TimelineEntry, 24)
	for h := range entries {
		ts := dayStart.Add(time.Duration(h) * time.Hour)
		period := tariff.PeriodForHour(ts)
		e := TimelineEntry{
			Hour:          h,
			Time:          ts.Format("15:04"),
			PriceEURKWh:   prices[h],
			TariffPeriod:  period,
			TariffColor:   tariff.Color(period),
			ClimateStatus: climate[h].Status,
		}
		if climate[h].Known {
			e.Temperature = climate[h].Temperature
			e.Humidity = climate[h].Humidity
		}
		if h >= start && h < start+duration {
			e.IsProductionHour = true
			e.ActiveBatch = "P01"
			e.ActiveProcess = stageAt(h-start, duration).Name
		}
		entries[h] = e
	}
	return entries
}
