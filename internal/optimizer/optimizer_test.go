package optimizer

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/chocops/chocofactory/internal/analysis"
	"github.com/chocops/chocofactory/internal/forecast"
	"github.com/chocops/chocofactory/internal/tariff"
	"github.com/chocops/chocofactory/internal/types"
	"go.uber.org/zap"
)

// fakeForecaster serves a fixed curve: cheap nights, expensive
// afternoons.
type fakeForecaster struct {
	err error
}

func (f *fakeForecaster) Forecast(hours int) ([]forecast.Prediction, error) {
	if f.err != nil {
		return nil, f.err
	}
	start := time.Date(2025, 3, 10, 1, 0, 0, 0, time.UTC) // next full hour after "now"
	out := make([]forecast.Prediction, hours)
	for i := range out {
		ts := start.Add(time.Duration(i) * time.Hour)
		price := 0.08
		if h := ts.Hour(); h >= 10 && h < 22 {
			price = 0.25
		}
		out[i] = forecast.Prediction{Timestamp: ts, PriceEURKWh: price}
	}
	return out, nil
}

type fakeClimate struct {
	monthTemp     float64
	monthHumidity float64
	err           error
}

func (c *fakeClimate) SeasonalPatterns(ctx context.Context) (analysis.SeasonalReport, error) {
	if c.err != nil {
		return analysis.SeasonalReport{}, c.err
	}
	var months []analysis.MonthPattern
	for m := time.January; m <= time.December; m++ {
		months = append(months, analysis.MonthPattern{Month: m, AvgTemp: c.monthTemp, AvgHumidity: c.monthHumidity})
	}
	return analysis.SeasonalReport{Months: months}, nil
}

func (c *fakeClimate) CriticalThresholds(ctx context.Context) (analysis.ThresholdReport, error) {
	if c.err != nil {
		return analysis.ThresholdReport{}, c.err
	}
	return analysis.ThresholdReport{
		Temperature: analysis.ThresholdSet{P90: 30, P95: 33, P99: 38},
		Humidity:    analysis.ThresholdSet{P90: 75, P95: 85, P99: 95},
	}, nil
}

type fakeOutlook struct {
	records []types.WeatherRecord
	err     error
}

func (f *fakeOutlook) Forecast3h(ctx context.Context) ([]types.WeatherRecord, error) {
	return f.records, f.err
}

func newTestOptimizer(climate ClimateSource) *Optimizer {
	o := New(&fakeForecaster{}, climate, nil, zap.NewNop().Sugar())
	o.now = func() time.Time { return time.Date(2025, 3, 10, 0, 30, 0, 0, time.UTC) }
	return o
}

func TestPlanDailyPrefersCheapHours(t *testing.T) {
	o := newTestOptimizer(&fakeClimate{monthTemp: 15})
	date := time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC)

	plan, err := o.PlanDaily(context.Background(), date, 400, "standard")
	if err != nil {
		t.Fatalf("PlanDaily: %v", err)
	}

	if len(plan.Stages) != 4 {
		t.Fatalf("stages = %d, want 4", len(plan.Stages))
	}
	if got := plan.End.Sub(plan.Start); got != 9*time.Hour {
		t.Errorf("duration = %s, want 9h for standard quality", got)
	}
	if plan.Stages[0].Machine != "Mezcladora" || plan.Stages[3].Machine != "Templadora" {
		t.Errorf("chain order wrong: %+v", plan.Stages)
	}
	// A 9-hour run against cheap nights should not sit in the afternoon.
	if h := plan.Start.Hour(); h >= 10 && h < 22 {
		t.Errorf("plan starts at expensive hour %d", h)
	}
	if plan.SavingsEUR < 0 {
		t.Errorf("optimized plan costs more than the uniform baseline: %+v", plan)
	}
	if plan.Batches != 1 {
		t.Errorf("batches = %d, want 1 for 400 kg", plan.Batches)
	}
}

func TestPlanDailyQualityTiers(t *testing.T) {
	o := newTestOptimizer(&fakeClimate{monthTemp: 15})
	date := time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		quality string
		hours   time.Duration
	}{
		{"standard", 9 * time.Hour},
		{"premium", 15 * time.Hour},
		{"ultra_premium", 27 * time.Hour},
	}
	for _, tc := range tests {
		t.Run(tc.quality, func(t *testing.T) {
			plan, err := o.PlanDaily(context.Background(), date, 1200, tc.quality)
			if err != nil {
				t.Fatalf("PlanDaily(%s): %v", tc.quality, err)
			}
			if got := plan.End.Sub(plan.Start); got != tc.hours {
				t.Errorf("duration = %s, want %s", got, tc.hours)
			}
			if plan.Batches != 3 {
				t.Errorf("batches = %d, want 3 for 1200 kg", plan.Batches)
			}
		})
	}
}

func TestPlanDailyValidation(t *testing.T) {
	o := newTestOptimizer(&fakeClimate{monthTemp: 15})
	date := time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC)

	if _, err := o.PlanDaily(context.Background(), date, 0, "standard"); err == nil {
		t.Error("zero kg accepted")
	}
	if _, err := o.PlanDaily(context.Background(), date, 100, "artisanal"); err == nil {
		t.Error("unknown quality accepted")
	}
	// Far beyond the forecast horizon.
	if _, err := o.PlanDaily(context.Background(), date.AddDate(0, 1, 0), 100, "standard"); err == nil {
		t.Error("date outside horizon accepted")
	} else {
		var ve *types.ValidationError
		if !errors.As(err, &ve) {
			t.Errorf("error type = %T, want validation error", err)
		}
	}
}

func TestPlanDailyDefaultsQuality(t *testing.T) {
	o := newTestOptimizer(&fakeClimate{monthTemp: 15})
	date := time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC)

	plan, err := o.PlanDaily(context.Background(), date, 100, "")
	if err != nil {
		t.Fatalf("PlanDaily: %v", err)
	}
	if plan.Quality != "standard" {
		t.Errorf("default quality = %q, want standard", plan.Quality)
	}
}

func TestHeatPenaltyApplied(t *testing.T) {
	date := time.Date(2025, 7, 15, 0, 0, 0, 0, time.UTC)

	mild := newTestOptimizer(&fakeClimate{monthTemp: 20})
	mild.now = func() time.Time { return time.Date(2025, 7, 14, 0, 30, 0, 0, time.UTC) }
	mildPlan, err := mild.PlanDaily(context.Background(), date, 100, "standard")
	if err != nil {
		t.Fatalf("PlanDaily (mild): %v", err)
	}
	if mildPlan.HeatPenalized {
		t.Error("mild month flagged as heat penalized")
	}

	hot := newTestOptimizer(&fakeClimate{monthTemp: 35})
	hot.now = mild.now
	hotPlan, err := hot.PlanDaily(context.Background(), date, 100, "standard")
	if err != nil {
		t.Fatalf("PlanDaily (hot): %v", err)
	}
	if !hotPlan.HeatPenalized {
		t.Error("hot month not flagged")
	}
}

func TestPlanSurvivesClimateOutage(t *testing.T) {
	o := newTestOptimizer(&fakeClimate{err: errors.New("store down")})
	date := time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC)

	plan, err := o.PlanDaily(context.Background(), date, 100, "standard")
	if err != nil {
		t.Fatalf("PlanDaily must degrade to price-only planning: %v", err)
	}
	if plan.HeatPenalized {
		t.Error("penalty flagged without climate data")
	}
}

func TestPlanTimeline(t *testing.T) {
	o := newTestOptimizer(&fakeClimate{monthTemp: 15, monthHumidity: 55})
	date := time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC)

	plan, err := o.PlanDaily(context.Background(), date, 400, "standard")
	if err != nil {
		t.Fatalf("PlanDaily: %v", err)
	}
	if len(plan.HourlyTimeline) != 24 {
		t.Fatalf("timeline entries = %d, want 24", len(plan.HourlyTimeline))
	}

	production := 0
	for i, e := range plan.HourlyTimeline {
		if e.Hour != i {
			t.Errorf("entry %d has hour %d", i, e.Hour)
		}
		ts := date.Add(time.Duration(i) * time.Hour)
		period := tariff.PeriodForHour(ts)
		if e.TariffPeriod != period || e.TariffColor != tariff.Color(period) {
			t.Errorf("hour %d tariff = %s/%s, want %s/%s", i, e.TariffPeriod, e.TariffColor, period, tariff.Color(period))
		}
		if e.ClimateStatus != ClimateOK {
			t.Errorf("hour %d climate = %q, want ok for mild conditions", i, e.ClimateStatus)
		}
		if e.IsProductionHour {
			production++
			if e.ActiveBatch == "" || e.ActiveProcess == "" {
				t.Errorf("production hour %d missing batch or process: %+v", i, e)
			}
		} else if e.ActiveBatch != "" || e.ActiveProcess != "" {
			t.Errorf("idle hour %d carries batch or process: %+v", i, e)
		}
	}

	startHour := plan.Start.Hour()
	wantProduction := 9
	if startHour+9 > 24 {
		wantProduction = 24 - startHour
	}
	if production != wantProduction {
		t.Errorf("production hours = %d, want %d", production, wantProduction)
	}
	if got := plan.HourlyTimeline[startHour].ActiveProcess; got != "Mezcladora" {
		t.Errorf("first production hour runs %q, want Mezcladora", got)
	}

	// Baseline is the run energy drawn evenly over the whole day.
	var daySum float64
	for _, e := range plan.HourlyTimeline {
		daySum += e.PriceEURKWh
	}
	wantBaseline := plan.TotalEnergyKWh * daySum / 24
	if math.Abs(plan.BaselineCostEUR-wantBaseline) > 1e-9 {
		t.Errorf("baseline = %.6f, want %.6f", plan.BaselineCostEUR, wantBaseline)
	}
	wantFraction := (plan.BaselineCostEUR - plan.TotalCostEUR) / plan.BaselineCostEUR
	if math.Abs(plan.SavingsVsBaseline-wantFraction) > 1e-9 {
		t.Errorf("savings fraction = %.6f, want %.6f", plan.SavingsVsBaseline, wantFraction)
	}
	if plan.SavingsVsBaseline <= 0 {
		t.Errorf("night run must beat the uniform spread: %+v", plan)
	}
}

func TestTimelineClimateFromForecast(t *testing.T) {
	date := time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC)
	outlook := &fakeOutlook{}
	for h := 0; h < 24; h += 3 {
		temp := 18.0
		if h == 15 {
			temp = 36 // past the P95 temperature threshold
		}
		outlook.records = append(outlook.records, types.WeatherRecord{
			Timestamp:   date.Add(time.Duration(h) * time.Hour),
			Temperature: temp,
			Humidity:    50,
		})
	}

	o := New(&fakeForecaster{}, &fakeClimate{monthTemp: 15, monthHumidity: 55}, outlook, zap.NewNop().Sugar())
	o.now = func() time.Time { return time.Date(2025, 3, 10, 0, 30, 0, 0, time.UTC) }

	plan, err := o.PlanDaily(context.Background(), date, 100, "standard")
	if err != nil {
		t.Fatalf("PlanDaily: %v", err)
	}
	for h, e := range plan.HourlyTimeline {
		want := ClimateOK
		if h >= 15 && h < 18 {
			want = ClimateCritical
		}
		if e.ClimateStatus != want {
			t.Errorf("hour %d climate = %q, want %q", h, e.ClimateStatus, want)
		}
	}
	if !plan.HeatPenalized {
		t.Error("critical hours must flag the plan")
	}
}

func TestSummarize(t *testing.T) {
	start := time.Date(2025, 3, 11, 2, 0, 0, 0, time.UTC)
	s := Summarize(Plan{
		Date:            "2025-03-11",
		Start:           start,
		End:             start.Add(9 * time.Hour),
		TotalCostEUR:    12.5,
		SavingsPct:      18,
		ValleyHourShare: 0.8,
	})
	if s.DurationHours != 9 || s.Start != "02:00" {
		t.Errorf("summary = %+v", s)
	}
}
