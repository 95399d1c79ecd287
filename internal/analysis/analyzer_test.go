package analysis

import (
	"context"
	"testing"
	"time"

	"github.com/chocops/chocofactory/internal/types"
	"go.uber.org/zap"
)

type fakeWeatherReader struct {
	records []types.WeatherRecord
	calls   int
}

func (r *fakeWeatherReader) WeatherSeries(ctx context.Context, source string, start, end time.Time) ([]types.WeatherRecord, error) {
	r.calls++
	return r.records, nil
}

func dailyRecord(ts time.Time, temp, hum float64) types.WeatherRecord {
	return types.WeatherRecord{
		Timestamp:   ts,
		StationID:   "5279X",
		DataSource:  types.SourceSIAR,
		DataType:    "observed",
		Temperature: temp,
		Humidity:    hum,
	}
}

// twoYearSeries builds a daily series with hot summers and mild winters.
func twoYearSeries() []types.WeatherRecord {
	var out []types.WeatherRecord
	start := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	for d := 0; d < 730; d++ {
		ts := start.AddDate(0, 0, d)
		var temp float64
		switch ts.Month() {
		case time.July, time.August:
			temp = 34
		case time.June, time.September:
			temp = 28
		case time.December, time.January, time.February:
			temp = 10
		default:
			temp = 20
		}
		out = append(out, dailyRecord(ts, temp, 55))
	}
	return out
}

func newTestAnalyzer(records []types.WeatherRecord, now time.Time) (*Analyzer, *fakeWeatherReader) {
	reader := &fakeWeatherReader{records: records}
	a := New(reader, zap.NewNop().Sugar())
	a.now = func() time.Time { return now }
	return a, reader
}

func TestEfficiencyScore(t *testing.T) {
	tests := []struct {
		name string
		temp float64
		hum  float64
		want float64
	}{
		{"ideal conditions", 20, 55, 100},
		{"band edges", 25, 70, 100},
		{"hot by 5 degrees", 30, 55, 0.6*75 + 0.4*100},
		{"dry by 10 points", 20, 30, 0.6*100 + 0.4*80},
		{"cold and humid", 10, 80, 0.6*75 + 0.4*80},
		{"extreme heat floors at zero", 50, 55, 0.4 * 100},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := EfficiencyScore(tc.temp, tc.hum)
			if diff := got - tc.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("EfficiencyScore(%.0f, %.0f) = %.2f, want %.2f", tc.temp, tc.hum, got, tc.want)
			}
		})
	}
}

func TestCorrelationsOnSyntheticSeries(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a, _ := newTestAnalyzer(twoYearSeries(), now)

	report, err := a.Correlations(context.Background())
	if err != nil {
		t.Fatalf("Correlations: %v", err)
	}
	if report.Samples != 730 {
		t.Errorf("samples = %d, want 730", report.Samples)
	}
	// Heat hurts efficiency, so the correlation must be clearly negative.
	if report.TempEfficiencyR > -0.5 {
		t.Errorf("temperature correlation = %.3f, want strongly negative", report.TempEfficiencyR)
	}
	if report.TempEfficiencyR2 < 0.25 {
		t.Errorf("temperature R² = %.3f, want meaningful", report.TempEfficiencyR2)
	}
}

func TestSeasonalPatterns(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a, _ := newTestAnalyzer(twoYearSeries(), now)

	report, err := a.SeasonalPatterns(context.Background())
	if err != nil {
		t.Fatalf("SeasonalPatterns: %v", err)
	}
	if len(report.Months) != 12 {
		t.Fatalf("months = %d, want 12", len(report.Months))
	}
	if report.WorstMonth != time.July && report.WorstMonth != time.August {
		t.Errorf("worst month = %s, want a summer month", report.WorstMonth)
	}
	for _, m := range report.Months {
		if m.Month == time.July && m.AvgTemp != 34 {
			t.Errorf("July avg temp = %.1f, want 34", m.AvgTemp)
		}
	}
}

func TestCriticalThresholds(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a, _ := newTestAnalyzer(twoYearSeries(), now)

	report, err := a.CriticalThresholds(context.Background())
	if err != nil {
		t.Fatalf("CriticalThresholds: %v", err)
	}
	if report.Temperature.P90 < 28 || report.Temperature.P99 > 34 {
		t.Errorf("temperature thresholds implausible: %+v", report.Temperature)
	}
	if report.Temperature.P90 > report.Temperature.P95 || report.Temperature.P95 > report.Temperature.P99 {
		t.Errorf("percentiles not monotonic: %+v", report.Temperature)
	}
	if report.Temperature.DaysAboveP90 < report.Temperature.DaysAboveP95 {
		t.Error("occurrence counts not monotonic")
	}
}

func TestContextualizeTiers(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a, _ := newTestAnalyzer(twoYearSeries(), now)

	tests := []struct {
		name string
		temp float64
		tier string
	}{
		{"mild day", 20, "none"},
		{"hottest on record", 40, "P99"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			report, err := a.Contextualize(context.Background(), types.WeatherRecord{Temperature: tc.temp, Humidity: 55})
			if err != nil {
				t.Fatalf("Contextualize: %v", err)
			}
			if report.Tier != tc.tier {
				t.Errorf("tier = %q, want %q", report.Tier, tc.tier)
			}
			if report.Recommendation == "" {
				t.Error("missing recommendation text")
			}
		})
	}
}

func TestContextualizeMatchesSimilarDays(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a, _ := newTestAnalyzer(twoYearSeries(), now)

	report, err := a.Contextualize(context.Background(), types.WeatherRecord{Temperature: 20, Humidity: 55})
	if err != nil {
		t.Fatalf("Contextualize: %v", err)
	}
	if report.MatchingDays == 0 {
		t.Fatal("no matching days for a common condition")
	}
	if report.AvgEfficiency != 100 {
		t.Errorf("avg efficiency of matched ideal days = %.1f, want 100", report.AvgEfficiency)
	}
	if report.CurrentScore != 100 {
		t.Errorf("current score = %.1f, want 100", report.CurrentScore)
	}
}

func TestHistoryCaching(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a, reader := newTestAnalyzer(twoYearSeries(), now)

	if _, err := a.Correlations(context.Background()); err != nil {
		t.Fatalf("Correlations: %v", err)
	}
	if _, err := a.SeasonalPatterns(context.Background()); err != nil {
		t.Fatalf("SeasonalPatterns: %v", err)
	}
	if reader.calls != 1 {
		t.Errorf("store reads = %d, want 1 (cached)", reader.calls)
	}

	// Past the TTL the next report re-reads the store.
	a.now = func() time.Time { return now.Add(cacheTTL + time.Minute) }
	if _, err := a.CriticalThresholds(context.Background()); err != nil {
		t.Fatalf("CriticalThresholds: %v", err)
	}
	if reader.calls != 2 {
		t.Errorf("store reads after TTL = %d, want 2", reader.calls)
	}
}

func TestSummary(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a, _ := newTestAnalyzer(twoYearSeries(), now)

	summary, err := a.Summary(context.Background())
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if summary.Samples != 730 {
		t.Errorf("samples = %d, want 730", summary.Samples)
	}
	if summary.YearsCovered < 1.9 || summary.YearsCovered > 2.1 {
		t.Errorf("years covered = %.2f, want ~2", summary.YearsCovered)
	}
	if summary.AvgEfficiency <= 0 || summary.AvgEfficiency > 100 {
		t.Errorf("avg efficiency = %.1f, want within (0, 100]", summary.AvgEfficiency)
	}
	if !summary.FirstDay.Before(summary.LastDay) {
		t.Errorf("first day %v not before last day %v", summary.FirstDay, summary.LastDay)
	}
}

func TestSummaryEmptyHistory(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a, _ := newTestAnalyzer(nil, now)

	if _, err := a.Summary(context.Background()); err == nil {
		t.Fatal("expected error for empty history")
	}
}
