package gaps

import (
	"context"
	"testing"
	"time"

	"github.com/chocops/chocofactory/internal/constants"
	"go.uber.org/zap"
)

type fakeSeriesReader struct {
	stamps map[string][]time.Time
	latest map[string]time.Time
}

func (r *fakeSeriesReader) Timestamps(ctx context.Context, measurement string, tags map[string]string, start, end time.Time) ([]time.Time, error) {
	var out []time.Time
	for _, ts := range r.stamps[measurement] {
		if !ts.Before(start) && ts.Before(end) {
			out = append(out, ts)
		}
	}
	return out, nil
}

func (r *fakeSeriesReader) LatestTimestamp(ctx context.Context, measurement string, tags map[string]string) (time.Time, bool, error) {
	ts, ok := r.latest[measurement]
	return ts, ok, nil
}

func hourly(start time.Time, n int) []time.Time {
	out := make([]time.Time, n)
	for i := range out {
		out[i] = start.Add(time.Duration(i) * time.Hour)
	}
	return out
}

func newTestDetector(reader *fakeSeriesReader, now time.Time) *Detector {
	d := NewDetector(reader, zap.NewNop().Sugar())
	d.now = func() time.Time { return now }
	return d
}

func TestDetectContinuousSeriesHasNoGaps(t *testing.T) {
	start := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)
	reader := &fakeSeriesReader{stamps: map[string][]time.Time{
		constants.MeasurementEnergyPrices: hourly(start, 24),
	}}
	d := newTestDetector(reader, end)

	gaps, err := d.Detect(context.Background(), constants.MeasurementEnergyPrices, start, end)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(gaps) != 0 {
		t.Errorf("expected no gaps, got %+v", gaps)
	}
}

func TestDetectInteriorGapAndSeverity(t *testing.T) {
	start := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	end := start.Add(48 * time.Hour)

	// Points at hours 0-9, then nothing until hour 16, then through 47.
	stamps := append(hourly(start, 10), hourly(start.Add(16*time.Hour), 32)...)
	reader := &fakeSeriesReader{stamps: map[string][]time.Time{
		constants.MeasurementEnergyPrices: stamps,
	}}
	d := newTestDetector(reader, end)

	gaps, err := d.Detect(context.Background(), constants.MeasurementEnergyPrices, start, end)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(gaps) != 1 {
		t.Fatalf("expected 1 gap, got %d: %+v", len(gaps), gaps)
	}
	g := gaps[0]
	if !g.Start.Equal(start.Add(10 * time.Hour)) {
		t.Errorf("gap start = %s, want hour 10", g.Start)
	}
	if !g.End.Equal(start.Add(16 * time.Hour)) {
		t.Errorf("gap end = %s, want hour 16", g.End)
	}
	if g.Hours != 6 {
		t.Errorf("gap hours = %.1f, want 6", g.Hours)
	}
	if g.Severity != SeverityModerate {
		t.Errorf("severity = %s, want moderate", g.Severity)
	}
}

func TestDetectTailGap(t *testing.T) {
	start := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	now := start.Add(30 * time.Hour)

	// Series stopped updating 14 hours ago.
	reader := &fakeSeriesReader{stamps: map[string][]time.Time{
		constants.MeasurementWeatherData: hourly(start, 16),
	}}
	d := newTestDetector(reader, now)

	gaps, err := d.Detect(context.Background(), constants.MeasurementWeatherData, start, now)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(gaps) != 1 {
		t.Fatalf("expected tail gap, got %+v", gaps)
	}
	if gaps[0].Severity != SeverityCritical {
		t.Errorf("14-hour tail gap severity = %s, want critical", gaps[0].Severity)
	}
}

func TestDetectEmptyWindowIsSingleGap(t *testing.T) {
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 7)
	reader := &fakeSeriesReader{stamps: map[string][]time.Time{}}
	d := newTestDetector(reader, end)

	gaps, err := d.Detect(context.Background(), constants.MeasurementEnergyPrices, start, end)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(gaps) != 1 {
		t.Fatalf("expected exactly one gap for an empty window, got %d", len(gaps))
	}
	if gaps[0].Hours != 168 {
		t.Errorf("gap hours = %.1f, want 168", gaps[0].Hours)
	}
	if gaps[0].Severity != SeverityCritical {
		t.Errorf("severity = %s, want critical", gaps[0].Severity)
	}
}

func TestDetectClampsEndToNow(t *testing.T) {
	start := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	now := start.Add(5 * time.Hour)
	reader := &fakeSeriesReader{stamps: map[string][]time.Time{
		constants.MeasurementEnergyPrices: hourly(start, 6),
	}}
	d := newTestDetector(reader, now)

	// Asking about the future must not report the future as missing.
	gaps, err := d.Detect(context.Background(), constants.MeasurementEnergyPrices, start, start.Add(48*time.Hour))
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(gaps) != 0 {
		t.Errorf("future window reported as gaps: %+v", gaps)
	}
}

func TestSeverityBoundaries(t *testing.T) {
	tests := []struct {
		hours float64
		want  Severity
	}{
		{1, SeverityMinor},
		{2, SeverityMinor},
		{2.5, SeverityModerate},
		{12, SeverityModerate},
		{12.5, SeverityCritical},
		{72, SeverityCritical},
	}
	for _, tc := range tests {
		if got := severityFor(tc.hours); got != tc.want {
			t.Errorf("severityFor(%.1f) = %s, want %s", tc.hours, got, tc.want)
		}
	}
}

func TestSummaryAggregates(t *testing.T) {
	start := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)
	latest := start.Add(23 * time.Hour)

	reader := &fakeSeriesReader{
		stamps: map[string][]time.Time{
			constants.MeasurementEnergyPrices: hourly(start, 24),
			// Weather has a 4-hour hole at hours 10-13.
			constants.MeasurementWeatherData: append(hourly(start, 10), hourly(start.Add(14*time.Hour), 10)...),
		},
		latest: map[string]time.Time{
			constants.MeasurementEnergyPrices: latest,
			constants.MeasurementWeatherData:  latest,
		},
	}
	d := newTestDetector(reader, end)

	summaries, err := d.Summary(context.Background(), start, end)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}

	prices := summaries[constants.MeasurementEnergyPrices]
	if prices.GapCount != 0 || prices.GapHours != 0 {
		t.Errorf("prices summary reports gaps: %+v", prices)
	}
	if !prices.HasData || !prices.Latest.Equal(latest) {
		t.Errorf("prices latest = %v has_data=%v", prices.Latest, prices.HasData)
	}

	weather := summaries[constants.MeasurementWeatherData]
	if weather.GapCount != 1 || weather.GapHours != 4 {
		t.Errorf("weather summary = %+v, want 1 gap of 4 hours", weather)
	}
}
