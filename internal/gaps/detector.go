// Package gaps implements continuity checking and recovery for the
// stored series. The detector scans point timestamps for holes larger
// than the expected cadence; the backfiller re-fetches the missing
// windows from the historical upstream endpoints and writes them back.
package gaps

import (
	"context"
	"fmt"
	"time"

	"github.com/chocops/chocofactory/internal/constants"
	"github.com/chocops/chocofactory/internal/types"
	"go.uber.org/zap"
)

// expectedInterval is the cadence of both live series. A hole counts as
// a gap once it exceeds gapFactor times this interval.
const (
	expectedInterval = time.Hour
	gapFactor        = 1.5
)

// Severity classifies a gap by its duration.
type Severity string

const (
	SeverityMinor    Severity = "minor"    // up to 2 hours
	SeverityModerate Severity = "moderate" // 2 to 12 hours
	SeverityCritical Severity = "critical" // over 12 hours
)

// severityFor maps a gap duration in hours to its severity tier.
func severityFor(hours float64) Severity {
	switch {
	case hours <= 2:
		return SeverityMinor
	case hours <= 12:
		return SeverityModerate
	default:
		return SeverityCritical
	}
}

// Gap is a continuous window with no stored points.
type Gap struct {
	Measurement string    `json:"measurement"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Hours       float64   `json:"hours"`
	Severity    Severity  `json:"severity"`
}

// MeasurementSummary reports the continuity state of one measurement.
type MeasurementSummary struct {
	Measurement string    `json:"measurement"`
	HasData     bool      `json:"has_data"`
	Latest      time.Time `json:"latest,omitempty"`
	GapCount    int       `json:"gap_count"`
	GapHours    float64   `json:"gap_hours"`
	Gaps        []Gap     `json:"gaps"`
}

// SeriesReader is the slice of the store the detector scans.
type SeriesReader interface {
	Timestamps(ctx context.Context, measurement string, tags map[string]string, start, end time.Time) ([]time.Time, error)
	LatestTimestamp(ctx context.Context, measurement string, tags map[string]string) (time.Time, bool, error)
}

// Detector finds holes in the stored series.
type Detector struct {
	store  SeriesReader
	logger *zap.SugaredLogger
	now    func() time.Time
}

// NewDetector creates a gap detector over the store.
func NewDetector(store SeriesReader, logger *zap.SugaredLogger) *Detector {
	return &Detector{store: store, logger: logger, now: time.Now}
}

// Detect scans [start, end) for gaps in a measurement. An entirely
// empty window yields a single gap spanning the whole range. The tail
// between the newest point and the window end counts too: a series that
// silently stopped updating is the most common failure.
func (d *Detector) Detect(ctx context.Context, measurement string, start, end time.Time) ([]Gap, error) {
	if !start.Before(end) {
		return nil, types.NewValidationError("range", "start must be before end")
	}
	start, end = start.UTC(), end.UTC()
	if now := d.now().UTC(); end.After(now) {
		end = now
	}

	stamps, err := d.store.Timestamps(ctx, measurement, nil, start, end)
	if err != nil {
		return nil, fmt.Errorf("scanning %s for gaps: %w", measurement, err)
	}

	threshold := time.Duration(float64(expectedInterval) * gapFactor)
	var gaps []Gap

	if len(stamps) == 0 {
		gaps = append(gaps, newGap(measurement, start, end))
		return gaps, nil
	}

	if stamps[0].Sub(start) > threshold {
		gaps = append(gaps, newGap(measurement, start, stamps[0]))
	}
	for i := 1; i < len(stamps); i++ {
		if stamps[i].Sub(stamps[i-1]) > threshold {
			gaps = append(gaps, newGap(measurement, stamps[i-1].Add(expectedInterval), stamps[i]))
		}
	}
	if last := stamps[len(stamps)-1]; end.Sub(last) > threshold {
		gaps = append(gaps, newGap(measurement, last.Add(expectedInterval), end))
	}

	return gaps, nil
}

// Summary returns the continuity state of both live measurements over
// [start, end).
func (d *Detector) Summary(ctx context.Context, start, end time.Time) (map[string]MeasurementSummary, error) {
	out := make(map[string]MeasurementSummary, 2)
	for _, measurement := range []string{constants.MeasurementEnergyPrices, constants.MeasurementWeatherData} {
		gaps, err := d.Detect(ctx, measurement, start, end)
		if err != nil {
			return nil, err
		}
		latest, found, err := d.store.LatestTimestamp(ctx, measurement, nil)
		if err != nil {
			return nil, err
		}

		summary := MeasurementSummary{
			Measurement: measurement,
			HasData:     found,
			Latest:      latest,
			GapCount:    len(gaps),
			Gaps:        gaps,
		}
		for _, g := range gaps {
			summary.GapHours += g.Hours
		}
		out[measurement] = summary
	}
	return out, nil
}

func newGap(measurement string, start, end time.Time) Gap {
	hours := end.Sub(start).Hours()
	return Gap{
		Measurement: measurement,
		Start:       start,
		End:         end,
		Hours:       hours,
		Severity:    severityFor(hours),
	}
}
