package tsdb

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/chocops/chocofactory/internal/constants"
)

// primaryField returns the field used to count and enumerate points of
// a measurement. Every point of a measurement carries its primary
// field, so counting it counts points exactly once.
func primaryField(measurement string) string {
	switch measurement {
	case constants.MeasurementEnergyPrices:
		return "price_eur_kwh"
	case constants.MeasurementWeatherData:
		return "temperature"
	default:
		return ""
	}
}

// escapeFlux escapes a string for embedding in a Flux string literal.
func escapeFlux(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

// tagFilters renders tag equality filters in deterministic key order.
func tagFilters(tags map[string]string) string {
	if len(tags) == 0 {
		return ""
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "\n  |> filter(fn: (r) => r.%s == \"%s\")", escapeFlux(k), escapeFlux(tags[k]))
	}
	return b.String()
}

func buildLatestQuery(bucket, measurement string, tags map[string]string) string {
	return fmt.Sprintf(`from(bucket: "%s")
  |> range(start: 0)
  |> filter(fn: (r) => r._measurement == "%s")
  |> filter(fn: (r) => r._field == "%s")%s
  |> last()`,
		escapeFlux(bucket), escapeFlux(measurement), primaryField(measurement), tagFilters(tags))
}

func buildTimestampsQuery(bucket, measurement string, tags map[string]string, start, end time.Time) string {
	return fmt.Sprintf(`from(bucket: "%s")
  |> range(start: %s, stop: %s)
  |> filter(fn: (r) => r._measurement == "%s")
  |> filter(fn: (r) => r._field == "%s")%s
  |> sort(columns: ["_time"])`,
		escapeFlux(bucket), start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339),
		escapeFlux(measurement), primaryField(measurement), tagFilters(tags))
}

func buildCountQuery(bucket, measurement string, tags map[string]string, start, end time.Time) string {
	return fmt.Sprintf(`from(bucket: "%s")
  |> range(start: %s, stop: %s)
  |> filter(fn: (r) => r._measurement == "%s")
  |> filter(fn: (r) => r._field == "%s")%s
  |> group()
  |> count()`,
		escapeFlux(bucket), start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339),
		escapeFlux(measurement), primaryField(measurement), tagFilters(tags))
}

func buildPivotQuery(bucket, measurement string, tags map[string]string, start, end time.Time) string {
	return fmt.Sprintf(`from(bucket: "%s")
  |> range(start: %s, stop: %s)
  |> filter(fn: (r) => r._measurement == "%s")%s
  |> pivot(rowKey: ["_time"], columnKey: ["_field"], valueColumn: "_value")
  |> sort(columns: ["_time"])`,
		escapeFlux(bucket), start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339),
		escapeFlux(measurement), tagFilters(tags))
}
