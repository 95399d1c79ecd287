// Package tariff derives the Spanish 3.0TD access-tariff period
// (P1..P6) for a given hour. Both the REE price normalizer and the
// production optimizer tag hours with these periods; P6 and P3 are the
// valley periods the optimizer prefers.
package tariff

import "time"

// Period labels, P1 most expensive through P6 cheapest.
const (
	P1 = "P1"
	P2 = "P2"
	P3 = "P3"
	P4 = "P4"
	P5 = "P5"
	P6 = "P6"
)

// seasonPeriods maps a month group to its (peak, flat) period pair for
// the mainland 3.0TD calendar. Valley hours and weekends are always P6.
var seasonPeriods = map[time.Month][2]string{
	time.January:   {P1, P2},
	time.February:  {P1, P2},
	time.July:      {P1, P2},
	time.December:  {P1, P2},
	time.March:     {P2, P3},
	time.November:  {P2, P3},
	time.June:      {P3, P4},
	time.August:    {P3, P4},
	time.September: {P3, P4},
	time.April:     {P4, P5},
	time.May:       {P4, P5},
	time.October:   {P4, P5},
}

// PeriodForHour returns the tariff period for t. The schedule operates
// on Spanish local civil time; callers passing UTC timestamps get the
// UTC-hour approximation used throughout the pipeline.
func PeriodForHour(t time.Time) string {
	if t.Weekday() == time.Saturday || t.Weekday() == time.Sunday {
		return P6
	}

	h := t.Hour()
	if h < 8 {
		return P6
	}

	periods := seasonPeriods[t.Month()]
	peak, flat := periods[0], periods[1]

	// Weekday shape: 08-10 flat, 10-14 peak, 14-18 flat, 18-22 peak, 22-24 flat.
	switch {
	case h >= 10 && h < 14:
		return peak
	case h >= 18 && h < 22:
		return peak
	default:
		return flat
	}
}

// Color returns the dashboard traffic-light color for a period.
func Color(period string) string {
	switch period {
	case P1, P2:
		return "red"
	case P3, P4:
		return "yellow"
	default:
		return "green"
	}
}

// IsValley reports whether a period is one of the cheap valley periods.
func IsValley(period string) bool {
	return period == P3 || period == P6
}
