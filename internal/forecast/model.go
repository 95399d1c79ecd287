// Package forecast implements the hourly spot-price forecaster. The
// model is an additive decomposition: a linear trend plus hour-of-day
// and day-of-week seasonal offsets, with a symmetric confidence band
// derived from the training residuals. It is deterministic, trains in
// milliseconds, and serializes to a small artifact.
package forecast

import (
	"math"
	"time"

	"github.com/chocops/chocofactory/internal/tariff"
	"github.com/chocops/chocofactory/internal/types"
	"gonum.org/v1/gonum/stat"
)

// ciMultiplier gives a 95% band assuming roughly normal residuals.
const ciMultiplier = 1.96

// Model is a trained additive price model. All fields are exported for
// artifact serialization.
type Model struct {
	Name        string     `msgpack:"name"`
	TrainedAt   time.Time  `msgpack:"trained_at"`
	TrendOrigin time.Time  `msgpack:"trend_origin"`
	Intercept   float64    `msgpack:"intercept"`
	Slope       float64    `msgpack:"slope"`
	HourOffsets [24]float64 `msgpack:"hour_offsets"`
	DayOffsets  [7]float64  `msgpack:"day_offsets"`
	ResidualStd float64    `msgpack:"residual_std"`
	Samples     int        `msgpack:"samples"`
	MAE         float64    `msgpack:"mae"`
	RMSE        float64    `msgpack:"rmse"`
	R2          float64    `msgpack:"r2"`
}

// Prediction is one forecast hour.
type Prediction struct {
	Timestamp    time.Time `json:"timestamp"`
	PriceEURKWh  float64   `json:"price_eur_kwh"`
	Lower        float64   `json:"yhat_lower"`
	Upper        float64   `json:"yhat_upper"`
	TariffPeriod string    `json:"tariff_period"`
}

// fit trains the additive model on a chronological price series.
func fit(records []types.PriceRecord, trainedAt time.Time) *Model {
	m := &Model{
		Name:        "additive_seasonal",
		TrainedAt:   trainedAt.UTC(),
		TrendOrigin: records[0].Timestamp.UTC(),
		Samples:     len(records),
	}

	xs := make([]float64, len(records))
	ys := make([]float64, len(records))
	for i, r := range records {
		xs[i] = r.Timestamp.Sub(m.TrendOrigin).Hours()
		ys[i] = r.PriceEURKWh
	}
	m.Intercept, m.Slope = stat.LinearRegression(xs, ys, nil, false)

	// Hour-of-day offsets over the detrended series.
	var hourSum [24]float64
	var hourN [24]int
	for i, r := range records {
		h := r.Timestamp.UTC().Hour()
		hourSum[h] += ys[i] - m.trend(r.Timestamp)
		hourN[h]++
	}
	for h := range m.HourOffsets {
		if hourN[h] > 0 {
			m.HourOffsets[h] = hourSum[h] / float64(hourN[h])
		}
	}

	// Day-of-week offsets over what the trend and hour terms leave.
	var daySum [7]float64
	var dayN [7]int
	for i, r := range records {
		ts := r.Timestamp.UTC()
		d := int(ts.Weekday())
		daySum[d] += ys[i] - m.trend(ts) - m.HourOffsets[ts.Hour()]
		dayN[d]++
	}
	for d := range m.DayOffsets {
		if dayN[d] > 0 {
			m.DayOffsets[d] = daySum[d] / float64(dayN[d])
		}
	}

	residuals := make([]float64, len(records))
	for i, r := range records {
		residuals[i] = ys[i] - m.Predict(r.Timestamp)
	}
	m.ResidualStd = stat.StdDev(residuals, nil)
	if math.IsNaN(m.ResidualStd) {
		m.ResidualStd = 0
	}
	return m
}

func (m *Model) trend(ts time.Time) float64 {
	return m.Intercept + m.Slope*ts.Sub(m.TrendOrigin).Hours()
}

// Predict returns the point estimate for one hour.
func (m *Model) Predict(ts time.Time) float64 {
	ts = ts.UTC()
	return m.trend(ts) + m.HourOffsets[ts.Hour()] + m.DayOffsets[int(ts.Weekday())]
}

// PredictWithBand returns the estimate with its 95% band. Prices are
// floored at zero; negative spot prices exist but the band should not
// dip below what the market floor allows for planning purposes.
func (m *Model) PredictWithBand(ts time.Time) Prediction {
	y := m.Predict(ts)
	band := ciMultiplier * m.ResidualStd
	return Prediction{
		Timestamp:    ts.UTC(),
		PriceEURKWh:  y,
		Lower:        math.Max(0, y-band),
		Upper:        y + band,
		TariffPeriod: tariff.PeriodForHour(ts),
	}
}

// evaluate computes holdout metrics for a fitted model.
func evaluate(m *Model, holdout []types.PriceRecord) (mae, rmse, r2 float64) {
	if len(holdout) == 0 {
		return 0, 0, 0
	}
	estimates := make([]float64, len(holdout))
	values := make([]float64, len(holdout))
	var absSum, sqSum float64
	for i, r := range holdout {
		estimates[i] = m.Predict(r.Timestamp)
		values[i] = r.PriceEURKWh
		diff := estimates[i] - values[i]
		absSum += math.Abs(diff)
		sqSum += diff * diff
	}
	n := float64(len(holdout))
	mae = absSum / n
	rmse = math.Sqrt(sqSum / n)
	r2 = stat.RSquaredFrom(estimates, values, nil)
	return mae, rmse, r2
}
