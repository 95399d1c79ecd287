package gaps

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/chocops/chocofactory/internal/alerts"
	"github.com/chocops/chocofactory/internal/constants"
	"github.com/chocops/chocofactory/internal/metrics"
	"github.com/chocops/chocofactory/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// autoLookbackDays is the window the scheduled backfill check scans.
const autoLookbackDays = 7

// weatherChunkDays bounds one climatology request during backfill so a
// partial failure loses at most one chunk of progress.
const weatherChunkDays = 90

// AEMET asks bulk consumers to pace historical requests. Sleep a random
// 8-15 s between chunks.
const (
	chunkPauseMin = 8 * time.Second
	chunkPauseMax = 15 * time.Second
)

// Run statuses reported to callers and the scheduler.
const (
	StatusNoActionNeeded = "no_action_needed"
	StatusCompleted      = "completed"
	StatusPartial        = "partial"
	StatusFailed         = "failed"
	StatusCancelled      = "cancelled"
	StatusRunning        = "running"
)

// PriceFetcher is the historical price capability the backfiller needs.
type PriceFetcher interface {
	FetchPrices(ctx context.Context, start, end time.Time) ([]types.PriceRecord, error)
}

// WeatherHistory is the historical weather capability the backfiller needs.
type WeatherHistory interface {
	DailyClimatology(ctx context.Context, start, end time.Time) ([]types.WeatherRecord, error)
}

// PointWriter is the store slice the backfiller writes through.
type PointWriter interface {
	WritePoints(ctx context.Context, points []types.Point) error
}

// Report summarizes one backfill run.
type Report struct {
	ID                   string             `json:"id"`
	Trigger              string             `json:"trigger"`
	Status               string             `json:"status"`
	StartedAt            time.Time          `json:"started_at"`
	FinishedAt           time.Time          `json:"finished_at,omitempty"`
	WindowStart          time.Time          `json:"window_start"`
	WindowEnd            time.Time          `json:"window_end"`
	GapsDetected         int                `json:"gaps_detected"`
	GapsFilled           int                `json:"gaps_filled"`
	RecordsRequested     int                `json:"records_requested"`
	RecordsObtained      int                `json:"records_obtained"`
	RecordsWritten       int                `json:"records_written"`
	PerSourceSuccessRate map[string]float64 `json:"per_source_success_rate"`
	Errors               []string           `json:"errors,omitempty"`
}

// Backfiller fills detected gaps from the historical upstream
// endpoints. Only one run executes at a time; the async launcher
// rejects a second run while one is in flight.
type Backfiller struct {
	store    PointWriter
	detector *Detector
	prices   PriceFetcher
	weather  WeatherHistory
	sink     alerts.Sink
	logger   *zap.SugaredLogger
	now      func() time.Time
	pause    func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	reports map[string]Report
}

// NewBackfiller creates the gap recovery engine.
func NewBackfiller(store PointWriter, detector *Detector, prices PriceFetcher, weather WeatherHistory, sink alerts.Sink, logger *zap.SugaredLogger) *Backfiller {
	return &Backfiller{
		store:    store,
		detector: detector,
		prices:   prices,
		weather:  weather,
		sink:     sink,
		logger:   logger,
		now:      time.Now,
		pause:    sleepCtx,
		reports:  make(map[string]Report),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RunAuto scans the recent window and backfills only when the worst
// single measurement's gap hours exceed thresholdHours. Called on a
// schedule; the threshold keeps the scheduled job from hammering AEMET
// over a stray missing hour, and below it no upstream call is made.
func (b *Backfiller) RunAuto(ctx context.Context, thresholdHours float64) (Report, error) {
	end := b.now().UTC()
	start := end.AddDate(0, 0, -autoLookbackDays)

	summaries, err := b.detector.Summary(ctx, start, end)
	if err != nil {
		return Report{}, err
	}

	var worst float64
	for _, s := range summaries {
		if s.GapHours > worst {
			worst = s.GapHours
		}
	}
	if worst <= thresholdHours {
		report := Report{
			ID:          uuid.New().String(),
			Trigger:     "auto",
			Status:      StatusNoActionNeeded,
			StartedAt:   b.now().UTC(),
			FinishedAt:  b.now().UTC(),
			WindowStart: start,
			WindowEnd:   end,
		}
		b.remember(report)
		return report, nil
	}

	b.logger.Infof("auto backfill triggered: worst measurement is missing %.1f hours over the last %d days (threshold %.1f)",
		worst, autoLookbackDays, thresholdHours)
	return b.RunRange(ctx, start, end, "auto")
}

// RunManual backfills the last daysBack days.
func (b *Backfiller) RunManual(ctx context.Context, daysBack int) (Report, error) {
	if daysBack <= 0 {
		return Report{}, types.NewValidationError("days_back", "must be a positive number of days")
	}
	end := b.now().UTC()
	return b.RunRange(ctx, end.AddDate(0, 0, -daysBack), end, "manual")
}

// allMeasurements is the default scan set for a run.
var allMeasurements = []string{constants.MeasurementEnergyPrices, constants.MeasurementWeatherData}

// RunRange detects and fills gaps in [start, end) for every measurement.
func (b *Backfiller) RunRange(ctx context.Context, start, end time.Time, trigger string) (Report, error) {
	return b.RunRangeFor(ctx, start, end, trigger, allMeasurements)
}

// RunRangeFor is RunRange restricted to the given measurements.
func (b *Backfiller) RunRangeFor(ctx context.Context, start, end time.Time, trigger string, measurements []string) (Report, error) {
	if !start.Before(end) {
		return Report{}, types.NewValidationError("range", "start must be before end")
	}
	if len(measurements) == 0 {
		measurements = allMeasurements
	}
	if !b.tryAcquire(nil) {
		return Report{}, fmt.Errorf("a backfill run is already in progress")
	}
	defer b.release()
	return b.runWithID(ctx, uuid.New().String(), start, end, trigger, measurements)
}

// Launch starts a backfill of [start, end) in the background and
// returns the run id immediately. The report becomes available through
// ReportByID as the run progresses.
func (b *Backfiller) Launch(start, end time.Time, trigger string) (string, error) {
	if !start.Before(end) {
		return "", types.NewValidationError("range", "start must be before end")
	}

	ctx, cancel := context.WithCancel(context.Background())
	if !b.tryAcquire(cancel) {
		cancel()
		return "", fmt.Errorf("a backfill run is already in progress")
	}

	id := uuid.New().String()
	b.remember(Report{
		ID:          id,
		Trigger:     trigger,
		Status:      StatusRunning,
		StartedAt:   b.now().UTC(),
		WindowStart: start.UTC(),
		WindowEnd:   end.UTC(),
	})

	go func() {
		defer b.release()
		report, err := b.runWithID(ctx, id, start, end, trigger, allMeasurements)
		if err != nil {
			b.logger.Errorf("background backfill %s finished with error: %v", id, err)
		}
		b.remember(report)
	}()

	return id, nil
}

// Stop cancels an in-flight run, if any.
func (b *Backfiller) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
	}
}

// ReportByID returns a stored run report.
func (b *Backfiller) ReportByID(id string) (Report, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.reports[id]
	return r, ok
}

func (b *Backfiller) runWithID(ctx context.Context, id string, start, end time.Time, trigger string, measurements []string) (Report, error) {
	report := Report{
		ID:                   id,
		Trigger:              trigger,
		Status:               StatusRunning,
		StartedAt:            b.now().UTC(),
		WindowStart:          start.UTC(),
		WindowEnd:            end.UTC(),
		PerSourceSuccessRate: make(map[string]float64),
	}

	var gaps []Gap
	for _, measurement := range measurements {
		found, err := b.detector.Detect(ctx, measurement, start, end)
		if err != nil {
			report.Status = StatusFailed
			report.FinishedAt = b.now().UTC()
			report.Errors = append(report.Errors, err.Error())
			b.remember(report)
			return report, err
		}
		gaps = append(gaps, found...)
	}
	report.GapsDetected = len(gaps)

	if len(gaps) == 0 {
		report.Status = StatusNoActionNeeded
		report.FinishedAt = b.now().UTC()
		b.remember(report)
		return report, nil
	}

	for _, g := range gaps {
		if g.Severity == SeverityCritical {
			b.sink.Send(ctx, alerts.TopicGapDetected, alerts.SeverityWarning,
				fmt.Sprintf("%s gap of %.1f hours starting %s", g.Measurement, g.Hours, g.Start.Format(time.RFC3339)))
		}
	}

	// Critical gaps first, then chronological within each tier.
	orderGaps(gaps)

	requested := make(map[string]int)
	obtained := make(map[string]int)

	for _, g := range gaps {
		if ctx.Err() != nil {
			report.Status = StatusCancelled
			report.FinishedAt = b.now().UTC()
			report.Errors = append(report.Errors, ctx.Err().Error())
			b.remember(report)
			return report, ctx.Err()
		}

		var (
			source  string
			want    int
			got     int
			written int
			err     error
		)
		switch g.Measurement {
		case constants.MeasurementEnergyPrices:
			source = types.SourceREEHistorical
			want, got, written, err = b.fillPriceGap(ctx, g)
		case constants.MeasurementWeatherData:
			source = types.SourceSIAR
			want, got, written, err = b.fillWeatherGap(ctx, g)
		default:
			continue
		}

		requested[source] += want
		obtained[source] += got
		report.RecordsRequested += want
		report.RecordsObtained += got
		report.RecordsWritten += written
		if err != nil {
			report.Errors = append(report.Errors,
				fmt.Sprintf("%s gap %s..%s: %v", g.Measurement, g.Start.Format(time.RFC3339), g.End.Format(time.RFC3339), err))
			continue
		}
		report.GapsFilled++
	}

	for source, want := range requested {
		if want > 0 {
			report.PerSourceSuccessRate[source] = float64(obtained[source]) / float64(want)
		}
	}
	metrics.BackfillRecordsWritten.Add(float64(report.RecordsWritten))

	switch {
	case report.GapsFilled == report.GapsDetected:
		report.Status = StatusCompleted
	case report.GapsFilled > 0:
		report.Status = StatusPartial
	default:
		report.Status = StatusFailed
	}
	report.FinishedAt = b.now().UTC()
	b.remember(report)

	if report.Status != StatusFailed {
		b.sink.Send(ctx, alerts.TopicBackfillCompleted, alerts.SeverityInfo,
			fmt.Sprintf("backfill %s: %d/%d gaps filled, %d records written",
				report.Status, report.GapsFilled, report.GapsDetected, report.RecordsWritten))
	}

	b.logger.Infow("backfill run finished",
		"id", report.ID,
		"status", report.Status,
		"gaps", report.GapsDetected,
		"filled", report.GapsFilled,
		"written", report.RecordsWritten,
	)
	return report, nil
}

// fillPriceGap re-fetches hourly prices for the gap window. Each hour
// of gap is one expected record.
func (b *Backfiller) fillPriceGap(ctx context.Context, g Gap) (want, got, written int, err error) {
	want = int(g.End.Sub(g.Start).Hours())
	if want < 1 {
		want = 1
	}

	var records []types.PriceRecord
	for attempt := 0; attempt < retryBudget(g.Severity); attempt++ {
		records, err = b.prices.FetchPrices(ctx, g.Start, g.End)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return want, 0, 0, ctx.Err()
		}
		b.logger.Warnf("price backfill attempt %d for %s..%s failed: %v",
			attempt+1, g.Start.Format(time.RFC3339), g.End.Format(time.RFC3339), err)
	}
	if err != nil {
		return want, 0, 0, err
	}

	points := make([]types.Point, 0, len(records))
	for _, r := range records {
		points = append(points, r.Point(types.SourceREEHistorical))
	}
	if err := b.store.WritePoints(ctx, points); err != nil {
		return want, len(records), 0, err
	}
	return want, len(records), len(points), nil
}

// fillWeatherGap re-fetches daily climatology for the gap window in
// chunks, writing each chunk before moving on so a failure late in a
// long window keeps the progress already made.
func (b *Backfiller) fillWeatherGap(ctx context.Context, g Gap) (want, got, written int, err error) {
	want = int(g.End.Sub(g.Start).Hours()/24) + 1

	first := true
	for chunkStart := g.Start; chunkStart.Before(g.End); {
		chunkEnd := chunkStart.AddDate(0, 0, weatherChunkDays)
		if chunkEnd.After(g.End) {
			chunkEnd = g.End
		}

		if !first {
			if err := b.pause(ctx, pauseDuration()); err != nil {
				return want, got, written, err
			}
		}
		first = false

		var records []types.WeatherRecord
		var chunkErr error
		for attempt := 0; attempt < retryBudget(g.Severity); attempt++ {
			records, chunkErr = b.weather.DailyClimatology(ctx, chunkStart, chunkEnd)
			if chunkErr == nil {
				break
			}
			if ctx.Err() != nil {
				return want, got, written, ctx.Err()
			}
			b.logger.Warnf("weather backfill attempt %d for chunk %s..%s failed: %v",
				attempt+1, chunkStart.Format("2006-01-02"), chunkEnd.Format("2006-01-02"), chunkErr)
		}
		if chunkErr != nil {
			return want, got, written, chunkErr
		}

		points := make([]types.Point, 0, len(records))
		for _, r := range records {
			// Recovered climatology is tagged as SIAR history so
			// analyses can tell it from live observations.
			r.DataSource = types.SourceSIAR
			r.DataType = "historical"
			points = append(points, r.Point())
		}
		if err := b.store.WritePoints(ctx, points); err != nil {
			return want, got, written, err
		}
		got += len(records)
		written += len(points)
		chunkStart = chunkEnd
	}
	return want, got, written, nil
}

// retryBudget allows more attempts for gaps that matter more.
func retryBudget(s Severity) int {
	if s == SeverityMinor {
		return 2
	}
	return 3
}

func pauseDuration() time.Duration {
	return chunkPauseMin + time.Duration(rand.Int63n(int64(chunkPauseMax-chunkPauseMin)))
}

// orderGaps sorts critical gaps first, then by start time.
func orderGaps(gaps []Gap) {
	rank := map[Severity]int{SeverityCritical: 0, SeverityModerate: 1, SeverityMinor: 2}
	sort.SliceStable(gaps, func(i, j int) bool {
		if rank[gaps[i].Severity] != rank[gaps[j].Severity] {
			return rank[gaps[i].Severity] < rank[gaps[j].Severity]
		}
		return gaps[i].Start.Before(gaps[j].Start)
	})
}

func (b *Backfiller) tryAcquire(cancel context.CancelFunc) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return false
	}
	b.running = true
	b.cancel = cancel
	return true
}

func (b *Backfiller) release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.running = false
	b.cancel = nil
}

func (b *Backfiller) remember(r Report) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reports[r.ID] = r
}
