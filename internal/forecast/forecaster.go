package forecast

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/chocops/chocofactory/internal/alerts"
	"github.com/chocops/chocofactory/internal/types"
	"github.com/chocops/chocofactory/pkg/config"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"
)

// Forecast horizon limits in hours.
const (
	MinHorizon = 1
	MaxHorizon = 168
)

// minTrainingSamples rejects a training run that would fit noise.
const minTrainingSamples = 24 * 14

// maxModelAge is how old a model may get before the scheduled upkeep
// job retrains it.
const maxModelAge = 7 * 24 * time.Hour

// latestArtifact is the stable name the loader reads. The prophet_
// prefix is kept for compatibility with artifacts written by earlier
// deployments of this service.
const latestArtifact = "prophet_latest.pkl"

// degradationHistory is how many recent runs the degradation medians
// consider.
const degradationHistory = 30

// PriceHistory is the store capability the forecaster trains on.
type PriceHistory interface {
	PriceSeries(ctx context.Context, start, end time.Time) ([]types.PriceRecord, error)
}

// Status reports the current model state.
type Status struct {
	Available bool      `json:"available"`
	Name      string    `json:"name,omitempty"`
	TrainedAt time.Time `json:"trained_at,omitempty"`
	Samples   int       `json:"samples,omitempty"`
	MAE       float64   `json:"mae,omitempty"`
	RMSE      float64   `json:"rmse,omitempty"`
	R2        float64   `json:"r2,omitempty"`
	Degraded  bool      `json:"degraded"`
	Artifact  string    `json:"artifact,omitempty"`
}

// Forecaster owns the model lifecycle: training, persistence, serving
// and degradation tracking.
type Forecaster struct {
	history    PriceHistory
	metricsLog *metricsLog
	sink       alerts.Sink
	logger     *zap.SugaredLogger
	modelDir   string
	months     int
	now        func() time.Time

	mu       sync.RWMutex
	model    *Model
	degraded bool
	artifact string
}

// New creates a forecaster and loads the latest artifact if one exists.
// Starting without an artifact is normal on first deploy; Forecast
// returns ErrModelUnavailable until the first training run.
func New(history PriceHistory, cfg config.ForecastData, sink alerts.Sink, logger *zap.SugaredLogger) (*Forecaster, error) {
	if err := os.MkdirAll(cfg.ModelDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating model directory: %w", err)
	}

	f := &Forecaster{
		history:    history,
		metricsLog: newMetricsLog(cfg.MetricsPath),
		sink:       sink,
		logger:     logger,
		modelDir:   cfg.ModelDir,
		months:     cfg.TrainingMonths,
		now:        time.Now,
	}

	path := filepath.Join(cfg.ModelDir, latestArtifact)
	if model, err := loadArtifact(path); err == nil {
		f.model = model
		f.artifact = path
		logger.Infof("loaded forecast model trained %s (%d samples)", model.TrainedAt.Format(time.RFC3339), model.Samples)
	} else if !os.IsNotExist(err) {
		logger.Warnf("could not load forecast artifact %s: %v", path, err)
	}
	return f, nil
}

// Train fetches monthsBack of price history, fits a model on the first
// 80% chronologically, evaluates on the rest, persists the artifact and
// appends a metrics-history row. The new model replaces the served one
// only after the artifact is safely on disk.
func (f *Forecaster) Train(ctx context.Context, monthsBack int) (Status, error) {
	if monthsBack <= 0 {
		monthsBack = f.months
	}
	started := f.now()
	end := started.UTC().Truncate(time.Hour)
	start := end.AddDate(0, -monthsBack, 0)

	records, err := f.history.PriceSeries(ctx, start, end)
	if err != nil {
		return Status{}, fmt.Errorf("loading training series: %w", err)
	}
	if len(records) < minTrainingSamples {
		return Status{}, fmt.Errorf("training needs at least %d hourly samples, have %d", minTrainingSamples, len(records))
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Timestamp.Before(records[j].Timestamp) })

	split := len(records) * 8 / 10
	model := fit(records[:split], started)
	model.MAE, model.RMSE, model.R2 = evaluate(model, records[split:])
	model.Samples = len(records)

	artifact, err := f.saveArtifact(model)
	if err != nil {
		return Status{}, err
	}

	duration := f.now().Sub(started)
	degraded, err := f.checkDegradation(model)
	if err != nil {
		f.logger.Warnf("degradation check failed: %v", err)
	}
	if err := f.metricsLog.append(TrainingRecord{
		Timestamp: started.UTC(),
		ModelName: model.Name,
		MAE:       model.MAE,
		RMSE:      model.RMSE,
		R2:        model.R2,
		Samples:   model.Samples,
		Duration:  duration.Seconds(),
		Notes:     fmt.Sprintf("months_back=%d", monthsBack),
	}); err != nil {
		f.logger.Warnf("appending metrics history: %v", err)
	}

	f.mu.Lock()
	f.model = model
	f.degraded = degraded
	f.artifact = artifact
	status := f.statusLocked()
	f.mu.Unlock()

	f.logger.Infow("forecast model trained",
		"samples", model.Samples,
		"mae", model.MAE,
		"rmse", model.RMSE,
		"r2", model.R2,
		"duration", duration,
	)

	if degraded {
		f.sink.Send(ctx, alerts.TopicModelDegradation, alerts.SeverityWarning,
			fmt.Sprintf("model quality degraded: MAE %.4f, R² %.3f against recent history", model.MAE, model.R2))
	}
	return status, nil
}

// TrainIfStaleOrDegraded retrains when there is no model, the model has
// aged out, or the last run was flagged degraded. Called by the
// scheduled upkeep job.
func (f *Forecaster) TrainIfStaleOrDegraded(ctx context.Context) error {
	f.mu.RLock()
	model, degraded := f.model, f.degraded
	f.mu.RUnlock()

	switch {
	case model == nil:
		f.logger.Info("no forecast model loaded, training")
	case degraded:
		f.logger.Info("forecast model flagged degraded, retraining")
	case f.now().Sub(model.TrainedAt) > maxModelAge:
		f.logger.Infof("forecast model trained %s is stale, retraining", model.TrainedAt.Format(time.RFC3339))
	default:
		return nil
	}
	_, err := f.Train(ctx, f.months)
	return err
}

// Forecast returns exactly hours hourly predictions starting at the
// next full hour.
func (f *Forecaster) Forecast(hours int) ([]Prediction, error) {
	if hours < MinHorizon || hours > MaxHorizon {
		return nil, types.NewValidationError("hours",
			fmt.Sprintf("must be between %d and %d, got %d", MinHorizon, MaxHorizon, hours))
	}

	f.mu.RLock()
	model := f.model
	f.mu.RUnlock()
	if model == nil {
		return nil, types.ErrModelUnavailable
	}

	first := f.now().UTC().Truncate(time.Hour).Add(time.Hour)
	out := make([]Prediction, hours)
	for i := range out {
		out[i] = model.PredictWithBand(first.Add(time.Duration(i) * time.Hour))
	}
	return out, nil
}

// CurrentStatus returns the served model's state.
func (f *Forecaster) CurrentStatus() Status {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.statusLocked()
}

func (f *Forecaster) statusLocked() Status {
	if f.model == nil {
		return Status{Available: false}
	}
	return Status{
		Available: true,
		Name:      f.model.Name,
		TrainedAt: f.model.TrainedAt,
		Samples:   f.model.Samples,
		MAE:       f.model.MAE,
		RMSE:      f.model.RMSE,
		R2:        f.model.R2,
		Degraded:  f.degraded,
		Artifact:  f.artifact,
	}
}

// MetricsHistory returns the recorded training runs, oldest first.
func (f *Forecaster) MetricsHistory() ([]TrainingRecord, error) {
	return f.metricsLog.readAll()
}

// saveArtifact writes the timestamped artifact, then republishes it
// under the stable latest name via an atomic rename.
func (f *Forecaster) saveArtifact(m *Model) (string, error) {
	payload, err := msgpack.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encoding model artifact: %w", err)
	}

	versioned := filepath.Join(f.modelDir, fmt.Sprintf("prophet_%d.pkl", m.TrainedAt.Unix()))
	if err := os.WriteFile(versioned, payload, 0o644); err != nil {
		return "", fmt.Errorf("writing model artifact: %w", err)
	}

	latest := filepath.Join(f.modelDir, latestArtifact)
	tmp := latest + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return "", fmt.Errorf("staging latest artifact: %w", err)
	}
	if err := os.Rename(tmp, latest); err != nil {
		return "", fmt.Errorf("publishing latest artifact: %w", err)
	}
	return versioned, nil
}

func loadArtifact(path string) (*Model, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Model
	if err := msgpack.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("decoding model artifact %s: %w", path, err)
	}
	return &m, nil
}

// checkDegradation compares the fresh run against the median of recent
// history: MAE more than twice the median, or R² under half of it,
// flags the model.
func (f *Forecaster) checkDegradation(m *Model) (bool, error) {
	rows, err := f.metricsLog.readAll()
	if err != nil {
		return false, err
	}
	if len(rows) > degradationHistory {
		rows = rows[len(rows)-degradationHistory:]
	}
	if len(rows) < 3 {
		return false, nil
	}

	maes := make([]float64, len(rows))
	r2s := make([]float64, len(rows))
	for i, r := range rows {
		maes[i] = r.MAE
		r2s[i] = r.R2
	}
	maeMedian := median(maes)
	r2Median := median(r2s)

	if maeMedian > 0 && m.MAE > 2*maeMedian {
		return true, nil
	}
	if r2Median > 0 && m.R2 < 0.5*r2Median {
		return true, nil
	}
	return false, nil
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	return stat.Quantile(0.5, stat.Empirical, sorted, nil)
}
