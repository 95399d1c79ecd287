package forecast

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// TrainingRecord is one training run in the metrics history file.
type TrainingRecord struct {
	Timestamp time.Time `json:"timestamp"`
	ModelName string    `json:"model_name"`
	MAE       float64   `json:"mae"`
	RMSE      float64   `json:"rmse"`
	R2        float64   `json:"r2"`
	Samples   int       `json:"samples"`
	Duration  float64   `json:"duration_seconds"`
	Notes     string    `json:"notes,omitempty"`
}

var csvHeader = []string{"timestamp", "model_name", "mae", "rmse", "r2", "samples", "duration_seconds", "notes"}

// metricsLog is an append-only CSV of training runs. The file survives
// restarts so degradation checks can compare against earlier deploys.
type metricsLog struct {
	mu   sync.Mutex
	path string
}

func newMetricsLog(path string) *metricsLog {
	return &metricsLog{path: path}
}

// append writes one row, creating the file with a header on first use.
func (l *metricsLog) append(row TrainingRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("creating metrics directory: %w", err)
	}

	_, statErr := os.Stat(l.path)
	fresh := os.IsNotExist(statErr)

	file, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening metrics history: %w", err)
	}
	defer file.Close()

	w := csv.NewWriter(file)
	if fresh {
		if err := w.Write(csvHeader); err != nil {
			return err
		}
	}
	if err := w.Write([]string{
		row.Timestamp.UTC().Format(time.RFC3339),
		row.ModelName,
		strconv.FormatFloat(row.MAE, 'f', 6, 64),
		strconv.FormatFloat(row.RMSE, 'f', 6, 64),
		strconv.FormatFloat(row.R2, 'f', 6, 64),
		strconv.Itoa(row.Samples),
		strconv.FormatFloat(row.Duration, 'f', 3, 64),
		row.Notes,
	}); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

// readAll returns all recorded runs, oldest first. Malformed rows are
// skipped rather than failing the read.
func (l *metricsLog) readAll() ([]TrainingRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	file, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening metrics history: %w", err)
	}
	defer file.Close()

	r := csv.NewReader(file)
	r.FieldsPerRecord = -1
	lines, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading metrics history: %w", err)
	}

	var rows []TrainingRecord
	for i, line := range lines {
		if i == 0 && len(line) > 0 && line[0] == "timestamp" {
			continue
		}
		if len(line) < 7 {
			continue
		}
		ts, err := time.Parse(time.RFC3339, line[0])
		if err != nil {
			continue
		}
		mae, _ := strconv.ParseFloat(line[2], 64)
		rmse, _ := strconv.ParseFloat(line[3], 64)
		r2, _ := strconv.ParseFloat(line[4], 64)
		samples, _ := strconv.Atoi(line[5])
		duration, _ := strconv.ParseFloat(line[6], 64)
		row := TrainingRecord{
			Timestamp: ts,
			ModelName: line[1],
			MAE:       mae,
			RMSE:      rmse,
			R2:        r2,
			Samples:   samples,
			Duration:  duration,
		}
		if len(line) > 7 {
			row.Notes = line[7]
		}
		rows = append(rows, row)
	}
	return rows, nil
}
