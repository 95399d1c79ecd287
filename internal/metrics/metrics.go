// Package metrics registers the Prometheus instruments shared across
// the backend. Everything lives on the default registry and is exposed
// by the REST server on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// IngestPointsWritten counts points written per data source.
	IngestPointsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chocofactory_ingest_points_written_total",
		Help: "Points written to the time-series store per data source.",
	}, []string{"source"})

	// IngestCycleErrors counts failed ingestion cycles per pipeline.
	IngestCycleErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chocofactory_ingest_cycle_errors_total",
		Help: "Failed ingestion cycles per pipeline.",
	}, []string{"pipeline"})

	// SchedulerJobRuns counts scheduler job executions by outcome.
	SchedulerJobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chocofactory_scheduler_job_runs_total",
		Help: "Scheduler job executions by job name and outcome.",
	}, []string{"job", "status"})

	// BackfillRecordsWritten counts records recovered by backfill runs.
	BackfillRecordsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chocofactory_backfill_records_written_total",
		Help: "Records written by gap backfill runs.",
	})
)
