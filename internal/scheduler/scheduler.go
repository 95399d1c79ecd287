// Package scheduler runs the recurring background jobs: ingestion
// cycles, the backfill check, model upkeep and token renewal. One
// goroutine per job, serial runs per job, context cancellation for
// shutdown.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chocops/chocofactory/internal/alerts"
	"github.com/chocops/chocofactory/internal/metrics"
	"go.uber.org/zap"
)

// drainTimeout bounds how long Stop waits for in-flight runs.
const drainTimeout = 30 * time.Second

// defaultMaxRuntime bounds a single run when the job does not set one.
const defaultMaxRuntime = 5 * time.Minute

// JobFunc is one unit of scheduled work.
type JobFunc func(ctx context.Context) error

// JobSpec describes a recurring job. Interval mode when Interval > 0,
// otherwise the job runs daily at DailyAtHour UTC.
type JobSpec struct {
	Name        string
	Interval    time.Duration
	DailyAtHour int
	MaxRuntime  time.Duration
	Run         JobFunc
}

// JobStatus is a point-in-time snapshot of one job's counters.
type JobStatus struct {
	Name         string    `json:"name"`
	RunCount     int       `json:"run_count"`
	SuccessCount int       `json:"success_count"`
	ErrorCount   int       `json:"error_count"`
	LastStatus   string    `json:"last_status,omitempty"`
	LastRun      time.Time `json:"last_run,omitempty"`
	NextRun      time.Time `json:"next_run,omitempty"`
}

type job struct {
	spec JobSpec

	mu     sync.Mutex
	status JobStatus
}

// Scheduler owns the background job goroutines.
type Scheduler struct {
	jobs   []*job
	sink   alerts.Sink
	logger *zap.SugaredLogger
	now    func() time.Time

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates an empty scheduler. Register jobs before Start.
func New(sink alerts.Sink, logger *zap.SugaredLogger) *Scheduler {
	return &Scheduler{sink: sink, logger: logger, now: time.Now}
}

// Register adds a job. Not safe to call after Start.
func (s *Scheduler) Register(spec JobSpec) {
	if spec.MaxRuntime <= 0 {
		spec.MaxRuntime = defaultMaxRuntime
	}
	s.jobs = append(s.jobs, &job{spec: spec, status: JobStatus{Name: spec.Name}})
}

// Start launches one goroutine per registered job.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, j)
	}
	s.logger.Infof("scheduler started with %d jobs", len(s.jobs))
}

// Stop cancels all jobs and waits up to the drain timeout for in-flight
// runs to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("scheduler stopped")
	case <-time.After(drainTimeout):
		s.logger.Warn("scheduler drain timed out, abandoning in-flight jobs")
	}
}

// Status returns a snapshot of every job's counters.
func (s *Scheduler) Status() []JobStatus {
	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		j.mu.Lock()
		out = append(out, j.status)
		j.mu.Unlock()
	}
	return out
}

// loop runs one job until the context is cancelled. Runs are serial per
// job, so a slow run delays the next one instead of overlapping it.
func (s *Scheduler) loop(ctx context.Context, j *job) {
	defer s.wg.Done()

	for {
		wait := s.untilNextRun(j)
		j.mu.Lock()
		j.status.NextRun = s.now().Add(wait).UTC()
		j.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		s.runOnce(ctx, j)
	}
}

// runOnce executes one bounded run and updates the job's counters.
func (s *Scheduler) runOnce(ctx context.Context, j *job) {
	runCtx, cancel := context.WithTimeout(ctx, j.spec.MaxRuntime)
	started := s.now()
	err := j.spec.Run(runCtx)
	cancel()

	status := "ok"
	switch {
	case err == nil:
	case runCtx.Err() == context.DeadlineExceeded:
		status = "timeout"
		s.sink.Send(ctx, "scheduler_job_timeout", alerts.SeverityWarning,
			fmt.Sprintf("job %s exceeded its %s runtime bound", j.spec.Name, j.spec.MaxRuntime))
	default:
		status = "error"
	}

	if err != nil {
		s.logger.Errorw("scheduled job failed",
			"job", j.spec.Name,
			"status", status,
			"duration", s.now().Sub(started),
			"error", err,
		)
	} else {
		s.logger.Debugw("scheduled job finished",
			"job", j.spec.Name,
			"duration", s.now().Sub(started),
		)
	}
	metrics.SchedulerJobRuns.WithLabelValues(j.spec.Name, status).Inc()

	j.mu.Lock()
	j.status.RunCount++
	if err == nil {
		j.status.SuccessCount++
	} else {
		j.status.ErrorCount++
	}
	j.status.LastStatus = status
	j.status.LastRun = started.UTC()
	j.mu.Unlock()
}

// untilNextRun computes the wait before the job's next run.
func (s *Scheduler) untilNextRun(j *job) time.Duration {
	if j.spec.Interval > 0 {
		return j.spec.Interval
	}
	return untilDailyHour(s.now().UTC(), j.spec.DailyAtHour)
}

// untilDailyHour returns the duration until the next occurrence of the
// given UTC hour.
func untilDailyHour(now time.Time, hour int) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now)
}
