package scheduler

import (
	"context"
	"database/sql"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"meshmonitor/internal/persistence"
)

// Job is one recurring background task. Run is expected to no-op quickly
// when its preconditions (usually a connected radio) are not met.
type Job struct {
	Name     string
	Interval time.Duration
	Warmup   time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler drives the background jobs. Each job's last completion is
// persisted so restarts resume the cadence instead of re-running everything
// at boot.
type Scheduler struct {
	logger *slog.Logger
	store  *persistence.Store

	mu   sync.Mutex
	jobs []Job
}

func New(logger *slog.Logger, store *persistence.Store) *Scheduler {
	return &Scheduler{logger: logger, store: store}
}

func (s *Scheduler) Add(job Job) {
	s.mu.Lock()
	s.jobs = append(s.jobs, job)
	s.mu.Unlock()
}

func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	jobs := append([]Job(nil), s.jobs...)
	s.mu.Unlock()

	for _, job := range jobs {
		go s.runJob(ctx, job)
	}
}

func (s *Scheduler) runJob(ctx context.Context, job Job) {
	delay := s.initialDelay(ctx, job)
	s.logger.Info("job scheduled", "job", job.Name, "interval", job.Interval.String(), "first_run_in", delay.String())

	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("job stopped", "job", job.Name)
			return
		case <-timer.C:
		}

		started := time.Now()
		if err := job.Run(ctx); err != nil {
			s.logger.Warn("job failed", "job", job.Name, "error", err)
		} else {
			s.logger.Debug("job completed", "job", job.Name, "took", time.Since(started).String())
			s.recordRun(job.Name, started)
		}
		timer.Reset(job.Interval)
	}
}

// initialDelay resumes the persisted cadence: a job that ran recently waits
// out the remainder of its interval, one that never ran waits only its
// warmup.
func (s *Scheduler) initialDelay(ctx context.Context, job Job) time.Duration {
	delay := job.Warmup
	raw, ok, err := s.store.Settings.Get(ctx, lastRunKey(job.Name))
	if err != nil {
		s.logger.Warn("read job state", "job", job.Name, "error", err)
		return delay
	}
	if !ok {
		return delay
	}
	lastRun, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return delay
	}
	remaining := job.Interval - time.Since(time.Unix(lastRun, 0))
	if remaining > delay {
		delay = remaining
	}
	if delay > job.Interval {
		delay = job.Interval
	}
	return delay
}

func (s *Scheduler) recordRun(name string, at time.Time) {
	s.store.Writer.Enqueue("record job run", func(ctx context.Context, tx *sql.Tx) error {
		return s.store.Settings.Set(ctx, tx, lastRunKey(name), strconv.FormatInt(at.Unix(), 10))
	})
}

func lastRunKey(name string) string {
	return "job." + name + ".lastRun"
}
