// Package schedule runs the engine's periodic jobs on cron expressions:
// the snapshot heartbeat that samples capital history and re-validates the
// ledger even when no mutations arrive.
package schedule

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Job is one scheduled task.
type Job struct {
	Name string
	Spec string // cron expression with seconds field
	Run  func(ctx context.Context) error
}

// Scheduler wraps robfig/cron with second-level precision and job logging.
type Scheduler struct {
	cron *cron.Cron
	jobs []Job
}

// New creates an empty scheduler.
func New() *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithSeconds()),
	}
}

// Add registers a job. Returns an error if the cron expression is invalid.
func (s *Scheduler) Add(ctx context.Context, job Job) error {
	_, err := s.cron.AddFunc(job.Spec, func() {
		if err := job.Run(ctx); err != nil {
			slog.Error("scheduled job failed", "job", job.Name, "err", err)
			return
		}
		slog.Debug("scheduled job completed", "job", job.Name)
	})
	if err != nil {
		return err
	}
	s.jobs = append(s.jobs, job)
	return nil
}

// Start launches the cron loop in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
	for _, job := range s.jobs {
		slog.Info("job scheduled", "job", job.Name, "spec", job.Spec)
	}
}

// Stop halts scheduling and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
