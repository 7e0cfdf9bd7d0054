// Package scheduler runs CallPipe's periodic maintenance jobs, such as
// purging expired call state from SQL backends, on cron expressions.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/BTreeMap/CallPipe/internal/store"
)

// Job is a maintenance task. ctx is cancelled when the scheduler stops.
type Job func(ctx context.Context) error

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration
}

// NewScheduler creates and starts a cron scheduler. Each run of a job gets
// at most timeout to finish; zero means no limit.
func NewScheduler(timeout time.Duration) *Scheduler {
	// Standard 5-field expressions plus descriptors such as @every 10m.
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)))
	ctx, cancel := context.WithCancel(context.Background())
	c.Start()
	return &Scheduler{cron: c, ctx: ctx, cancel: cancel, timeout: timeout}
}

// AddJob schedules job under name using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(name, expr string, job Job) error {
	_, err := s.cron.AddFunc(expr, func() { s.run(name, job) })
	if err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", expr, name, err)
	}
	slog.Debug("Scheduler.AddJob: job scheduled", "job", name, "schedule", expr)
	return nil
}

func (s *Scheduler) run(name string, job Job) {
	ctx := s.ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	started := time.Now()
	if err := job(ctx); err != nil {
		slog.Warn("Scheduler.run: job failed", "job", name, "error", err, "elapsed", time.Since(started))
		return
	}
	slog.Debug("Scheduler.run: job finished", "job", name, "elapsed", time.Since(started))
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}

// PurgeJob returns a Job that removes expired rows through p.
func PurgeJob(p store.Purger) Job {
	return func(ctx context.Context) error {
		n, err := p.PurgeExpired(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			slog.Info("PurgeJob: purged expired rows", "rows", n)
		}
		return nil
	}
}
