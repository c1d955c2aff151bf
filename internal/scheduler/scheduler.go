// Package scheduler runs gatekeep's periodic maintenance jobs, such as
// API key rotation, on cron schedules.
//
// A job never overlaps with itself: a run that is still in progress when
// the next one is due causes that tick to be skipped.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// parser accepts standard five-field expressions and descriptors such as
// "@hourly" or "@every 15m".
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Job is a named unit of periodic work.
type Job struct {
	Name     string
	Schedule string // Cron expression or descriptor.
	Run      func(ctx context.Context) error
}

// Scheduler runs registered jobs until stopped.
type Scheduler struct {
	cron    *cron.Cron
	jobs    []Job
	metrics *Metrics
	logger  *slog.Logger
}

// New creates a Scheduler. metrics may be nil.
func New(metrics *Metrics, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		metrics: metrics,
		logger:  logger,
	}
}

// Add validates job's schedule and registers it. Jobs must be added before
// Start.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" {
		return errors.New("job name is required")
	}
	if job.Run == nil {
		return fmt.Errorf("job %s: run function is required", job.Name)
	}
	if _, err := NextRun(job.Schedule, time.Now()); err != nil {
		return fmt.Errorf("job %s: %w", job.Name, err)
	}
	s.jobs = append(s.jobs, job)
	return nil
}

// Start schedules every job and returns a function that stops the
// scheduler and waits for running jobs to finish.
func (s *Scheduler) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	for _, job := range s.jobs {
		if _, err := s.cron.AddFunc(job.Schedule, func() { s.run(ctx, job) }); err != nil {
			// Schedules are validated in Add.
			s.logger.Error("scheduling job failed",
				slog.String("job", job.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		next, _ := NextRun(job.Schedule, time.Now().UTC())
		s.logger.InfoContext(ctx, "job scheduled",
			slog.String("job", job.Name),
			slog.String("schedule", job.Schedule),
			slog.Time("next_run", next),
		)
	}
	s.cron.Start()

	return func() {
		cancel()
		<-s.cron.Stop().Done()
		s.logger.Info("scheduler stopped")
	}
}

// run executes one job invocation and records its outcome.
func (s *Scheduler) run(ctx context.Context, job Job) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	err := job.Run(ctx)
	s.metrics.observe(job.Name, err, time.Since(start))

	if err != nil {
		s.logger.ErrorContext(ctx, "scheduled job failed",
			slog.String("job", job.Name),
			slog.String("error", err.Error()),
		)
		return
	}
	s.logger.DebugContext(ctx, "scheduled job completed",
		slog.String("job", job.Name),
		slog.Duration("duration", time.Since(start)),
	)
}

// NextRun parses expr and returns the first activation after from.
func NextRun(expr string, from time.Time) (time.Time, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched.Next(from), nil
}
