// Package maintenance runs the periodic housekeeping of the research engine:
// purging expired cache entries and rolling budgets into a new period.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/eternisai/seo-research/internal/budget"
	"github.com/eternisai/seo-research/internal/cache"
	"github.com/eternisai/seo-research/internal/logger"
)

// Job is one scheduled housekeeping task.
type Job struct {
	Name string
	// Schedule is a standard five-field cron expression or a descriptor
	// such as "@every 10m".
	Schedule string
	Run      func(ctx context.Context) error
}

// CacheSweep deletes expired cache entries.
func CacheSweep(c *cache.Cache, schedule string) Job {
	return Job{
		Name:     "cache_sweep",
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			_, err := c.Sweep(ctx)
			return err
		},
	}
}

// BudgetReset applies due period resets to every role budget. The ledger
// also resets lazily; this keeps idle roles current for reporting.
func BudgetReset(l *budget.Ledger, schedule string) Job {
	return Job{
		Name:     "budget_reset",
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			_, err := l.ResetDue(ctx)
			return err
		},
	}
}

// Scheduler runs jobs on their cron schedules in UTC. A job still running
// when its next slot comes up is skipped for that slot.
type Scheduler struct {
	cron    *cron.Cron
	jobs    []Job
	logger  *logger.Logger
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler validates every schedule. Each run is bounded by timeout.
func NewScheduler(log *logger.Logger, timeout time.Duration, jobs ...Job) (*Scheduler, error) {
	log = log.WithComponent("maintenance")
	ctx, cancel := context.WithCancel(context.Background())

	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.Recover(cronLogger{log}), cron.SkipIfStillRunning(cronLogger{log})),
		),
		jobs:    jobs,
		logger:  log,
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
	}

	for _, job := range jobs {
		if _, err := s.cron.AddFunc(job.Schedule, func() { s.run(s.ctx, job) }); err != nil {
			cancel()
			return nil, fmt.Errorf("invalid schedule %q for job %s: %w", job.Schedule, job.Name, err)
		}
	}
	return s, nil
}

// Start runs every job once, then hands them to the cron loop.
func (s *Scheduler) Start() {
	s.logger.Info("starting maintenance scheduler", slog.Int("jobs", len(s.jobs)))
	s.RunAll(s.ctx)
	s.cron.Start()
}

// Stop halts the schedule and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	select {
	case <-s.cron.Stop().Done():
		s.logger.Info("maintenance scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunAll runs every job once, in order.
func (s *Scheduler) RunAll(ctx context.Context) {
	for _, job := range s.jobs {
		s.run(ctx, job)
	}
}

func (s *Scheduler) run(ctx context.Context, job Job) {
	if ctx.Err() != nil {
		return
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	log := s.logger.WithContext(logger.WithOperation(ctx, job.Name))
	log.Debug("maintenance job started")

	// A failed job is retried on its next slot.
	if err := job.Run(ctx); err != nil {
		log.Error("maintenance job failed",
			slog.Duration("duration", time.Since(start)),
			slog.String("error", err.Error()))
		return
	}
	log.Debug("maintenance job finished", slog.Duration("duration", time.Since(start)))
}

// cronLogger adapts the service logger to cron.Logger.
type cronLogger struct {
	l *logger.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append(keysAndValues, "error", err.Error())...)
}
