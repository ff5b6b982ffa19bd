// Package poller drives provider tasks to a terminal state.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eternisai/seo-research/internal/aggregator"
	"github.com/eternisai/seo-research/internal/budget"
	"github.com/eternisai/seo-research/internal/cache"
	"github.com/eternisai/seo-research/internal/dispatch"
	"github.com/eternisai/seo-research/internal/logger"
	"github.com/eternisai/seo-research/internal/metrics"
	"github.com/eternisai/seo-research/internal/provider"
	"github.com/eternisai/seo-research/internal/research"
)

const shutdownTimeout = 30 * time.Second

// Store is the persistence the poller needs.
type Store interface {
	research.QueryStore
	research.TaskStore
}

// Config tunes the poll loop.
type Config struct {
	Interval           time.Duration
	BatchSize          int
	MaxConcurrentPolls int
	// MaxRetries is how many provider-reported failures a task may have
	// before it fails for good.
	MaxRetries int
	// TaskTimeout force-fails tasks older than this, whatever their retries.
	TaskTimeout time.Duration
}

// Poller is the recurring scheduler behind every task transition out of
// processing.
//
// Responsibilities:
//   - Poll processing tasks not yet polled this tick
//   - Commit or release their budget reservations
//   - Resubmit tasks the provider failed, up to MaxRetries
//   - Force-fail tasks past TaskTimeout
//   - Settle tasks of cancelled queries without polling them
//   - Refill and finalize processing queries
//
// A deployment runs one poller. Tick is not safe to run concurrently with
// another Tick over the same store.
type Poller struct {
	store      Store
	registry   *provider.Registry
	ledger     *budget.Ledger
	cache      *cache.Cache
	dispatcher *dispatch.Dispatcher
	aggregator *aggregator.Aggregator
	cfg        Config
	logger     *logger.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	ticks     atomic.Int64
}

// Option configures a Poller.
type Option func(*Poller)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Poller) { p.now = now }
}

// WithMetrics records tick durations and task outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Poller) { p.metrics = m }
}

func New(
	store Store,
	registry *provider.Registry,
	ledger *budget.Ledger,
	c *cache.Cache,
	dispatcher *dispatch.Dispatcher,
	agg *aggregator.Aggregator,
	cfg Config,
	log *logger.Logger,
	opts ...Option,
) *Poller {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxConcurrentPolls <= 0 {
		cfg.MaxConcurrentPolls = 10
	}

	p := &Poller{
		store:      store,
		registry:   registry,
		ledger:     ledger,
		cache:      c,
		dispatcher: dispatcher,
		aggregator: agg,
		cfg:        cfg,
		logger:     log.WithComponent("poller"),
		now:        time.Now,
		shutdown:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start runs the poll loop in the background until ctx is done or Shutdown
// is called.
func (p *Poller) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.Run(ctx)
	}()
}

// Run ticks every Config.Interval until ctx is done or Shutdown is called.
func (p *Poller) Run(ctx context.Context) {
	p.logger.Info("poller started",
		slog.Duration("interval", p.cfg.Interval),
		slog.Int("batch_size", p.cfg.BatchSize),
		slog.Int("max_retries", p.cfg.MaxRetries))

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("poller stopped", slog.Int64("ticks", p.ticks.Load()))
			return
		case <-p.shutdown:
			p.logger.Info("poller stopped", slog.Int64("ticks", p.ticks.Load()))
			return
		case <-ticker.C:
			if err := p.Tick(ctx); err != nil {
				p.logger.Error("poll tick failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Shutdown stops the poll loop and waits for the running tick to finish.
func (p *Poller) Shutdown() error {
	p.logger.Info("shutting down poller")
	p.closeOnce.Do(func() { close(p.shutdown) })

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(shutdownTimeout):
		p.logger.Warn("poller shutdown timed out, a tick may still be running")
		return fmt.Errorf("shutdown timeout after %s", shutdownTimeout)
	}
}

// Tick runs one poll cycle. Only a failure to select work is returned; task
// and query errors are logged and retried on the next tick.
func (p *Poller) Tick(ctx context.Context) error {
	wallStart := time.Now()
	start := p.now()
	p.ticks.Add(1)

	tasks, err := p.store.ListTasks(ctx, research.TaskFilter{
		Statuses:      []research.Status{research.StatusPending, research.StatusProcessing},
		PolledBefore:  start,
		QueryStatuses: []research.Status{research.StatusProcessing},
		Limit:         p.cfg.BatchSize,
	})
	if err != nil {
		return fmt.Errorf("failed to select tasks: %w", err)
	}

	p.each(ctx, len(tasks), func(i int) {
		if err := p.advance(ctx, tasks[i]); err != nil {
			p.logger.Error("failed to advance task",
				slog.String("task_id", tasks[i].ID),
				slog.String("query_id", tasks[i].QueryID),
				slog.String("error", err.Error()))
		}
	})

	p.settleCancelled(ctx)
	p.sweep(ctx)

	p.metrics.PollTick(time.Since(wallStart), len(tasks))
	p.logger.Debug("poll tick finished",
		slog.Int("selected", len(tasks)),
		slog.Duration("duration", time.Since(wallStart)))
	return nil
}

// each runs fn for 0..n-1 with at most MaxConcurrentPolls at a time.
func (p *Poller) each(ctx context.Context, n int, fn func(i int)) {
	var g errgroup.Group
	g.SetLimit(p.cfg.MaxConcurrentPolls)
	for i := range n {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			fn(i)
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Poller) advance(ctx context.Context, t *research.Task) error {
	if age := p.now().Sub(t.CreatedAt); age > p.cfg.TaskTimeout {
		return p.fail(ctx, t, research.ReasonTimedOut, fmt.Sprintf("no result after %s", age.Round(time.Second)))
	}
	if t.Status == research.StatusPending {
		// Still being submitted.
		return nil
	}

	prov, err := p.registry.Get(t.Provider)
	if err != nil {
		return p.fail(ctx, t, research.ReasonProviderUnavailable, err.Error())
	}

	if t.ProviderTaskID == "" {
		return p.resubmit(ctx, t, prov)
	}

	pollable, ok := prov.(provider.Pollable)
	if !ok {
		return nil
	}

	result, err := pollable.PollTask(ctx, t.ProviderTaskID)
	if err != nil {
		p.logger.Warn("failed to poll provider task",
			slog.String("task_id", t.ID),
			slog.String("provider", t.Provider),
			slog.String("provider_task_id", t.ProviderTaskID),
			slog.String("error", err.Error()))
		return p.touch(ctx, t)
	}

	switch result.State {
	case provider.PollCompleted:
		return p.complete(ctx, t, result)
	case provider.PollFailed:
		return p.retry(ctx, t, prov, result.Reason)
	default:
		return p.touch(ctx, t)
	}
}

func (p *Poller) complete(ctx context.Context, t *research.Task, result provider.PollResult) error {
	if t.ReservationState == research.ReservationHeld {
		r := p.ledger.Restore(t.ReservationID, t.ReservationRole, t.CostEstimate)
		if err := p.ledger.Commit(ctx, r, result.ActualCost); err != nil {
			switch {
			case errors.Is(err, budget.ErrOverage):
				t.ReservationState = research.ReservationReleased
				return p.finish(ctx, t, research.StatusFailed, research.ReasonCostOverage, err.Error())
			case errors.Is(err, budget.ErrBudgetExceeded):
				t.ReservationState = research.ReservationReleased
				return p.finish(ctx, t, research.StatusFailed, research.ReasonBudgetExceeded, err.Error())
			default:
				return fmt.Errorf("failed to commit reservation %s: %w", t.ReservationID, err)
			}
		}
		t.ReservationState = research.ReservationCommitted
	}

	t.ActualCost = result.ActualCost
	t.Result = result.Payload
	if err := p.finish(ctx, t, research.StatusCompleted, "", ""); err != nil {
		return err
	}

	p.writeThrough(ctx, t)
	return nil
}

// writeThrough caches a completed task's result under its fingerprint.
func (p *Poller) writeThrough(ctx context.Context, t *research.Task) {
	q, err := p.store.GetQuery(ctx, t.QueryID)
	if err == nil {
		err = p.cache.Store(ctx, t.Fingerprint, q.Type.Kind(), t.Result)
	}
	if err != nil {
		p.logger.Warn("failed to cache task result",
			slog.String("task_id", t.ID),
			slog.String("fingerprint", t.Fingerprint),
			slog.String("error", err.Error()))
	}
}

// retry handles a provider-reported failure. Each one consumes a retry
// credit.
func (p *Poller) retry(ctx context.Context, t *research.Task, prov provider.Provider, reason string) error {
	t.RetryCount++
	if t.RetryCount >= p.cfg.MaxRetries {
		return p.fail(ctx, t, research.ReasonRetriesExhausted, reason)
	}

	p.logger.Info("provider reported failure, resubmitting",
		slog.String("task_id", t.ID),
		slog.String("provider", t.Provider),
		slog.String("reason", reason),
		slog.Int("retry_count", t.RetryCount),
		slog.Int("max_retries", p.cfg.MaxRetries))
	return p.resubmit(ctx, t, prov)
}

// resubmit starts the task again at the provider under its existing
// reservation. A throttled resubmission clears the provider task id so the
// next tick tries again.
func (p *Poller) resubmit(ctx context.Context, t *research.Task, prov provider.Provider) error {
	id, err := prov.SubmitTask(ctx, t.Endpoint, t.Payload)
	switch {
	case errors.Is(err, provider.ErrRateLimited):
		t.ProviderTaskID = ""
	case err != nil:
		return p.fail(ctx, t, research.ReasonSubmissionFailed, err.Error())
	default:
		submittedAt := p.now()
		t.ProviderTaskID = id
		t.SubmittedAt = &submittedAt
	}
	return p.touch(ctx, t)
}

// touch records a poll that did not change the task's status.
func (p *Poller) touch(ctx context.Context, t *research.Task) error {
	now := p.now()
	t.LastPolledAt = &now
	t.UpdatedAt = now
	return p.update(ctx, t, t.Status)
}

// fail releases the task's reservation and marks it failed. If the release
// cannot be written the task is left as is for the next tick.
func (p *Poller) fail(ctx context.Context, t *research.Task, reason, detail string) error {
	if t.ReservationState == research.ReservationHeld {
		r := p.ledger.Restore(t.ReservationID, t.ReservationRole, t.CostEstimate)
		if err := p.ledger.Release(ctx, r); err != nil {
			return fmt.Errorf("failed to release reservation %s: %w", t.ReservationID, err)
		}
		t.ReservationState = research.ReservationReleased
	}
	return p.finish(ctx, t, research.StatusFailed, reason, detail)
}

func (p *Poller) finish(ctx context.Context, t *research.Task, status research.Status, reason, detail string) error {
	expected := t.Status
	now := p.now()
	t.Status = status
	t.LastPolledAt = &now
	t.UpdatedAt = now
	if status == research.StatusFailed {
		t.Error = reason
		if detail != "" {
			t.Error = reason + ": " + detail
		}
	}

	if err := p.update(ctx, t, expected); err != nil {
		return err
	}

	p.metrics.TaskFinished(t.Provider, string(status), reason)
	p.logger.Info("task finished",
		slog.String("task_id", t.ID),
		slog.String("query_id", t.QueryID),
		slog.String("provider", t.Provider),
		slog.String("status", string(status)),
		slog.String("reason", reason),
		slog.Int("retry_count", t.RetryCount),
		slog.String("actual_cost", t.ActualCost.String()))
	return nil
}

func (p *Poller) update(ctx context.Context, t *research.Task, expected research.Status) error {
	err := p.store.UpdateTask(ctx, t, expected)
	if errors.Is(err, research.ErrConflict) {
		p.logger.Warn("task changed during poll",
			slog.String("task_id", t.ID))
		return nil
	}
	return err
}

// settleCancelled fails the in-flight tasks of failed queries without
// polling them. The provider may still finish the work; nothing is charged.
func (p *Poller) settleCancelled(ctx context.Context) {
	tasks, err := p.store.ListTasks(ctx, research.TaskFilter{
		Statuses:      []research.Status{research.StatusPending, research.StatusProcessing},
		QueryStatuses: []research.Status{research.StatusFailed},
		Limit:         p.cfg.BatchSize,
	})
	if err != nil {
		p.logger.Error("failed to select tasks of cancelled queries", slog.String("error", err.Error()))
		return
	}

	for _, t := range tasks {
		if t.Status == research.StatusPending && p.now().Sub(t.CreatedAt) <= p.cfg.TaskTimeout {
			continue
		}
		if err := p.fail(ctx, t, research.ReasonCancelled, ""); err != nil {
			p.logger.Error("failed to settle task of cancelled query",
				slog.String("task_id", t.ID),
				slog.String("query_id", t.QueryID),
				slog.String("error", err.Error()))
		}
	}
}

// sweep submits queued sub-requests into freed slots and finalizes queries
// with nothing left in flight.
func (p *Poller) sweep(ctx context.Context) {
	queries, err := p.store.ListQueries(ctx, research.QueryFilter{
		Statuses: []research.Status{research.StatusProcessing},
	})
	if err != nil {
		p.logger.Error("failed to list processing queries", slog.String("error", err.Error()))
		return
	}

	p.each(ctx, len(queries), func(i int) {
		id := queries[i].ID
		if _, err := p.dispatcher.Refill(ctx, id); err != nil {
			p.logger.Error("failed to refill query",
				slog.String("query_id", id),
				slog.String("error", err.Error()))
		}
		if _, err := p.aggregator.Evaluate(ctx, id); err != nil {
			p.logger.Error("failed to evaluate query",
				slog.String("query_id", id),
				slog.String("error", err.Error()))
		}
	})
}
