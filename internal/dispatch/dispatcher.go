// Package dispatch turns admitted queries into provider tasks.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/eternisai/seo-research/internal/budget"
	"github.com/eternisai/seo-research/internal/cache"
	"github.com/eternisai/seo-research/internal/logger"
	"github.com/eternisai/seo-research/internal/metrics"
	"github.com/eternisai/seo-research/internal/provider"
	"github.com/eternisai/seo-research/internal/research"
)

// ErrProviderUnavailable is returned when a query type has no usable
// provider route or the provider cannot price the request.
var ErrProviderUnavailable = errors.New("provider unavailable")

// Store is the persistence the dispatcher needs.
type Store interface {
	research.QueryStore
	research.TaskStore
}

// Dispatcher admits queries and submits their sub-requests to providers.
//
// A query of N sub-requests is submitted in rounds: each round fills the
// free in-flight slots of the query's type with sub-requests that have
// neither a task nor a cache hit. The first round runs on the submitting
// request and is where admission happens; later rounds run from the poller
// through Refill.
type Dispatcher struct {
	store    Store
	cache    *cache.Cache
	ledger   *budget.Ledger
	limits   *budget.Limits
	registry *provider.Registry
	logger   *logger.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	locks    *queryLocks
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithMetrics records submissions.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

func New(store Store, c *cache.Cache, ledger *budget.Ledger, limits *budget.Limits, registry *provider.Registry, log *logger.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:    store,
		cache:    c,
		ledger:   ledger,
		limits:   limits,
		registry: registry,
		logger:   log.WithComponent("dispatcher"),
		now:      time.Now,
		locks:    newQueryLocks(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// planned is a sub-request on its way to becoming a task.
type planned struct {
	sub         research.SubRequest
	fingerprint string
	estimate    research.Micros
	reservation *budget.Reservation
}

// Dispatch admits a pending query and submits its first round, or submits
// the next round of a processing query. It returns the tasks this call
// created.
//
// Admission failures are returned synchronously and leave the query pending
// with the rejection recorded in Query.Reason; nothing stays reserved.
func (d *Dispatcher) Dispatch(ctx context.Context, queryID string) ([]*research.Task, error) {
	unlock := d.locks.lock(queryID)
	defer unlock()

	q, err := d.store.GetQuery(ctx, queryID)
	if err != nil {
		return nil, err
	}

	switch q.Status {
	case research.StatusPending:
		return d.admit(ctx, q)
	case research.StatusProcessing:
		return d.fill(ctx, q)
	default:
		return nil, fmt.Errorf("%w: %s is %s", research.ErrQueryClosed, q.ID, q.Status)
	}
}

// Refill submits queued sub-requests of a processing query into the slots
// freed by finished tasks. Queries in any other state are left alone.
func (d *Dispatcher) Refill(ctx context.Context, queryID string) ([]*research.Task, error) {
	unlock := d.locks.lock(queryID)
	defer unlock()

	q, err := d.store.GetQuery(ctx, queryID)
	if err != nil {
		return nil, err
	}
	if q.Status != research.StatusProcessing {
		return nil, nil
	}
	return d.fill(ctx, q)
}

func (d *Dispatcher) admit(ctx context.Context, q *research.Query) ([]*research.Task, error) {
	log := d.logger.WithContext(logger.WithQueryID(ctx, q.ID))

	if err := d.limits.CheckVolume(q.Type, q.Params.Volume()); err != nil {
		return nil, d.reject(ctx, q, research.ReasonVolumeExceeded, err)
	}

	prov, route, err := d.registry.ForType(q.Type)
	if err != nil {
		return nil, d.reject(ctx, q, research.ReasonProviderUnavailable,
			fmt.Errorf("%w: %v", ErrProviderUnavailable, err))
	}

	queued, _, err := d.plan(ctx, q, nil)
	if err != nil {
		return nil, err
	}

	var total research.Micros
	for _, p := range queued {
		p.estimate, err = prov.EstimateCost(q.Type, p.sub.Payload)
		if err != nil {
			return nil, d.reject(ctx, q, research.ReasonProviderUnavailable,
				fmt.Errorf("%w: estimating %q: %v", ErrProviderUnavailable, p.sub.Key, err))
		}
		total += p.estimate
	}
	if err := d.ledger.CheckQueryCost(q.Role, total); err != nil {
		return nil, d.reject(ctx, q, rejectionReason(err), err)
	}
	if err := d.ledger.Admit(ctx, q.Role, total); err != nil {
		if errors.Is(err, budget.ErrBudgetExceeded) {
			return nil, d.reject(ctx, q, rejectionReason(err), err)
		}
		return nil, err
	}

	batch := queued[:min(len(queued), d.limits.Concurrency(q.Type))]
	for i, p := range batch {
		p.reservation, err = d.ledger.Reserve(ctx, q.Role, p.estimate)
		if err != nil {
			d.releaseAll(ctx, batch[:i])
			if errors.Is(err, budget.ErrBudgetExceeded) {
				return nil, d.reject(ctx, q, rejectionReason(err), err)
			}
			return nil, err
		}
	}

	if err := q.Transition(research.StatusProcessing, "", d.now()); err != nil {
		d.releaseAll(ctx, batch)
		return nil, err
	}
	if err := d.store.UpdateQuery(ctx, q, research.StatusPending); err != nil {
		d.releaseAll(ctx, batch)
		return nil, fmt.Errorf("failed to admit query %s: %w", q.ID, err)
	}

	log.Info("query admitted",
		slog.String("query_type", string(q.Type)),
		slog.Int("sub_requests", len(q.Params.SubRequests())),
		slog.Int("cached", len(q.CachedResults)),
		slog.Int("first_round", len(batch)),
		slog.String("estimated_cost", total.String()))

	return d.submit(ctx, q, prov, route, batch)
}

func (d *Dispatcher) fill(ctx context.Context, q *research.Query) ([]*research.Task, error) {
	tasks, err := d.store.ListTasks(ctx, research.TaskFilter{QueryID: q.ID})
	if err != nil {
		return nil, err
	}

	var inFlight int
	for _, t := range tasks {
		if !t.Status.IsTerminal() {
			inFlight++
		}
	}
	slots := d.limits.Concurrency(q.Type) - inFlight
	if slots <= 0 {
		return nil, nil
	}

	queued, hits, err := d.plan(ctx, q, tasks)
	if err != nil {
		return nil, err
	}
	if hits {
		q.UpdatedAt = d.now()
		if err := d.store.UpdateQuery(ctx, q, research.StatusProcessing); err != nil {
			if errors.Is(err, research.ErrConflict) {
				return nil, nil
			}
			return nil, err
		}
	}
	if len(queued) == 0 {
		return nil, nil
	}

	prov, route, err := d.registry.ForType(q.Type)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	var (
		created  []*research.Task
		admitted []*planned
	)
	for _, p := range queued[:min(len(queued), slots)] {
		p.estimate, err = prov.EstimateCost(q.Type, p.sub.Payload)
		if err != nil {
			if t := d.recordFailure(ctx, q, prov.Name(), route, p, research.ReasonProviderUnavailable, err); t != nil {
				created = append(created, t)
			}
			continue
		}

		p.reservation, err = d.ledger.Reserve(ctx, q.Role, p.estimate)
		if errors.Is(err, budget.ErrBudgetExceeded) {
			if t := d.recordFailure(ctx, q, prov.Name(), route, p, research.ReasonBudgetExceeded, err); t != nil {
				created = append(created, t)
			}
			continue
		}
		if err != nil {
			d.releaseAll(ctx, admitted)
			return created, err
		}
		admitted = append(admitted, p)
	}

	submitted, err := d.submit(ctx, q, prov, route, admitted)
	return append(created, submitted...), err
}

// plan returns the sub-requests of q that have neither a task nor a cache
// hit. Sub-requests found in the cache are appended to q.CachedResults and
// reported through hits.
func (d *Dispatcher) plan(ctx context.Context, q *research.Query, tasks []*research.Task) ([]*planned, bool, error) {
	taken := make(map[string]bool, len(tasks)+len(q.CachedResults))
	for _, t := range tasks {
		taken[t.SubRequestKey] = true
	}
	for _, c := range q.CachedResults {
		taken[c.Key] = true
	}

	var (
		queued []*planned
		hits   bool
	)
	for _, sub := range q.Params.SubRequests() {
		if taken[sub.Key] {
			continue
		}

		fp, err := cache.Fingerprint(q.Type, sub)
		if err != nil {
			return nil, false, err
		}

		payload, ok, err := d.cache.Lookup(ctx, fp)
		if err != nil {
			// Treated as a miss.
			d.logger.Warn("cache lookup failed",
				slog.String("query_id", q.ID),
				slog.String("sub_request", sub.Key),
				slog.String("error", err.Error()))
		}
		if ok {
			q.CachedResults = append(q.CachedResults, research.CachedResult{
				Key:         sub.Key,
				Fingerprint: fp,
				Payload:     payload,
				HitAt:       d.now(),
			})
			hits = true
			continue
		}

		queued = append(queued, &planned{sub: sub, fingerprint: fp})
	}
	return queued, hits, nil
}

// submit creates and submits one task per planned sub-request concurrently.
// Every planned entry must hold a reservation.
func (d *Dispatcher) submit(ctx context.Context, q *research.Query, prov provider.Provider, route provider.Route, batch []*planned) ([]*research.Task, error) {
	results := make([]*research.Task, len(batch))

	var g errgroup.Group
	for i, p := range batch {
		g.Go(func() error {
			t, err := d.submitOne(ctx, q, prov, route, p)
			results[i] = t
			return err
		})
	}
	err := g.Wait()

	tasks := make([]*research.Task, 0, len(results))
	for _, t := range results {
		if t != nil {
			tasks = append(tasks, t)
		}
	}
	return tasks, err
}

func (d *Dispatcher) submitOne(ctx context.Context, q *research.Query, prov provider.Provider, route provider.Route, p *planned) (*research.Task, error) {
	now := d.now()
	t := &research.Task{
		ID:               uuid.New().String(),
		QueryID:          q.ID,
		Provider:         prov.Name(),
		Endpoint:         route.Endpoint,
		SubRequestKey:    p.sub.Key,
		Fingerprint:      p.fingerprint,
		Payload:          p.sub.Payload,
		Status:           research.StatusPending,
		CostEstimate:     p.estimate,
		ReservationID:    p.reservation.ID,
		ReservationRole:  p.reservation.Role,
		ReservationState: research.ReservationHeld,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := d.store.CreateTask(ctx, t); err != nil {
		d.release(ctx, p.reservation)
		if errors.Is(err, research.ErrDuplicate) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to create task for %q: %w", p.sub.Key, err)
	}

	providerTaskID, err := prov.SubmitTask(ctx, route.Endpoint, p.sub.Payload)
	switch {
	case errors.Is(err, provider.ErrRateLimited):
		// The sub-request goes back to the queue for a later round. If the
		// reservation cannot be returned the task stays pending and the
		// poller's timeout settles it.
		if !d.release(ctx, p.reservation) {
			return nil, nil
		}
		if err := d.store.DeleteTask(ctx, t.ID); err != nil {
			return nil, fmt.Errorf("failed to requeue %q: %w", p.sub.Key, err)
		}
		d.logger.Debug("submission throttled, sub-request stays queued",
			slog.String("query_id", q.ID),
			slog.String("sub_request", p.sub.Key))
		return nil, nil

	case err != nil:
		if d.release(ctx, p.reservation) {
			t.ReservationState = research.ReservationReleased
		}
		t.Status = research.StatusFailed
		t.Error = fmt.Sprintf("%s: %v", research.ReasonSubmissionFailed, err)
		d.metrics.TaskFinished(t.Provider, string(t.Status), research.ReasonSubmissionFailed)
		d.logger.Warn("provider rejected submission",
			slog.String("query_id", q.ID),
			slog.String("task_id", t.ID),
			slog.String("provider", t.Provider),
			slog.String("error", err.Error()))

	default:
		submittedAt := d.now()
		t.ProviderTaskID = providerTaskID
		t.SubmittedAt = &submittedAt
		t.Status = research.StatusProcessing
		d.metrics.TaskDispatched(t.Provider, string(q.Type))
	}

	t.UpdatedAt = d.now()
	if err := d.store.UpdateTask(ctx, t, research.StatusPending); err != nil {
		return t, fmt.Errorf("failed to record submission of task %s: %w", t.ID, err)
	}
	return t, nil
}

// recordFailure stores a failed task that never reached a provider, so the
// sub-request counts as done and the query can still terminate.
func (d *Dispatcher) recordFailure(ctx context.Context, q *research.Query, providerName string, route provider.Route, p *planned, reason string, cause error) *research.Task {
	now := d.now()
	t := &research.Task{
		ID:            uuid.New().String(),
		QueryID:       q.ID,
		Provider:      providerName,
		Endpoint:      route.Endpoint,
		SubRequestKey: p.sub.Key,
		Fingerprint:   p.fingerprint,
		Payload:       p.sub.Payload,
		Status:        research.StatusFailed,
		CostEstimate:  p.estimate,
		Error:         fmt.Sprintf("%s: %v", reason, cause),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := d.store.CreateTask(ctx, t); err != nil {
		if !errors.Is(err, research.ErrDuplicate) {
			d.logger.Error("failed to record rejected sub-request",
				slog.String("query_id", q.ID),
				slog.String("sub_request", p.sub.Key),
				slog.String("error", err.Error()))
		}
		return nil
	}

	d.metrics.TaskFinished(providerName, string(t.Status), reason)
	d.logger.Info("sub-request rejected",
		slog.String("query_id", q.ID),
		slog.String("sub_request", p.sub.Key),
		slog.String("reason", reason))
	return t
}

// reject records an admission failure on a pending query and returns cause.
func (d *Dispatcher) reject(ctx context.Context, q *research.Query, reason string, cause error) error {
	q.Reason = reason
	q.UpdatedAt = d.now()
	if err := d.store.UpdateQuery(ctx, q, research.StatusPending); err != nil {
		d.logger.Error("failed to record admission rejection",
			slog.String("query_id", q.ID),
			slog.String("reason", reason),
			slog.String("error", err.Error()))
	}

	d.logger.Info("query rejected at admission",
		slog.String("query_id", q.ID),
		slog.String("reason", reason),
		slog.String("error", cause.Error()))
	return cause
}

// release returns a reservation and reports whether it was settled.
func (d *Dispatcher) release(ctx context.Context, r *budget.Reservation) bool {
	if err := d.ledger.Release(ctx, r); err != nil {
		d.logger.Error("failed to release reservation",
			slog.String("reservation_id", r.ID),
			slog.String("role", r.Role),
			slog.String("amount", r.Amount.String()),
			slog.String("error", err.Error()))
		return false
	}
	return true
}

func (d *Dispatcher) releaseAll(ctx context.Context, batch []*planned) {
	for _, p := range batch {
		if p.reservation != nil {
			d.release(ctx, p.reservation)
		}
	}
}

func rejectionReason(err error) string {
	var rej *budget.RejectionError
	if errors.As(err, &rej) {
		return rej.Reason
	}
	return research.ReasonBudgetExceeded
}
