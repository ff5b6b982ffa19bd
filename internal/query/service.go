// Package query is the entry point for research requests: it accepts
// queries from analysts, reports their progress and hands out datasets.
package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/eternisai/seo-research/internal/aggregator"
	"github.com/eternisai/seo-research/internal/budget"
	"github.com/eternisai/seo-research/internal/dispatch"
	"github.com/eternisai/seo-research/internal/events"
	"github.com/eternisai/seo-research/internal/logger"
	"github.com/eternisai/seo-research/internal/metrics"
	"github.com/eternisai/seo-research/internal/research"
)

// DefaultDispatchTimeout bounds the first dispatch round run on behalf of a
// submitting caller.
const DefaultDispatchTimeout = 30 * time.Second

const cancelAttempts = 3

var (
	// ErrNotOwner is returned when a caller acts on a query created by someone else.
	ErrNotOwner = errors.New("query belongs to another user")
	// ErrAlreadyAdmitted is returned by Retry for a query that is already running.
	ErrAlreadyAdmitted = errors.New("query already admitted")
	// ErrNoDataset is returned for a query that has not produced a dataset.
	ErrNoDataset = errors.New("query has no dataset")
)

// Store is the persistence the service reads from directly.
type Store interface {
	research.QueryStore
	research.TaskStore
	research.DatasetStore
}

// SubmitRequest is a new research request.
type SubmitRequest struct {
	ProjectID string
	Type      research.QueryType
	Params    json.RawMessage
	UserID    string
	Role      string
}

// Snapshot is a query together with where its sub-requests stand.
type Snapshot struct {
	Query *research.Query
	Tally research.Tally
}

// Progress is the share of sub-requests with a final outcome.
func (s *Snapshot) Progress() float64 {
	return s.Tally.Progress()
}

type Service struct {
	store           Store
	dispatcher      *dispatch.Dispatcher
	aggregator      *aggregator.Aggregator
	ledger          *budget.Ledger
	publisher       events.Publisher
	logger          *logger.Logger
	metrics         *metrics.Metrics
	now             func() time.Time
	dispatchTimeout time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithMetrics records cancelled queries.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithDispatchTimeout overrides DefaultDispatchTimeout.
func WithDispatchTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.dispatchTimeout = d
		}
	}
}

func NewService(store Store, dispatcher *dispatch.Dispatcher, agg *aggregator.Aggregator, ledger *budget.Ledger, publisher events.Publisher, log *logger.Logger, opts ...Option) *Service {
	if publisher == nil {
		publisher = events.Noop{}
	}
	s := &Service{
		store:           store,
		dispatcher:      dispatcher,
		aggregator:      agg,
		ledger:          ledger,
		publisher:       publisher,
		logger:          log.WithComponent("query"),
		now:             time.Now,
		dispatchTimeout: DefaultDispatchTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit validates and stores a new query, then admits it and submits its
// first round of tasks.
//
// Validation errors return a nil snapshot and store nothing. Admission
// errors (budget, volume, provider) return the stored query, still pending
// with the rejection in Reason, together with the error.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Snapshot, error) {
	params, err := decode(req)
	if err != nil {
		return nil, err
	}
	if !s.ledger.Has(req.Role) {
		return nil, fmt.Errorf("%w: %q", budget.ErrUnknownRole, req.Role)
	}

	now := s.now()
	q := &research.Query{
		ID:        uuid.New().String(),
		ProjectID: req.ProjectID,
		Type:      req.Type,
		Params:    params,
		Status:    research.StatusPending,
		CreatedBy: req.UserID,
		Role:      req.Role,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateQuery(ctx, q); err != nil {
		return nil, fmt.Errorf("failed to create query: %w", err)
	}

	ctx = logger.WithQueryID(ctx, q.ID)
	s.logger.WithContext(ctx).Info("query submitted",
		slog.String("project_id", q.ProjectID),
		slog.String("query_type", string(q.Type)),
		slog.String("role", q.Role),
		slog.Int("sub_requests", len(params.SubRequests())))

	return s.admit(ctx, q.ID)
}

// Retry runs admission again for a query left pending by a rejection, e.g.
// after its role's budget was reset.
func (s *Service) Retry(ctx context.Context, id string) (*Snapshot, error) {
	q, err := s.store.GetQuery(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case q.Status.IsTerminal():
		return nil, fmt.Errorf("%w: %s is %s", research.ErrQueryClosed, q.ID, q.Status)
	case q.Status != research.StatusPending:
		return nil, fmt.Errorf("%w: %s", ErrAlreadyAdmitted, q.ID)
	}
	return s.admit(logger.WithQueryID(ctx, id), id)
}

// admit dispatches the first round, detached from the caller's cancellation.
func (s *Service) admit(ctx context.Context, id string) (*Snapshot, error) {
	log := s.logger.WithContext(logger.WithOperation(ctx, "admit"))

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.dispatchTimeout)
	defer cancel()

	if _, err := s.dispatcher.Dispatch(dctx, id); err != nil {
		log.Warn("query not admitted", slog.String("error", err.Error()))
		snap, getErr := s.Get(dctx, id)
		if getErr != nil {
			return nil, errors.Join(err, getErr)
		}
		return snap, err
	}

	// A query answered entirely from cache finishes right here.
	q, err := s.aggregator.Evaluate(dctx, id)
	if err != nil {
		return nil, err
	}

	snap, err := s.snapshot(dctx, q)
	if err != nil {
		return nil, err
	}
	if q.Status == research.StatusProcessing {
		s.publish(dctx, q, snap.Progress())
	}
	return snap, nil
}

// Get returns the query with its current tally.
func (s *Service) Get(ctx context.Context, id string) (*Snapshot, error) {
	q, err := s.store.GetQuery(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.snapshot(ctx, q)
}

// Progress returns the share of the query's sub-requests with a final outcome.
func (s *Service) Progress(ctx context.Context, id string) (float64, error) {
	snap, err := s.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	return snap.Progress(), nil
}

// List returns the project's queries, oldest first, optionally narrowed to
// the given statuses.
func (s *Service) List(ctx context.Context, projectID string, limit int, statuses ...research.Status) ([]*research.Query, error) {
	if strings.TrimSpace(projectID) == "" {
		return nil, fmt.Errorf("%w: project_id is required", research.ErrInvalidParams)
	}
	return s.store.ListQueries(ctx, research.QueryFilter{
		ProjectID: projectID,
		Statuses:  statuses,
		Limit:     limit,
	})
}

// Cancel fails a pending or processing query on behalf of its creator. Tasks
// already in flight are settled and their reservations released by the next
// poller tick.
func (s *Service) Cancel(ctx context.Context, id, userID string) (*research.Query, error) {
	ctx = logger.WithQueryID(ctx, id)

	for attempt := 0; ; attempt++ {
		q, err := s.store.GetQuery(ctx, id)
		if err != nil {
			return nil, err
		}
		if q.CreatedBy != userID {
			return nil, fmt.Errorf("%w: %s", ErrNotOwner, id)
		}
		if q.Status.IsTerminal() {
			return nil, fmt.Errorf("%w: %s is %s", research.ErrQueryClosed, q.ID, q.Status)
		}

		expected := q.Status
		if err := q.Transition(research.StatusFailed, research.ReasonCancelled, s.now()); err != nil {
			return nil, err
		}
		err = s.store.UpdateQuery(ctx, q, expected)
		if errors.Is(err, research.ErrConflict) && attempt+1 < cancelAttempts {
			// Admitted or finalized underneath us; look again.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to cancel query %s: %w", id, err)
		}

		s.metrics.QueryFinished(string(q.Type), string(q.Status))
		s.logger.WithContext(ctx).Info("query cancelled",
			slog.String("previous_status", string(expected)))

		progress := 0.0
		if snap, err := s.snapshot(ctx, q); err == nil {
			progress = snap.Progress()
		}
		s.publish(ctx, q, progress)
		return q, nil
	}
}

// Dataset returns the dataset of a completed query.
func (s *Service) Dataset(ctx context.Context, id string) (*research.Dataset, error) {
	q, err := s.store.GetQuery(ctx, id)
	if err != nil {
		return nil, err
	}
	if q.DatasetID == "" {
		return nil, fmt.Errorf("%w: %s is %s", ErrNoDataset, q.ID, q.Status)
	}
	return s.store.GetDataset(ctx, q.DatasetID)
}

// Budget returns the current period budget of role.
func (s *Service) Budget(ctx context.Context, role string) (*research.Budget, error) {
	return s.ledger.Status(ctx, role)
}

func (s *Service) snapshot(ctx context.Context, q *research.Query) (*Snapshot, error) {
	tally, _, err := s.aggregator.Tally(ctx, q)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Query: q, Tally: tally}, nil
}

func (s *Service) publish(ctx context.Context, q *research.Query, progress float64) {
	if err := s.publisher.Publish(ctx, events.ForQuery(q, progress, s.now())); err != nil {
		s.logger.WithContext(ctx).Warn("failed to publish query event",
			slog.String("status", string(q.Status)),
			slog.String("error", err.Error()))
	}
}

// decode validates the request and returns its normalized parameters.
func decode(req SubmitRequest) (research.Params, error) {
	if strings.TrimSpace(req.ProjectID) == "" {
		return nil, fmt.Errorf("%w: project_id is required", research.ErrInvalidParams)
	}
	if strings.TrimSpace(req.UserID) == "" {
		return nil, fmt.Errorf("%w: user id is required", research.ErrInvalidParams)
	}
	if !req.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown query type %q", research.ErrInvalidParams, req.Type)
	}

	params, err := research.DecodeParams(req.Type, req.Params)
	if err != nil {
		return nil, err
	}
	params = params.Normalize()
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return params, nil
}
