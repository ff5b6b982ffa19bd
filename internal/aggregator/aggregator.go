// Package aggregator finalizes queries once every sub-request has an outcome.
package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/eternisai/seo-research/internal/events"
	"github.com/eternisai/seo-research/internal/logger"
	"github.com/eternisai/seo-research/internal/metrics"
	"github.com/eternisai/seo-research/internal/research"
)

// Dataset item sources.
const (
	SourceProvider = "provider"
	SourceCache    = "cache"
)

// Store is the persistence the aggregator needs.
type Store interface {
	research.QueryStore
	research.TaskStore
	research.DatasetStore
}

// Aggregator derives a query's status from its tasks and cache hits and
// materializes the dataset of completed queries.
type Aggregator struct {
	store     Store
	publisher events.Publisher
	logger    *logger.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// WithMetrics records finished queries.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Aggregator) { a.metrics = m }
}

func New(store Store, publisher events.Publisher, log *logger.Logger, opts ...Option) *Aggregator {
	if publisher == nil {
		publisher = events.Noop{}
	}
	a := &Aggregator{
		store:     store,
		publisher: publisher,
		logger:    log.WithComponent("aggregator"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Tally returns where each sub-request of q stands.
func (a *Aggregator) Tally(ctx context.Context, q *research.Query) (research.Tally, []*research.Task, error) {
	tasks, err := a.store.ListTasks(ctx, research.TaskFilter{QueryID: q.ID})
	if err != nil {
		return research.Tally{}, nil, err
	}
	return research.TallyQuery(q.Params.SubRequests(), tasks, q.CachedResults), tasks, nil
}

// Evaluate moves a processing query to its terminal state once no
// sub-request is queued or in flight. A query with at least one result is
// completed with a dataset; one whose every task failed is failed. Other
// queries are returned unchanged.
func (a *Aggregator) Evaluate(ctx context.Context, queryID string) (*research.Query, error) {
	q, err := a.store.GetQuery(ctx, queryID)
	if err != nil {
		return nil, err
	}
	if q.Status != research.StatusProcessing {
		return q, nil
	}

	tally, tasks, err := a.Tally(ctx, q)
	if err != nil {
		return nil, err
	}
	status, done := tally.Outcome()
	if !done {
		return q, nil
	}

	var reason string
	if status == research.StatusCompleted {
		ds, err := a.materialize(ctx, q, tasks)
		if err != nil {
			return nil, err
		}
		q.DatasetID = ds.ID
	} else {
		reason = research.ReasonAllTasksFailed
	}

	if err := q.Transition(status, reason, a.now()); err != nil {
		return nil, err
	}
	if err := a.store.UpdateQuery(ctx, q, research.StatusProcessing); err != nil {
		if errors.Is(err, research.ErrConflict) {
			// Cancelled while being finalized. The dataset has no owner now.
			if q.DatasetID != "" {
				a.discard(ctx, q.DatasetID)
			}
			return a.store.GetQuery(ctx, queryID)
		}
		return nil, fmt.Errorf("failed to finalize query %s: %w", q.ID, err)
	}

	a.metrics.QueryFinished(string(q.Type), string(q.Status))
	a.logger.Info("query finished",
		slog.String("query_id", q.ID),
		slog.String("status", string(q.Status)),
		slog.String("reason", q.Reason),
		slog.String("dataset_id", q.DatasetID),
		slog.Int("completed", tally.Completed),
		slog.Int("cached", tally.Cached),
		slog.Int("failed", tally.Failed))

	if err := a.publisher.Publish(ctx, events.ForQuery(q, tally.Progress(), a.now())); err != nil {
		a.logger.Warn("failed to publish query event",
			slog.String("query_id", q.ID),
			slog.String("error", err.Error()))
	}
	return q, nil
}

func (a *Aggregator) discard(ctx context.Context, datasetID string) {
	if err := a.store.DeleteDataset(ctx, datasetID); err != nil && !errors.Is(err, research.ErrNotFound) {
		a.logger.Warn("failed to delete orphaned dataset",
			slog.String("dataset_id", datasetID),
			slog.String("error", err.Error()))
	}
}

// materialize creates the query's dataset, or returns the one an earlier
// attempt already created. Items follow sub-request order.
func (a *Aggregator) materialize(ctx context.Context, q *research.Query, tasks []*research.Task) (*research.Dataset, error) {
	subs := q.Params.SubRequests()

	byKey := make(map[string]*research.Task, len(tasks))
	for _, t := range tasks {
		byKey[t.SubRequestKey] = t
	}
	cached := make(map[string]research.CachedResult, len(q.CachedResults))
	for _, c := range q.CachedResults {
		cached[c.Key] = c
	}

	meta := research.DatasetMetadata{
		QueryType:   q.Type,
		SubRequests: len(subs),
	}
	items := make([]research.DatasetItem, 0, len(subs))
	for _, sub := range subs {
		if c, ok := cached[sub.Key]; ok {
			items = append(items, research.DatasetItem{Key: sub.Key, Source: SourceCache, Result: c.Payload})
			meta.CachedKeys = append(meta.CachedKeys, sub.Key)
			continue
		}

		t, ok := byKey[sub.Key]
		if !ok {
			continue
		}
		if t.Status == research.StatusCompleted {
			items = append(items, research.DatasetItem{Key: sub.Key, Source: SourceProvider, Result: t.Result})
			meta.TotalCost += t.ActualCost
			continue
		}
		meta.Failures = append(meta.Failures, research.FailureNote{Key: sub.Key, TaskID: t.ID, Error: t.Error})
	}
	meta.Succeeded = len(items)
	meta.Partial = len(meta.Failures) > 0

	payload, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("failed to encode dataset: %w", err)
	}

	ds := &research.Dataset{
		ID:            uuid.New().String(),
		ProjectID:     q.ProjectID,
		Kind:          q.Type.Kind(),
		Metadata:      meta,
		Payload:       payload,
		SourceQueryID: q.ID,
		CreatedAt:     a.now(),
	}
	if err := a.store.CreateDataset(ctx, ds); err != nil {
		if errors.Is(err, research.ErrDuplicate) {
			return a.store.GetDatasetByQuery(ctx, q.ID)
		}
		return nil, fmt.Errorf("failed to create dataset for query %s: %w", q.ID, err)
	}
	return ds, nil
}
