// Package memory is an in-process implementation of research.Store used by
// tests and by local runs without a database.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/eternisai/seo-research/internal/research"
)

// Store keeps every record in maps guarded by a single mutex. Records are
// copied on the way in and out so callers never share memory with the store.
type Store struct {
	mu       sync.RWMutex
	queries  map[string]*research.Query
	tasks    map[string]*research.Task
	datasets map[string]*research.Dataset
	budgets  map[string]*research.Budget
	cache    map[string]*research.CacheEntry
}

var _ research.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		queries:  make(map[string]*research.Query),
		tasks:    make(map[string]*research.Task),
		datasets: make(map[string]*research.Dataset),
		budgets:  make(map[string]*research.Budget),
		cache:    make(map[string]*research.CacheEntry),
	}
}

func (s *Store) CreateQuery(ctx context.Context, q *research.Query) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.queries[q.ID]; exists {
		return fmt.Errorf("query %s: %w", q.ID, research.ErrDuplicate)
	}
	s.queries[q.ID] = copyQuery(q)
	return nil
}

func (s *Store) GetQuery(ctx context.Context, id string) (*research.Query, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, ok := s.queries[id]
	if !ok {
		return nil, fmt.Errorf("query %s: %w", id, research.ErrNotFound)
	}
	return copyQuery(q), nil
}

func (s *Store) ListQueries(ctx context.Context, filter research.QueryFilter) ([]*research.Query, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*research.Query
	for _, q := range s.queries {
		if filter.ProjectID != "" && q.ProjectID != filter.ProjectID {
			continue
		}
		if len(filter.Statuses) > 0 && !hasStatus(filter.Statuses, q.Status) {
			continue
		}
		out = append(out, copyQuery(q))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) UpdateQuery(ctx context.Context, q *research.Query, expected research.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.queries[q.ID]
	if !ok {
		return fmt.Errorf("query %s: %w", q.ID, research.ErrNotFound)
	}
	if cur.Status != expected {
		return fmt.Errorf("query %s is %s, expected %s: %w", q.ID, cur.Status, expected, research.ErrConflict)
	}
	s.queries[q.ID] = copyQuery(q)
	return nil
}

func (s *Store) CreateTask(ctx context.Context, t *research.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[t.ID]; exists {
		return fmt.Errorf("task %s: %w", t.ID, research.ErrDuplicate)
	}
	if t.QueryID != "" {
		for _, other := range s.tasks {
			if other.QueryID == t.QueryID && other.SubRequestKey == t.SubRequestKey {
				return fmt.Errorf("task for %s/%s: %w", t.QueryID, t.SubRequestKey, research.ErrDuplicate)
			}
		}
	}
	s.tasks[t.ID] = copyTask(t)
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*research.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, research.ErrNotFound)
	}
	return copyTask(t), nil
}

func (s *Store) ListTasks(ctx context.Context, filter research.TaskFilter) ([]*research.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*research.Task
	for _, t := range s.tasks {
		if filter.QueryID != "" && t.QueryID != filter.QueryID {
			continue
		}
		if len(filter.Statuses) > 0 && !hasStatus(filter.Statuses, t.Status) {
			continue
		}
		if !filter.PolledBefore.IsZero() && t.LastPolledAt != nil && !t.LastPolledAt.Before(filter.PolledBefore) {
			continue
		}
		if len(filter.QueryStatuses) > 0 {
			q, ok := s.queries[t.QueryID]
			if !ok || !hasStatus(filter.QueryStatuses, q.Status) {
				continue
			}
		}
		out = append(out, copyTask(t))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) UpdateTask(ctx context.Context, t *research.Task, expected research.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.tasks[t.ID]
	if !ok {
		return fmt.Errorf("task %s: %w", t.ID, research.ErrNotFound)
	}
	if cur.Status != expected {
		return fmt.Errorf("task %s is %s, expected %s: %w", t.ID, cur.Status, expected, research.ErrConflict)
	}
	s.tasks[t.ID] = copyTask(t)
	return nil
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[id]; !ok {
		return fmt.Errorf("task %s: %w", id, research.ErrNotFound)
	}
	delete(s.tasks, id)
	return nil
}

func (s *Store) CreateDataset(ctx context.Context, d *research.Dataset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.datasets[d.ID]; exists {
		return fmt.Errorf("dataset %s: %w", d.ID, research.ErrDuplicate)
	}
	if d.SourceQueryID != "" {
		for _, existing := range s.datasets {
			if existing.SourceQueryID == d.SourceQueryID {
				return fmt.Errorf("dataset for query %s: %w", d.SourceQueryID, research.ErrDuplicate)
			}
		}
	}
	s.datasets[d.ID] = copyDataset(d)
	return nil
}

func (s *Store) GetDataset(ctx context.Context, id string) (*research.Dataset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.datasets[id]
	if !ok {
		return nil, fmt.Errorf("dataset %s: %w", id, research.ErrNotFound)
	}
	return copyDataset(d), nil
}

func (s *Store) GetDatasetByQuery(ctx context.Context, queryID string) (*research.Dataset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, d := range s.datasets {
		if d.SourceQueryID == queryID {
			return copyDataset(d), nil
		}
	}
	return nil, fmt.Errorf("dataset for query %s: %w", queryID, research.ErrNotFound)
}

func (s *Store) DeleteDataset(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.datasets[id]; !ok {
		return fmt.Errorf("dataset %s: %w", id, research.ErrNotFound)
	}
	delete(s.datasets, id)
	return nil
}

func budgetKey(role string, period research.Period) string {
	return role + "/" + string(period)
}

func (s *Store) GetBudget(ctx context.Context, role string, period research.Period) (*research.Budget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.budgets[budgetKey(role, period)]
	if !ok {
		return nil, fmt.Errorf("budget %s/%s: %w", role, period, research.ErrNotFound)
	}
	cp := *b
	return &cp, nil
}

func (s *Store) CreateBudget(ctx context.Context, b *research.Budget) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := budgetKey(b.Role, b.Period)
	if _, exists := s.budgets[key]; exists {
		return fmt.Errorf("budget %s: %w", key, research.ErrDuplicate)
	}
	cp := *b
	s.budgets[key] = &cp
	return nil
}

func (s *Store) ListBudgets(ctx context.Context) ([]*research.Budget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*research.Budget, 0, len(s.budgets))
	for _, b := range s.budgets {
		cp := *b
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Role < out[j].Role })
	return out, nil
}

func (s *Store) CompareAndSwapBudget(ctx context.Context, b *research.Budget, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := budgetKey(b.Role, b.Period)
	cur, ok := s.budgets[key]
	if !ok {
		return fmt.Errorf("budget %s: %w", key, research.ErrNotFound)
	}
	if cur.Version != expectedVersion {
		return fmt.Errorf("budget %s at version %d, expected %d: %w", key, cur.Version, expectedVersion, research.ErrConflict)
	}
	cp := *b
	cp.Version = expectedVersion + 1
	s.budgets[key] = &cp
	b.Version = cp.Version
	return nil
}

func (s *Store) GetCacheEntry(ctx context.Context, fingerprint string) (*research.CacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.cache[fingerprint]
	if !ok {
		return nil, fmt.Errorf("cache entry %s: %w", fingerprint, research.ErrNotFound)
	}
	cp := *e
	cp.Payload = cloneRaw(e.Payload)
	return &cp, nil
}

func (s *Store) PutCacheEntry(ctx context.Context, e *research.CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.cache[e.Fingerprint]; ok && cur.Live(e.CreatedAt) {
		return fmt.Errorf("cache entry %s: %w", e.Fingerprint, research.ErrDuplicate)
	}
	cp := *e
	cp.Payload = cloneRaw(e.Payload)
	s.cache[e.Fingerprint] = &cp
	return nil
}

func (s *Store) DeleteExpiredCacheEntries(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for fp, e := range s.cache {
		if !e.Live(now) {
			delete(s.cache, fp)
			n++
		}
	}
	return n, nil
}

func hasStatus(statuses []research.Status, s research.Status) bool {
	for _, candidate := range statuses {
		if candidate == s {
			return true
		}
	}
	return false
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

func copyQuery(q *research.Query) *research.Query {
	cp := *q
	cp.CompletedAt = copyTime(q.CompletedAt)
	if q.CachedResults != nil {
		cp.CachedResults = make([]research.CachedResult, len(q.CachedResults))
		for i, c := range q.CachedResults {
			c.Payload = cloneRaw(c.Payload)
			cp.CachedResults[i] = c
		}
	}
	return &cp
}

func copyTask(t *research.Task) *research.Task {
	cp := *t
	cp.Payload = cloneRaw(t.Payload)
	cp.Result = cloneRaw(t.Result)
	cp.SubmittedAt = copyTime(t.SubmittedAt)
	cp.LastPolledAt = copyTime(t.LastPolledAt)
	return &cp
}

func copyDataset(d *research.Dataset) *research.Dataset {
	cp := *d
	cp.Payload = cloneRaw(d.Payload)
	cp.Metadata.CachedKeys = append([]string(nil), d.Metadata.CachedKeys...)
	cp.Metadata.Failures = append([]research.FailureNote(nil), d.Metadata.Failures...)
	return &cp
}
