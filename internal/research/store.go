package research

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a conditional update lost a race.
	ErrConflict = errors.New("conflicting update")
	// ErrDuplicate is returned when a unique record already exists.
	ErrDuplicate = errors.New("duplicate record")
)

// QueryFilter narrows ListQueries.
type QueryFilter struct {
	ProjectID string
	Statuses  []Status
	Limit     int
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	QueryID  string
	Statuses []Status
	// PolledBefore selects tasks never polled or last polled before this time.
	PolledBefore time.Time
	// QueryStatuses keeps only tasks whose owning query is in one of these
	// states. Tasks without a query never match a non-empty list.
	QueryStatuses []Status
	Limit         int
}

// QueryStore persists queries.
type QueryStore interface {
	CreateQuery(ctx context.Context, q *Query) error
	GetQuery(ctx context.Context, id string) (*Query, error)
	ListQueries(ctx context.Context, filter QueryFilter) ([]*Query, error)
	// UpdateQuery writes q only if the stored status still equals expected.
	UpdateQuery(ctx context.Context, q *Query, expected Status) error
}

// TaskStore persists tasks.
type TaskStore interface {
	// CreateTask fails with ErrDuplicate if the query already has a task for
	// the same sub-request key.
	CreateTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error)
	// UpdateTask writes t only if the stored status still equals expected.
	UpdateTask(ctx context.Context, t *Task, expected Status) error
	DeleteTask(ctx context.Context, id string) error
}

// DatasetStore persists datasets. At most one dataset exists per source query.
type DatasetStore interface {
	CreateDataset(ctx context.Context, d *Dataset) error
	GetDataset(ctx context.Context, id string) (*Dataset, error)
	GetDatasetByQuery(ctx context.Context, queryID string) (*Dataset, error)
	DeleteDataset(ctx context.Context, id string) error
}

// BudgetStore persists budgets keyed by (role, period).
type BudgetStore interface {
	GetBudget(ctx context.Context, role string, period Period) (*Budget, error)
	CreateBudget(ctx context.Context, b *Budget) error
	ListBudgets(ctx context.Context) ([]*Budget, error)
	// CompareAndSwapBudget writes b and bumps its version only if the stored
	// version equals expectedVersion.
	CompareAndSwapBudget(ctx context.Context, b *Budget, expectedVersion int64) error
}

// CacheStore persists cache entries.
type CacheStore interface {
	GetCacheEntry(ctx context.Context, fingerprint string) (*CacheEntry, error)
	// PutCacheEntry inserts e, replacing an existing entry only if it has expired.
	PutCacheEntry(ctx context.Context, e *CacheEntry) error
	DeleteExpiredCacheEntries(ctx context.Context, now time.Time) (int64, error)
}

// Store is the full persistence surface used by the orchestration engine.
type Store interface {
	QueryStore
	TaskStore
	DatasetStore
	BudgetStore
	CacheStore
}
