package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/eternisai/seo-research/internal/logger"
	"github.com/eternisai/seo-research/internal/research"
)

// uniqueViolation is the PostgreSQL error code for unique_violation.
const uniqueViolation = "23505"

// Store implements research.Store on PostgreSQL.
type Store struct {
	logger *logger.Logger
	db     *sql.DB
}

var _ research.Store = (*Store)(nil)

// NewStore creates a store on an already migrated database.
func NewStore(logger *logger.Logger, db *sql.DB) *Store {
	logger.WithComponent("research-pg-store").Info("database storage initialized")

	return &Store{
		logger: logger.WithComponent("research-pg-store"),
		db:     db,
	}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func statusStrings(statuses []research.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// qualify prefixes every column in a comma-separated list with a table alias.
func qualify(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// Queries

const queryColumns = `id, project_id, query_type, params, status, reason, created_by, role,
	cached_results, dataset_id, created_at, updated_at, completed_at`

func (s *Store) CreateQuery(ctx context.Context, q *research.Query) error {
	params, cached, err := encodeQuery(q)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO research_queries (` + queryColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	_, err = s.db.ExecContext(ctx, query,
		q.ID, q.ProjectID, string(q.Type), params, string(q.Status), q.Reason, q.CreatedBy, q.Role,
		cached, q.DatasetID, q.CreatedAt, q.UpdatedAt, q.CompletedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("query %s: %w", q.ID, research.ErrDuplicate)
		}
		s.logger.Error("failed to insert query",
			slog.String("query_id", q.ID),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to insert query: %w", err)
	}

	return nil
}

func (s *Store) GetQuery(ctx context.Context, id string) (*research.Query, error) {
	query := `SELECT ` + queryColumns + ` FROM research_queries WHERE id = $1`

	q, err := scanQuery(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("query %s: %w", id, research.ErrNotFound)
	}
	if err != nil {
		s.logger.Error("failed to get query",
			slog.String("query_id", id),
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("failed to get query: %w", err)
	}
	return q, nil
}

func (s *Store) ListQueries(ctx context.Context, filter research.QueryFilter) ([]*research.Query, error) {
	var (
		where []string
		args  []any
	)
	if filter.ProjectID != "" {
		args = append(args, filter.ProjectID)
		where = append(where, fmt.Sprintf("project_id = $%d", len(args)))
	}
	if len(filter.Statuses) > 0 {
		args = append(args, pq.Array(statusStrings(filter.Statuses)))
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}

	query := `SELECT ` + queryColumns + ` FROM research_queries`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at ASC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.logger.Error("failed to list queries",
			slog.String("project_id", filter.ProjectID),
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("failed to list queries: %w", err)
	}
	defer rows.Close()

	var out []*research.Query
	for rows.Next() {
		q, err := scanQuery(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan query: %w", err)
		}
		out = append(out, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queries: %w", err)
	}
	return out, nil
}

func (s *Store) UpdateQuery(ctx context.Context, q *research.Query, expected research.Status) error {
	params, cached, err := encodeQuery(q)
	if err != nil {
		return err
	}

	query := `
		UPDATE research_queries
		SET params = $2, status = $3, reason = $4, cached_results = $5, dataset_id = $6,
			updated_at = $7, completed_at = $8
		WHERE id = $1 AND status = $9
	`

	res, err := s.db.ExecContext(ctx, query,
		q.ID, params, string(q.Status), q.Reason, cached, q.DatasetID, q.UpdatedAt, q.CompletedAt,
		string(expected))
	if err != nil {
		s.logger.Error("failed to update query",
			slog.String("query_id", q.ID),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to update query: %w", err)
	}
	return s.checkConditional(ctx, res, "research_queries", "query", q.ID)
}

// checkConditional turns a zero-row conditional update into ErrNotFound or ErrConflict.
func (s *Store) checkConditional(ctx context.Context, res sql.Result, table, what, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n > 0 {
		return nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check %s existence: %w", what, err)
	}
	if !exists {
		return fmt.Errorf("%s %s: %w", what, id, research.ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", what, id, research.ErrConflict)
}

func encodeQuery(q *research.Query) (string, string, error) {
	params, err := json.Marshal(q.Params)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode params: %w", err)
	}
	cachedResults := q.CachedResults
	if cachedResults == nil {
		cachedResults = []research.CachedResult{}
	}
	cached, err := json.Marshal(cachedResults)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode cached results: %w", err)
	}
	return string(params), string(cached), nil
}

func scanQuery(row rowScanner) (*research.Query, error) {
	var (
		q           research.Query
		queryType   string
		status      string
		params      []byte
		cached      []byte
		completedAt sql.NullTime
	)
	err := row.Scan(&q.ID, &q.ProjectID, &queryType, &params, &status, &q.Reason, &q.CreatedBy, &q.Role,
		&cached, &q.DatasetID, &q.CreatedAt, &q.UpdatedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	q.Type = research.QueryType(queryType)
	q.Status = research.Status(status)
	q.CompletedAt = timePtr(completedAt)

	if q.Params, err = research.DecodeParams(q.Type, params); err != nil {
		return nil, err
	}
	if len(cached) > 0 {
		if err := json.Unmarshal(cached, &q.CachedResults); err != nil {
			return nil, fmt.Errorf("failed to decode cached results: %w", err)
		}
	}
	if len(q.CachedResults) == 0 {
		q.CachedResults = nil
	}
	return &q, nil
}

// Tasks

const taskColumns = `id, query_id, provider, endpoint, sub_request_key, fingerprint, payload,
	provider_task_id, status, cost_estimate, actual_cost, result, error, retry_count,
	reservation_id, reservation_role, reservation_state, submitted_at, last_polled_at,
	created_at, updated_at`

func (s *Store) CreateTask(ctx context.Context, t *research.Task) error {
	query := `
		INSERT INTO research_tasks (` + taskColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
	`

	_, err := s.db.ExecContext(ctx, query,
		t.ID, nullString(t.QueryID), t.Provider, t.Endpoint, t.SubRequestKey, t.Fingerprint, nullJSON(t.Payload),
		t.ProviderTaskID, string(t.Status), int64(t.CostEstimate), int64(t.ActualCost), nullJSON(t.Result), t.Error, t.RetryCount,
		t.ReservationID, t.ReservationRole, string(t.ReservationState), t.SubmittedAt, t.LastPolledAt,
		t.CreatedAt, t.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("task %s: %w", t.ID, research.ErrDuplicate)
		}
		s.logger.Error("failed to insert task",
			slog.String("task_id", t.ID),
			slog.String("query_id", t.QueryID),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to insert task: %w", err)
	}

	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*research.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM research_tasks WHERE id = $1`

	t, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, research.ErrNotFound)
	}
	if err != nil {
		s.logger.Error("failed to get task",
			slog.String("task_id", id),
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return t, nil
}

func (s *Store) ListTasks(ctx context.Context, filter research.TaskFilter) ([]*research.Task, error) {
	query, args := taskListQuery(filter)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.logger.Error("failed to list tasks",
			slog.String("query_id", filter.QueryID),
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var out []*research.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return out, nil
}

// taskListQuery selects tasks through a LEFT JOIN on their query so tasks
// without one are still listed unless the filter names query statuses.
func taskListQuery(filter research.TaskFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	if filter.QueryID != "" {
		args = append(args, filter.QueryID)
		where = append(where, fmt.Sprintf("t.query_id = $%d", len(args)))
	}
	if len(filter.Statuses) > 0 {
		args = append(args, pq.Array(statusStrings(filter.Statuses)))
		where = append(where, fmt.Sprintf("t.status = ANY($%d)", len(args)))
	}
	if !filter.PolledBefore.IsZero() {
		args = append(args, filter.PolledBefore)
		where = append(where, fmt.Sprintf("(t.last_polled_at IS NULL OR t.last_polled_at < $%d)", len(args)))
	}
	if len(filter.QueryStatuses) > 0 {
		args = append(args, pq.Array(statusStrings(filter.QueryStatuses)))
		where = append(where, fmt.Sprintf("q.status = ANY($%d)", len(args)))
	}

	query := `SELECT ` + qualify("t", taskColumns) + ` FROM research_tasks t LEFT JOIN research_queries q ON q.id = t.query_id`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY t.created_at ASC, t.id ASC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return query, args
}

func (s *Store) UpdateTask(ctx context.Context, t *research.Task, expected research.Status) error {
	query := `
		UPDATE research_tasks
		SET provider_task_id = $2, status = $3, actual_cost = $4, result = $5, error = $6,
			retry_count = $7, reservation_id = $8, reservation_role = $9, reservation_state = $10,
			submitted_at = $11, last_polled_at = $12, updated_at = $13
		WHERE id = $1 AND status = $14
	`

	res, err := s.db.ExecContext(ctx, query,
		t.ID, t.ProviderTaskID, string(t.Status), int64(t.ActualCost), nullJSON(t.Result), t.Error,
		t.RetryCount, t.ReservationID, t.ReservationRole, string(t.ReservationState),
		t.SubmittedAt, t.LastPolledAt, t.UpdatedAt, string(expected))
	if err != nil {
		s.logger.Error("failed to update task",
			slog.String("task_id", t.ID),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to update task: %w", err)
	}
	return s.checkConditional(ctx, res, "research_tasks", "task", t.ID)
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM research_tasks WHERE id = $1`, id)
	if err != nil {
		s.logger.Error("failed to delete task",
			slog.String("task_id", id),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to delete task: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("task %s: %w", id, research.ErrNotFound)
	}
	return nil
}

func scanTask(row rowScanner) (*research.Task, error) {
	var (
		t            research.Task
		queryID      sql.NullString
		status       string
		resState     string
		costEstimate int64
		actualCost   int64
		submittedAt  sql.NullTime
		lastPolledAt sql.NullTime
		payload      []byte
		result       []byte
	)
	err := row.Scan(&t.ID, &queryID, &t.Provider, &t.Endpoint, &t.SubRequestKey, &t.Fingerprint, &payload,
		&t.ProviderTaskID, &status, &costEstimate, &actualCost, &result, &t.Error, &t.RetryCount,
		&t.ReservationID, &t.ReservationRole, &resState, &submittedAt, &lastPolledAt,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}

	t.QueryID = queryID.String
	t.Payload = payload
	t.Result = result
	t.Status = research.Status(status)
	t.ReservationState = research.ReservationState(resState)
	t.CostEstimate = research.Micros(costEstimate)
	t.ActualCost = research.Micros(actualCost)
	t.SubmittedAt = timePtr(submittedAt)
	t.LastPolledAt = timePtr(lastPolledAt)
	return &t, nil
}

// Datasets

const datasetColumns = `id, project_id, kind, metadata, payload, source_query_id, created_at`

func (s *Store) CreateDataset(ctx context.Context, d *research.Dataset) error {
	metadata, err := json.Marshal(d.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode dataset metadata: %w", err)
	}
	payload := d.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("[]")
	}

	query := `
		INSERT INTO research_datasets (` + datasetColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err = s.db.ExecContext(ctx, query,
		d.ID, d.ProjectID, string(d.Kind), string(metadata), string(payload), nullString(d.SourceQueryID), d.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("dataset for query %s: %w", d.SourceQueryID, research.ErrDuplicate)
		}
		s.logger.Error("failed to insert dataset",
			slog.String("dataset_id", d.ID),
			slog.String("query_id", d.SourceQueryID),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to insert dataset: %w", err)
	}

	return nil
}

func (s *Store) GetDataset(ctx context.Context, id string) (*research.Dataset, error) {
	query := `SELECT ` + datasetColumns + ` FROM research_datasets WHERE id = $1`

	d, err := scanDataset(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("dataset %s: %w", id, research.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dataset: %w", err)
	}
	return d, nil
}

func (s *Store) GetDatasetByQuery(ctx context.Context, queryID string) (*research.Dataset, error) {
	query := `SELECT ` + datasetColumns + ` FROM research_datasets WHERE source_query_id = $1`

	d, err := scanDataset(s.db.QueryRowContext(ctx, query, queryID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("dataset for query %s: %w", queryID, research.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dataset: %w", err)
	}
	return d, nil
}

func (s *Store) DeleteDataset(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM research_datasets WHERE id = $1`, id)
	if err != nil {
		s.logger.Error("failed to delete dataset",
			slog.String("dataset_id", id),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to delete dataset: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("dataset %s: %w", id, research.ErrNotFound)
	}
	return nil
}

func scanDataset(row rowScanner) (*research.Dataset, error) {
	var (
		d        research.Dataset
		kind     string
		metadata []byte
		payload  []byte
		sourceID sql.NullString
	)
	if err := row.Scan(&d.ID, &d.ProjectID, &kind, &metadata, &payload, &sourceID, &d.CreatedAt); err != nil {
		return nil, err
	}
	d.Payload = payload
	d.Kind = research.DataKind(kind)
	d.SourceQueryID = sourceID.String
	if err := json.Unmarshal(metadata, &d.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode dataset metadata: %w", err)
	}
	return &d, nil
}

// Budgets

const budgetColumns = `role, period, unit, spend_limit, spent, reserved, reset_at, version, updated_at`

func (s *Store) GetBudget(ctx context.Context, role string, period research.Period) (*research.Budget, error) {
	query := `SELECT ` + budgetColumns + ` FROM research_budgets WHERE role = $1 AND period = $2`

	b, err := scanBudget(s.db.QueryRowContext(ctx, query, role, string(period)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("budget %s/%s: %w", role, period, research.ErrNotFound)
	}
	if err != nil {
		s.logger.Error("failed to get budget",
			slog.String("role", role),
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("failed to get budget: %w", err)
	}
	return b, nil
}

func (s *Store) CreateBudget(ctx context.Context, b *research.Budget) error {
	query := `
		INSERT INTO research_budgets (` + budgetColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := s.db.ExecContext(ctx, query,
		b.Role, string(b.Period), b.Unit, int64(b.Limit), int64(b.Spent), int64(b.Reserved),
		b.ResetAt, b.Version, b.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("budget %s/%s: %w", b.Role, b.Period, research.ErrDuplicate)
		}
		return fmt.Errorf("failed to insert budget: %w", err)
	}
	return nil
}

func (s *Store) ListBudgets(ctx context.Context) ([]*research.Budget, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+budgetColumns+` FROM research_budgets ORDER BY role, period`)
	if err != nil {
		return nil, fmt.Errorf("failed to list budgets: %w", err)
	}
	defer rows.Close()

	var out []*research.Budget
	for rows.Next() {
		b, err := scanBudget(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan budget: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating budgets: %w", err)
	}
	return out, nil
}

func (s *Store) CompareAndSwapBudget(ctx context.Context, b *research.Budget, expectedVersion int64) error {
	query := `
		UPDATE research_budgets
		SET unit = $3, spend_limit = $4, spent = $5, reserved = $6, reset_at = $7,
			updated_at = $8, version = version + 1
		WHERE role = $1 AND period = $2 AND version = $9
	`

	res, err := s.db.ExecContext(ctx, query,
		b.Role, string(b.Period), b.Unit, int64(b.Limit), int64(b.Spent), int64(b.Reserved),
		b.ResetAt, b.UpdatedAt, expectedVersion)
	if err != nil {
		s.logger.Error("failed to update budget",
			slog.String("role", b.Role),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to update budget: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		if _, err := s.GetBudget(ctx, b.Role, b.Period); err != nil {
			return err
		}
		return fmt.Errorf("budget %s/%s version %d: %w", b.Role, b.Period, expectedVersion, research.ErrConflict)
	}

	b.Version = expectedVersion + 1
	return nil
}

func scanBudget(row rowScanner) (*research.Budget, error) {
	var (
		b                      research.Budget
		period                 string
		limit, spent, reserved int64
	)
	if err := row.Scan(&b.Role, &period, &b.Unit, &limit, &spent, &reserved, &b.ResetAt, &b.Version, &b.UpdatedAt); err != nil {
		return nil, err
	}
	b.Period = research.Period(period)
	b.Limit = research.Micros(limit)
	b.Spent = research.Micros(spent)
	b.Reserved = research.Micros(reserved)
	return &b, nil
}

// Cache entries

func (s *Store) GetCacheEntry(ctx context.Context, fingerprint string) (*research.CacheEntry, error) {
	query := `
		SELECT fingerprint, kind, payload, created_at, expires_at
		FROM research_cache_entries
		WHERE fingerprint = $1
	`

	var (
		e       research.CacheEntry
		kind    string
		payload []byte
	)
	err := s.db.QueryRowContext(ctx, query, fingerprint).Scan(&e.Fingerprint, &kind, &payload, &e.CreatedAt, &e.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("cache entry %s: %w", fingerprint, research.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}
	e.Kind = research.DataKind(kind)
	e.Payload = payload
	return &e, nil
}

func (s *Store) PutCacheEntry(ctx context.Context, e *research.CacheEntry) error {
	// An expired row may be replaced; a live one is kept.
	query := `
		INSERT INTO research_cache_entries (fingerprint, kind, payload, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (fingerprint) DO UPDATE
		SET kind = EXCLUDED.kind, payload = EXCLUDED.payload,
			created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at
		WHERE research_cache_entries.expires_at <= EXCLUDED.created_at
	`

	res, err := s.db.ExecContext(ctx, query, e.Fingerprint, string(e.Kind), string(e.Payload), e.CreatedAt, e.ExpiresAt)
	if err != nil {
		s.logger.Error("failed to store cache entry",
			slog.String("fingerprint", e.Fingerprint),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to store cache entry: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("cache entry %s: %w", e.Fingerprint, research.ErrDuplicate)
	}
	return nil
}

func (s *Store) DeleteExpiredCacheEntries(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM research_cache_entries WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired cache entries: %w", err)
	}
	return res.RowsAffected()
}
