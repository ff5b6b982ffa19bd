package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/eternisai/seo-research/internal/budget"
	"github.com/eternisai/seo-research/internal/cache"
	"github.com/eternisai/seo-research/internal/logger"
	"github.com/eternisai/seo-research/internal/provider"
	"github.com/eternisai/seo-research/internal/provider/providertest"
	"github.com/eternisai/seo-research/internal/research"
	"github.com/eternisai/seo-research/internal/storage/memory"
)

var log *logger.Logger

func TestMain(m *testing.M) {
	flag.Parse()

	if testing.Verbose() {
		log = logger.New(logger.Config{Level: slog.LevelDebug})
	} else {
		log = logger.New(logger.Config{Level: slog.LevelError})
	}

	os.Exit(m.Run())
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type harness struct {
	store    *memory.Store
	cache    *cache.Cache
	ledger   *budget.Ledger
	provider *providertest.Fake
	d        *Dispatcher
}

type setup struct {
	limit       research.Micros
	price       research.Micros
	concurrency int
	maxItems    int
}

func newHarness(t *testing.T, s setup) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 18, 9, 0, 0, 0, time.UTC)}
	store := memory.New()

	c := cache.New(store, map[research.DataKind]time.Duration{research.KindSERP: time.Hour}, log,
		cache.WithClock(clock.Now))
	ledger := budget.NewLedger(store, []budget.RoleBudget{{
		Role:   "analyst",
		Unit:   "USD",
		Period: research.PeriodMonthly,
		Limit:  s.limit,
	}}, 0.1, log, budget.WithClock(clock.Now))
	limits := budget.NewLimits(map[research.QueryType]budget.TypeLimits{
		research.QueryTypeSERPSnapshot: {MaxItems: s.maxItems, MaxConcurrentTasks: s.concurrency},
	})

	fake := providertest.New("serpapi", s.price)
	registry := provider.NewRegistry()
	registry.Register(fake)
	registry.SetRoute(research.QueryTypeSERPSnapshot, provider.Route{Provider: "serpapi", Endpoint: "/serp"})

	return &harness{
		store:    store,
		cache:    c,
		ledger:   ledger,
		provider: fake,
		d:        New(store, c, ledger, limits, registry, log, WithClock(clock.Now)),
	}
}

func (h *harness) submitSERP(t *testing.T, keywords ...string) *research.Query {
	t.Helper()
	q := &research.Query{
		ID:        "q-" + keywords[0],
		ProjectID: "p1",
		Type:      research.QueryTypeSERPSnapshot,
		Params:    research.SERPSnapshotParams{Keywords: keywords}.Normalize(),
		Status:    research.StatusPending,
		CreatedBy: "u1",
		Role:      "analyst",
		CreatedAt: time.Date(2026, 3, 18, 9, 0, 0, 0, time.UTC),
	}
	if err := h.store.CreateQuery(context.Background(), q); err != nil {
		t.Fatalf("CreateQuery: %v", err)
	}
	return q
}

func (h *harness) reserved(t *testing.T) research.Micros {
	t.Helper()
	b, err := h.ledger.Status(context.Background(), "analyst")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	return b.Reserved
}

func (h *harness) query(t *testing.T, id string) *research.Query {
	t.Helper()
	q, err := h.store.GetQuery(context.Background(), id)
	if err != nil {
		t.Fatalf("GetQuery: %v", err)
	}
	return q
}

func (h *harness) tasks(t *testing.T, queryID string) []*research.Task {
	t.Helper()
	tasks, err := h.store.ListTasks(context.Background(), research.TaskFilter{QueryID: queryID})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	return tasks
}

func TestDispatchCreatesOneTaskPerKeyword(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, setup{limit: 1_000_000, price: 10_000, concurrency: 10})
	q := h.submitSERP(t, "seo tools", "rank tracker", "backlink checker")

	tasks, err := h.d.Dispatch(ctx, q.ID)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("created %d tasks, want 3", len(tasks))
	}
	for _, task := range tasks {
		if task.Status != research.StatusProcessing || task.ProviderTaskID == "" {
			t.Errorf("task %s = %s with provider id %q, want processing and submitted", task.SubRequestKey, task.Status, task.ProviderTaskID)
		}
		if task.ReservationState != research.ReservationHeld || task.CostEstimate != 10_000 {
			t.Errorf("task %s reservation = %s/%s", task.SubRequestKey, task.ReservationState, task.CostEstimate)
		}
	}
	if got := len(h.provider.Submissions()); got != 3 {
		t.Errorf("provider saw %d submissions, want 3", got)
	}
	if got := h.query(t, q.ID).Status; got != research.StatusProcessing {
		t.Errorf("query status = %s, want processing", got)
	}
	if got := h.reserved(t); got != 30_000 {
		t.Errorf("reserved = %s, want 30000 micros", got)
	}
}

func TestDispatchRejectsOverBudget(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, setup{limit: 100, price: 10, concurrency: 10})

	r, err := h.ledger.Reserve(ctx, "analyst", 95)
	if err != nil {
		t.Fatalf("seed Reserve: %v", err)
	}
	if err := h.ledger.Commit(ctx, r, 95); err != nil {
		t.Fatalf("seed Commit: %v", err)
	}

	q := h.submitSERP(t, "seo tools")
	_, err = h.d.Dispatch(ctx, q.ID)
	if !errors.Is(err, budget.ErrBudgetExceeded) {
		t.Fatalf("Dispatch error = %v, want ErrBudgetExceeded", err)
	}

	stored := h.query(t, q.ID)
	if stored.Status != research.StatusPending || stored.Reason != research.ReasonBudgetExceeded {
		t.Errorf("query = %s/%q, want pending/budget_exceeded", stored.Status, stored.Reason)
	}
	if n := len(h.tasks(t, q.ID)); n != 0 {
		t.Errorf("created %d tasks, want 0", n)
	}
	b, _ := h.ledger.Status(ctx, "analyst")
	if b.Spent != 95 || b.Reserved != 0 {
		t.Errorf("budget = spent %s reserved %s, want 95 and 0", b.Spent, b.Reserved)
	}
	if len(h.provider.Submissions()) != 0 {
		t.Error("provider was called for a rejected query")
	}
}

func TestDispatchRejectsWholeEstimateBeyondFirstRound(t *testing.T) {
	ctx := context.Background()
	// The first round alone fits; the whole query does not.
	h := newHarness(t, setup{limit: 100, price: 5, concurrency: 1})
	r, err := h.ledger.Reserve(ctx, "analyst", 95)
	if err != nil {
		t.Fatalf("seed Reserve: %v", err)
	}
	if err := h.ledger.Commit(ctx, r, 95); err != nil {
		t.Fatalf("seed Commit: %v", err)
	}

	q := h.submitSERP(t, "seo tools", "rank tracker")
	tasks, err := h.d.Dispatch(ctx, q.ID)
	if !errors.Is(err, budget.ErrBudgetExceeded) {
		t.Fatalf("Dispatch = %d tasks, err %v, want ErrBudgetExceeded", len(tasks), err)
	}

	var rej *budget.RejectionError
	if !errors.As(err, &rej) || rej.Requested != 10 {
		t.Errorf("rejection = %+v, want the whole estimate of 10 requested", rej)
	}
	if got := h.query(t, q.ID); got.Status != research.StatusPending || got.Reason != research.ReasonBudgetExceeded {
		t.Errorf("query = %s/%q, want pending/budget_exceeded", got.Status, got.Reason)
	}
	if n := len(h.tasks(t, q.ID)); n != 0 {
		t.Errorf("created %d tasks, want 0", n)
	}
	if got := h.reserved(t); got != 0 {
		t.Errorf("reserved = %s, want 0", got)
	}
	if len(h.provider.Submissions()) != 0 {
		t.Error("provider was called for a rejected query")
	}
}

func TestDispatchReleasesPartialFirstRound(t *testing.T) {
	ctx := context.Background()
	// Room for two of the three keywords.
	h := newHarness(t, setup{limit: 25, price: 10, concurrency: 10})
	q := h.submitSERP(t, "a", "b", "c")

	if _, err := h.d.Dispatch(ctx, q.ID); !errors.Is(err, budget.ErrBudgetExceeded) {
		t.Fatalf("Dispatch error = %v, want ErrBudgetExceeded", err)
	}
	if got := h.reserved(t); got != 0 {
		t.Errorf("reserved = %s after rejection, want 0", got)
	}
}

func TestDispatchRejectsVolume(t *testing.T) {
	h := newHarness(t, setup{limit: 1_000_000, price: 10, concurrency: 10, maxItems: 2})
	q := h.submitSERP(t, "a", "b", "c")

	_, err := h.d.Dispatch(context.Background(), q.ID)
	if !errors.Is(err, budget.ErrVolumeLimitExceeded) {
		t.Fatalf("Dispatch error = %v, want ErrVolumeLimitExceeded", err)
	}
	if got := h.query(t, q.ID); got.Status != research.StatusPending || got.Reason != research.ReasonVolumeExceeded {
		t.Errorf("query = %s/%q, want pending/volume_limit_exceeded", got.Status, got.Reason)
	}
}

func TestDispatchWithoutRoute(t *testing.T) {
	h := newHarness(t, setup{limit: 1_000_000, price: 10, concurrency: 10})
	q := &research.Query{
		ID:     "q-backlinks",
		Type:   research.QueryTypeBacklinkCheck,
		Params: research.BacklinkCheckParams{Targets: []string{"example.com"}}.Normalize(),
		Status: research.StatusPending,
		Role:   "analyst",
	}
	if err := h.store.CreateQuery(context.Background(), q); err != nil {
		t.Fatal(err)
	}

	_, err := h.d.Dispatch(context.Background(), q.ID)
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("Dispatch error = %v, want ErrProviderUnavailable", err)
	}
}

func TestDispatchServesCacheHitsWithoutTasks(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, setup{limit: 1_000_000, price: 10, concurrency: 10})

	params := research.SERPSnapshotParams{Keywords: []string{"seo tools"}}.Normalize()
	fp, err := cache.Fingerprint(research.QueryTypeSERPSnapshot, params.SubRequests()[0])
	if err != nil {
		t.Fatal(err)
	}
	if err := h.cache.Store(ctx, fp, research.KindSERP, json.RawMessage(`{"organic":[]}`)); err != nil {
		t.Fatal(err)
	}

	// Differently spelled, same fingerprint.
	q := h.submitSERP(t, "  SEO Tools ")
	tasks, err := h.d.Dispatch(ctx, q.ID)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(tasks) != 0 || len(h.tasks(t, q.ID)) != 0 {
		t.Errorf("created %d tasks for a cached request", len(tasks))
	}
	if len(h.provider.Submissions()) != 0 {
		t.Error("provider was called for a cached request")
	}
	if got := h.reserved(t); got != 0 {
		t.Errorf("reserved = %s, want 0", got)
	}

	stored := h.query(t, q.ID)
	if len(stored.CachedResults) != 1 || string(stored.CachedResults[0].Payload) != `{"organic":[]}` {
		t.Errorf("cached results = %+v", stored.CachedResults)
	}
}

func TestDispatchRespectsConcurrencyCeiling(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, setup{limit: 1_000_000, price: 10, concurrency: 2})
	q := h.submitSERP(t, "a", "b", "c", "d", "e")

	tasks, err := h.d.Dispatch(ctx, q.ID)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("first round created %d tasks, want 2", len(tasks))
	}

	more, err := h.d.Refill(ctx, q.ID)
	if err != nil {
		t.Fatalf("Refill: %v", err)
	}
	if len(more) != 0 {
		t.Fatalf("refill with no free slot created %d tasks", len(more))
	}

	done := tasks[0]
	done.Status = research.StatusCompleted
	if err := h.store.UpdateTask(ctx, done, research.StatusProcessing); err != nil {
		t.Fatal(err)
	}

	more, err = h.d.Refill(ctx, q.ID)
	if err != nil {
		t.Fatalf("Refill: %v", err)
	}
	if len(more) != 1 {
		t.Fatalf("refill created %d tasks, want 1", len(more))
	}

	var inFlight int
	for _, task := range h.tasks(t, q.ID) {
		if !task.Status.IsTerminal() {
			inFlight++
		}
	}
	if inFlight > 2 {
		t.Errorf("%d tasks in flight, ceiling is 2", inFlight)
	}
}

func TestConcurrentDispatchKeepsCeiling(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, setup{limit: 1_000_000, price: 10, concurrency: 3})
	q := h.submitSERP(t, "a", "b", "c", "d", "e", "f", "g", "h")

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.d.Dispatch(ctx, q.ID); err != nil {
				t.Errorf("Dispatch: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := len(h.tasks(t, q.ID)); n != 3 {
		t.Errorf("%d tasks exist, ceiling is 3", n)
	}
	if got := h.reserved(t); got != 30 {
		t.Errorf("reserved = %s, want 30", got)
	}
}

func TestRateLimitedSubmissionStaysQueued(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, setup{limit: 1_000_000, price: 10, concurrency: 10})
	h.provider.FailSubmits(provider.ErrRateLimited)
	q := h.submitSERP(t, "a", "b", "c")

	tasks, err := h.d.Dispatch(ctx, q.ID)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("created %d tasks, want 2 with one throttled", len(tasks))
	}
	if got := h.reserved(t); got != 20 {
		t.Errorf("reserved = %s, want 20 after releasing the throttled one", got)
	}

	more, err := h.d.Refill(ctx, q.ID)
	if err != nil {
		t.Fatalf("Refill: %v", err)
	}
	if len(more) != 1 || more[0].Status != research.StatusProcessing {
		t.Fatalf("refill = %v, want the throttled sub-request submitted", more)
	}
}

func TestSubmissionFailureIsTerminal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, setup{limit: 1_000_000, price: 10, concurrency: 10})
	h.provider.FailSubmits(errors.New("upstream returned 500"))
	q := h.submitSERP(t, "seo tools")

	tasks, err := h.d.Dispatch(ctx, q.ID)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("created %d tasks, want 1", len(tasks))
	}
	task := tasks[0]
	if task.Status != research.StatusFailed || task.ReservationState != research.ReservationReleased {
		t.Errorf("task = %s/%s, want failed with reservation released", task.Status, task.ReservationState)
	}
	if got := h.reserved(t); got != 0 {
		t.Errorf("reserved = %s, want 0", got)
	}
	if got := h.query(t, q.ID).Status; got != research.StatusProcessing {
		t.Errorf("query status = %s, want processing until aggregated", got)
	}

	// No new submission for a failed sub-request.
	if more, _ := h.d.Refill(ctx, q.ID); len(more) != 0 {
		t.Errorf("refill resubmitted %d failed sub-requests", len(more))
	}
}

func TestLaterRoundBudgetRejectionFailsSubRequest(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, setup{limit: 30, price: 10, concurrency: 2})
	q := h.submitSERP(t, "a", "b", "c")

	tasks, err := h.d.Dispatch(ctx, q.ID)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	// Another query takes part of the budget left for the third keyword.
	if _, err := h.ledger.Reserve(ctx, "analyst", 5); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	for _, task := range tasks {
		r := h.ledger.Restore(task.ReservationID, task.ReservationRole, task.CostEstimate)
		if err := h.ledger.Commit(ctx, r, 10); err != nil {
			t.Fatalf("Commit: %v", err)
		}
		task.Status = research.StatusCompleted
		task.ReservationState = research.ReservationCommitted
		if err := h.store.UpdateTask(ctx, task, research.StatusProcessing); err != nil {
			t.Fatal(err)
		}
	}

	more, err := h.d.Refill(ctx, q.ID)
	if err != nil {
		t.Fatalf("Refill: %v", err)
	}
	if len(more) != 1 || more[0].Status != research.StatusFailed {
		t.Fatalf("refill = %v, want one failed task", more)
	}

	stored := h.query(t, q.ID)
	tally := research.TallyQuery(stored.Params.SubRequests(), h.tasks(t, q.ID), stored.CachedResults)
	if status, done := tally.Outcome(); !done || status != research.StatusCompleted {
		t.Errorf("outcome = %s/%v, want completed", status, done)
	}
}

func TestDispatchClosedQuery(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, setup{limit: 1_000_000, price: 10, concurrency: 10})
	q := h.submitSERP(t, "a")

	q.Status = research.StatusFailed
	q.Reason = research.ReasonCancelled
	if err := h.store.UpdateQuery(ctx, q, research.StatusPending); err != nil {
		t.Fatal(err)
	}

	if _, err := h.d.Dispatch(ctx, q.ID); !errors.Is(err, research.ErrQueryClosed) {
		t.Errorf("Dispatch error = %v, want ErrQueryClosed", err)
	}
	if more, err := h.d.Refill(ctx, q.ID); err != nil || len(more) != 0 {
		t.Errorf("Refill on a closed query = %v, %v", more, err)
	}
}
