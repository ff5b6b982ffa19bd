package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/eternisai/seo-research/internal/events"
	"github.com/eternisai/seo-research/internal/events/eventstest"
	"github.com/eternisai/seo-research/internal/logger"
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

var now = time.Date(2026, 3, 18, 9, 0, 0, 0, time.UTC)

func newAggregator(store Store, rec *eventstest.Recorder) *Aggregator {
	return New(store, rec, log, WithClock(func() time.Time { return now }))
}

func processingQuery(t *testing.T, store *memory.Store, keywords ...string) *research.Query {
	t.Helper()
	q := &research.Query{
		ID:        "q1",
		ProjectID: "p1",
		Type:      research.QueryTypeSERPSnapshot,
		Params:    research.SERPSnapshotParams{Keywords: keywords}.Normalize(),
		Status:    research.StatusProcessing,
		Role:      "analyst",
		CreatedAt: now,
	}
	if err := store.CreateQuery(context.Background(), q); err != nil {
		t.Fatal(err)
	}
	return q
}

func addTask(t *testing.T, store *memory.Store, id, key string, status research.Status, result string) {
	t.Helper()
	task := &research.Task{
		ID:            id,
		QueryID:       "q1",
		SubRequestKey: key,
		Status:        status,
		CreatedAt:     now,
	}
	switch status {
	case research.StatusCompleted:
		task.Result = json.RawMessage(result)
		task.ActualCost = 12
	case research.StatusFailed:
		task.Error = research.ReasonRetriesExhausted + ": provider reported failure"
	}
	if err := store.CreateTask(context.Background(), task); err != nil {
		t.Fatal(err)
	}
}

func TestPartialSuccessCompletesWithFailureNote(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	rec := &eventstest.Recorder{}
	processingQuery(t, store, "seo tools", "rank tracker")
	addTask(t, store, "t1", "rank tracker", research.StatusCompleted, `{"organic":[1]}`)
	addTask(t, store, "t2", "seo tools", research.StatusFailed, "")

	q, err := newAggregator(store, rec).Evaluate(ctx, "q1")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if q.Status != research.StatusCompleted || q.DatasetID == "" || q.CompletedAt == nil {
		t.Fatalf("query = %s dataset %q, want completed with a dataset", q.Status, q.DatasetID)
	}

	ds, err := store.GetDatasetByQuery(ctx, "q1")
	if err != nil {
		t.Fatalf("GetDatasetByQuery: %v", err)
	}
	if ds.ID != q.DatasetID || ds.Kind != research.KindSERP || ds.ProjectID != "p1" {
		t.Errorf("dataset = %+v", ds)
	}

	var items []research.DatasetItem
	if err := json.Unmarshal(ds.Payload, &items); err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].Key != "rank tracker" || items[0].Source != SourceProvider {
		t.Errorf("items = %+v, want only the completed task", items)
	}

	meta := ds.Metadata
	if !meta.Partial || meta.Succeeded != 1 || meta.SubRequests != 2 || meta.TotalCost != 12 {
		t.Errorf("metadata = %+v", meta)
	}
	if len(meta.Failures) != 1 || meta.Failures[0].Key != "seo tools" || meta.Failures[0].TaskID != "t2" {
		t.Errorf("failures = %+v, want a note for t2", meta.Failures)
	}

	evs := rec.ForQuery("q1")
	if len(evs) != 1 || evs[0].Type != events.TypeQueryCompleted || evs[0].Progress != 1 {
		t.Errorf("events = %+v", evs)
	}
}

func TestAllFailedFailsQuery(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	processingQuery(t, store, "a", "b")
	addTask(t, store, "t1", "a", research.StatusFailed, "")
	addTask(t, store, "t2", "b", research.StatusFailed, "")

	q, err := newAggregator(store, &eventstest.Recorder{}).Evaluate(ctx, "q1")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if q.Status != research.StatusFailed || q.Reason != research.ReasonAllTasksFailed {
		t.Errorf("query = %s/%q, want failed/all_tasks_failed", q.Status, q.Reason)
	}
	if _, err := store.GetDatasetByQuery(ctx, "q1"); err == nil {
		t.Error("failed query produced a dataset")
	}
}

func TestInFlightQueryIsLeftAlone(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	rec := &eventstest.Recorder{}
	processingQuery(t, store, "a", "b", "c")
	addTask(t, store, "t1", "a", research.StatusCompleted, `{}`)
	addTask(t, store, "t2", "b", research.StatusProcessing, "")
	// "c" is still queued.

	q, err := newAggregator(store, rec).Evaluate(ctx, "q1")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if q.Status != research.StatusProcessing {
		t.Errorf("status = %s, want processing", q.Status)
	}
	if len(rec.Events()) != 0 {
		t.Errorf("published %d events for an unfinished query", len(rec.Events()))
	}

	tally, _, err := newAggregator(store, rec).Tally(ctx, q)
	if err != nil {
		t.Fatal(err)
	}
	if tally.Queued != 1 || tally.InFlight != 1 || tally.Progress() != 1.0/3 {
		t.Errorf("tally = %+v", tally)
	}
}

func TestCachedResultsCountAsSuccess(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	q := processingQuery(t, store, "a", "b")
	q.CachedResults = []research.CachedResult{{Key: "a", Fingerprint: "fp-a", Payload: json.RawMessage(`{"cached":true}`), HitAt: now}}
	if err := store.UpdateQuery(ctx, q, research.StatusProcessing); err != nil {
		t.Fatal(err)
	}
	addTask(t, store, "t1", "b", research.StatusFailed, "")

	got, err := newAggregator(store, &eventstest.Recorder{}).Evaluate(ctx, "q1")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if got.Status != research.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}

	ds, _ := store.GetDataset(ctx, got.DatasetID)
	if len(ds.Metadata.CachedKeys) != 1 || ds.Metadata.CachedKeys[0] != "a" || ds.Metadata.TotalCost != 0 {
		t.Errorf("metadata = %+v", ds.Metadata)
	}
}

func TestEvaluateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	rec := &eventstest.Recorder{}
	processingQuery(t, store, "a")
	addTask(t, store, "t1", "a", research.StatusCompleted, `{}`)

	agg := newAggregator(store, rec)
	first, err := agg.Evaluate(ctx, "q1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := agg.Evaluate(ctx, "q1")
	if err != nil {
		t.Fatal(err)
	}
	if first.DatasetID != second.DatasetID {
		t.Errorf("dataset changed from %s to %s", first.DatasetID, second.DatasetID)
	}
	if len(rec.Events()) != 1 {
		t.Errorf("published %d events, want 1", len(rec.Events()))
	}
}

func TestEvaluateReusesExistingDataset(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	processingQuery(t, store, "a")
	addTask(t, store, "t1", "a", research.StatusCompleted, `{}`)

	// An earlier attempt created the dataset but failed to update the query.
	if err := store.CreateDataset(ctx, &research.Dataset{ID: "d-earlier", ProjectID: "p1", SourceQueryID: "q1"}); err != nil {
		t.Fatal(err)
	}

	q, err := newAggregator(store, &eventstest.Recorder{}).Evaluate(ctx, "q1")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if q.DatasetID != "d-earlier" {
		t.Errorf("dataset = %s, want the existing d-earlier", q.DatasetID)
	}
}

// cancelOnFinalize cancels the query right before the aggregator's
// processing -> terminal update lands.
type cancelOnFinalize struct {
	*memory.Store
}

func (s cancelOnFinalize) UpdateQuery(ctx context.Context, q *research.Query, expected research.Status) error {
	if expected == research.StatusProcessing && q.Status.IsTerminal() {
		cur, err := s.Store.GetQuery(ctx, q.ID)
		if err != nil {
			return err
		}
		if err := cur.Transition(research.StatusFailed, research.ReasonCancelled, now); err != nil {
			return err
		}
		if err := s.Store.UpdateQuery(ctx, cur, research.StatusProcessing); err != nil {
			return err
		}
	}
	return s.Store.UpdateQuery(ctx, q, expected)
}

func TestCancelDuringFinalizeLeavesNoDataset(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	rec := &eventstest.Recorder{}
	processingQuery(t, store, "a")
	addTask(t, store, "t1", "a", research.StatusCompleted, `{"rank":1}`)

	q, err := newAggregator(cancelOnFinalize{store}, rec).Evaluate(ctx, "q1")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if q.Status != research.StatusFailed || q.Reason != research.ReasonCancelled {
		t.Errorf("query = %s (%s), want failed (cancelled)", q.Status, q.Reason)
	}
	if q.DatasetID != "" {
		t.Errorf("cancelled query points at dataset %s", q.DatasetID)
	}
	if _, err := store.GetDatasetByQuery(ctx, "q1"); !errors.Is(err, research.ErrNotFound) {
		t.Errorf("GetDatasetByQuery err = %v, want ErrNotFound", err)
	}
	if len(rec.Events()) != 0 {
		t.Errorf("published %d events for a query the aggregator did not finish", len(rec.Events()))
	}
}
