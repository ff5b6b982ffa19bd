package events_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/eternisai/seo-research/internal/events"
	"github.com/eternisai/seo-research/internal/events/eventstest"
	"github.com/eternisai/seo-research/internal/research"
)

func TestForQuery(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q := &research.Query{
		ID:        "q1",
		ProjectID: "p1",
		Type:      research.QueryTypeSERPSnapshot,
		Status:    research.StatusCompleted,
		DatasetID: "d1",
	}

	e := events.ForQuery(q, 1, now)
	if e.Type != events.TypeQueryCompleted {
		t.Errorf("Type = %s, want %s", e.Type, events.TypeQueryCompleted)
	}
	if e.QueryType != "serp_snapshot" || e.Status != "completed" || e.DatasetID != "d1" {
		t.Errorf("unexpected event %+v", e)
	}

	q.Status = research.StatusFailed
	q.Reason = research.ReasonCancelled
	if e := events.ForQuery(q, 0.5, now); e.Type != events.TypeQueryFailed || e.Reason != "cancelled" {
		t.Errorf("failed query event = %+v", e)
	}
}

func TestMultiTriesEveryPublisher(t *testing.T) {
	broken := &eventstest.Recorder{}
	broken.Fail(errors.New("nats down"))
	healthy := &eventstest.Recorder{}

	m := events.Multi{broken, nil, healthy, events.Noop{}}
	err := m.Publish(context.Background(), events.Event{QueryID: "q1"})
	if err == nil {
		t.Fatal("expected the broken publisher's error")
	}
	if len(healthy.Events()) != 1 {
		t.Errorf("healthy publisher got %d events, want 1", len(healthy.Events()))
	}
	if len(broken.ForQuery("q1")) != 1 {
		t.Errorf("broken publisher was not tried")
	}
}
