// Package events announces query status changes to observers outside the
// process.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/eternisai/seo-research/internal/research"
)

// Event types.
const (
	TypeQueryProcessing = "query.processing"
	TypeQueryCompleted  = "query.completed"
	TypeQueryFailed     = "query.failed"
)

// Event is a snapshot of a query taken right after its status changed.
type Event struct {
	Type       string    `json:"type" firestore:"type"`
	QueryID    string    `json:"query_id" firestore:"query_id"`
	ProjectID  string    `json:"project_id" firestore:"project_id"`
	QueryType  string    `json:"query_type" firestore:"query_type"`
	Status     string    `json:"status" firestore:"status"`
	Reason     string    `json:"reason,omitempty" firestore:"reason,omitempty"`
	Progress   float64   `json:"progress" firestore:"progress"`
	DatasetID  string    `json:"dataset_id,omitempty" firestore:"dataset_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at" firestore:"occurred_at"`
}

// ForQuery builds the event describing q's current status.
func ForQuery(q *research.Query, progress float64, now time.Time) Event {
	typ := TypeQueryProcessing
	switch q.Status {
	case research.StatusCompleted:
		typ = TypeQueryCompleted
	case research.StatusFailed:
		typ = TypeQueryFailed
	}
	return Event{
		Type:       typ,
		QueryID:    q.ID,
		ProjectID:  q.ProjectID,
		QueryType:  string(q.Type),
		Status:     string(q.Status),
		Reason:     q.Reason,
		Progress:   progress,
		DatasetID:  q.DatasetID,
		OccurredAt: now,
	}
}

// Publisher delivers events. Delivery is best effort: callers log failures
// and carry on.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Noop drops every event.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }

// Multi fans an event out to several publishers. Every publisher is tried.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
