// Package eventstest records published events for assertions.
package eventstest

import (
	"context"
	"sync"

	"github.com/eternisai/seo-research/internal/events"
)

// Recorder is a Publisher that keeps every event.
type Recorder struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (r *Recorder) Publish(ctx context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

// Fail makes every later Publish return err after recording the event.
func (r *Recorder) Fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

// Events returns the recorded events in publish order.
func (r *Recorder) Events() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

// ForQuery returns the events recorded for one query.
func (r *Recorder) ForQuery(queryID string) []events.Event {
	var out []events.Event
	for _, e := range r.Events() {
		if e.QueryID == queryID {
			out = append(out, e)
		}
	}
	return out
}

var _ events.Publisher = (*Recorder)(nil)
