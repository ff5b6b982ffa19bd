package research

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransition is returned when a status change would leave a
// terminal state or skip the lifecycle.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrQueryClosed is returned for work on a query that already reached a
// terminal state.
var ErrQueryClosed = errors.New("query is closed")

// CanTransition reports whether a query may move from one status to another.
// Terminal states are absorbing. pending→failed covers cancellation before
// any task exists.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing || to == StatusFailed
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// Transition moves the query to status to, recording reason.
func (q *Query) Transition(to Status, reason string, now time.Time) error {
	if !CanTransition(q.Status, to) {
		return fmt.Errorf("%w: query %s %s -> %s", ErrInvalidTransition, q.ID, q.Status, to)
	}
	q.Status = to
	q.Reason = reason
	q.UpdatedAt = now
	if to.IsTerminal() {
		t := now
		q.CompletedAt = &t
	}
	return nil
}

// Tally summarizes where each sub-request of a query stands.
type Tally struct {
	Total     int
	Completed int
	Failed    int
	Cached    int
	InFlight  int
	// Queued sub-requests have neither a task nor a cache hit yet.
	Queued int
}

// TallyQuery matches sub-requests against tasks and cache hits by key.
func TallyQuery(subs []SubRequest, tasks []*Task, cached []CachedResult) Tally {
	byKey := make(map[string]*Task, len(tasks))
	for _, t := range tasks {
		byKey[t.SubRequestKey] = t
	}
	hit := make(map[string]bool, len(cached))
	for _, c := range cached {
		hit[c.Key] = true
	}

	tally := Tally{Total: len(subs)}
	for _, sub := range subs {
		if hit[sub.Key] {
			tally.Cached++
			continue
		}
		t, ok := byKey[sub.Key]
		if !ok {
			tally.Queued++
			continue
		}
		switch t.Status {
		case StatusCompleted:
			tally.Completed++
		case StatusFailed:
			tally.Failed++
		default:
			tally.InFlight++
		}
	}
	return tally
}

// Progress is the share of sub-requests that reached a final outcome.
func (t Tally) Progress() float64 {
	if t.Total == 0 {
		return 0
	}
	return float64(t.Completed+t.Failed+t.Cached) / float64(t.Total)
}

// Outcome returns the terminal status the query should take, or false while
// work remains. Any success makes the query completed.
func (t Tally) Outcome() (Status, bool) {
	if t.InFlight > 0 || t.Queued > 0 {
		return StatusProcessing, false
	}
	if t.Completed+t.Cached > 0 {
		return StatusCompleted, true
	}
	return StatusFailed, true
}
