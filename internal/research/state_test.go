package research

import (
	"errors"
	"testing"
	"time"
)

func TestTransitionTerminalIsAbsorbing(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q := &Query{ID: "q1", Status: StatusPending}

	if err := q.Transition(StatusProcessing, "", now); err != nil {
		t.Fatalf("pending -> processing: %v", err)
	}
	if err := q.Transition(StatusCompleted, "", now); err != nil {
		t.Fatalf("processing -> completed: %v", err)
	}
	if q.CompletedAt == nil || !q.CompletedAt.Equal(now) {
		t.Errorf("CompletedAt = %v, want %v", q.CompletedAt, now)
	}

	for _, to := range []Status{StatusPending, StatusProcessing, StatusFailed} {
		if err := q.Transition(to, "", now); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("completed -> %s: err = %v, want ErrInvalidTransition", to, err)
		}
	}
	if q.Status != StatusCompleted {
		t.Errorf("status regressed to %s", q.Status)
	}
}

func TestTallyOutcome(t *testing.T) {
	subs := []SubRequest{{Key: "a"}, {Key: "b"}, {Key: "c"}}

	tests := []struct {
		name       string
		tasks      []*Task
		cached     []CachedResult
		wantStatus Status
		wantFinal  bool
		progress   float64
	}{
		{
			name:       "queued work keeps processing",
			tasks:      []*Task{{SubRequestKey: "a", Status: StatusCompleted}},
			wantStatus: StatusProcessing,
			progress:   1.0 / 3,
		},
		{
			name: "partial success completes",
			tasks: []*Task{
				{SubRequestKey: "a", Status: StatusCompleted},
				{SubRequestKey: "b", Status: StatusFailed},
			},
			cached:     []CachedResult{{Key: "c"}},
			wantStatus: StatusCompleted,
			wantFinal:  true,
			progress:   1,
		},
		{
			name: "all failed fails",
			tasks: []*Task{
				{SubRequestKey: "a", Status: StatusFailed},
				{SubRequestKey: "b", Status: StatusFailed},
				{SubRequestKey: "c", Status: StatusFailed},
			},
			wantStatus: StatusFailed,
			wantFinal:  true,
			progress:   1,
		},
		{
			name: "in flight",
			tasks: []*Task{
				{SubRequestKey: "a", Status: StatusProcessing},
				{SubRequestKey: "b", Status: StatusPending},
			},
			cached:     []CachedResult{{Key: "c"}},
			wantStatus: StatusProcessing,
			progress:   1.0 / 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tally := TallyQuery(subs, tt.tasks, tt.cached)
			status, final := tally.Outcome()
			if status != tt.wantStatus || final != tt.wantFinal {
				t.Errorf("Outcome = (%s, %v), want (%s, %v)", status, final, tt.wantStatus, tt.wantFinal)
			}
			if got := tally.Progress(); got != tt.progress {
				t.Errorf("Progress = %v, want %v", got, tt.progress)
			}
		})
	}
}

func TestPeriodAdvance(t *testing.T) {
	now := time.Date(2026, 3, 18, 15, 0, 0, 0, time.UTC) // Wednesday

	if got, want := PeriodMonthly.FirstReset(now), time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("monthly FirstReset = %v, want %v", got, want)
	}
	if got, want := PeriodWeekly.FirstReset(now), time.Date(2026, 3, 23, 0, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("weekly FirstReset = %v, want %v", got, want)
	}

	stale := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if got, want := PeriodMonthly.Advance(stale, now), time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("Advance = %v, want %v", got, want)
	}
}
