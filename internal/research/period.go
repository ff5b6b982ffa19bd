package research

import (
	"fmt"
	"time"
)

// Period is the recurrence of a budget. Boundaries fall at 00:00 UTC.
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
)

// Validate checks that p is a known period.
func (p Period) Validate() error {
	switch p {
	case PeriodDaily, PeriodWeekly, PeriodMonthly:
		return nil
	default:
		return fmt.Errorf("unknown budget period %q", p)
	}
}

// FirstReset returns the first period boundary strictly after now.
// Weekly periods reset on Mondays, monthly ones on the 1st.
func (p Period) FirstReset(now time.Time) time.Time {
	now = now.UTC()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	switch p {
	case PeriodDaily:
		return day.AddDate(0, 0, 1)
	case PeriodWeekly:
		daysUntilMonday := (8 - int(now.Weekday())) % 7
		if daysUntilMonday == 0 {
			daysUntilMonday = 7
		}
		return day.AddDate(0, 0, daysUntilMonday)
	default:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	}
}

// Advance moves resetAt forward by whole periods until it is after now.
func (p Period) Advance(resetAt, now time.Time) time.Time {
	for !resetAt.After(now) {
		switch p {
		case PeriodDaily:
			resetAt = resetAt.AddDate(0, 0, 1)
		case PeriodWeekly:
			resetAt = resetAt.AddDate(0, 0, 7)
		default:
			resetAt = resetAt.AddDate(0, 1, 0)
		}
	}
	return resetAt
}
