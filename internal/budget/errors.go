package budget

import (
	"errors"
	"fmt"
	"time"

	"github.com/eternisai/seo-research/internal/research"
)

var (
	// ErrBudgetExceeded is returned when a charge would push a role past its limit.
	ErrBudgetExceeded = errors.New("budget exceeded")
	// ErrVolumeLimitExceeded is returned when a query asks for more items than its type allows.
	ErrVolumeLimitExceeded = errors.New("volume limit exceeded")
	// ErrOverage is returned by Commit when the actual cost exceeds the
	// estimate by more than the configured tolerance.
	ErrOverage = errors.New("actual cost exceeds estimate beyond tolerance")
	// ErrReservationSettled is returned when a reservation is committed or
	// released a second time.
	ErrReservationSettled = errors.New("reservation already settled")
	// ErrUnknownRole is returned for roles without a configured budget.
	ErrUnknownRole = errors.New("no budget configured for role")
	// ErrContention is returned when a budget row kept changing underneath
	// every update attempt.
	ErrContention = errors.New("budget update contention")
)

// Rejection reasons.
const (
	ReasonLimit        = "budget_exceeded"
	ReasonMaxQueryCost = "max_query_cost_exceeded"
)

// RejectionError describes a refused charge. It unwraps to ErrBudgetExceeded.
type RejectionError struct {
	Role      string
	Reason    string
	Unit      string
	Limit     research.Micros
	Spent     research.Micros
	Reserved  research.Micros
	Requested research.Micros
	ResetAt   time.Time
}

func (e *RejectionError) Error() string {
	if e.Reason == ReasonMaxQueryCost {
		return fmt.Sprintf("budget exceeded: role %s: query cost %s %s is above the per-query cap %s",
			e.Role, e.Requested, e.Unit, e.Limit)
	}
	return fmt.Sprintf("budget exceeded: role %s: requested %s %s with %s spent and %s reserved of %s",
		e.Role, e.Requested, e.Unit, e.Spent, e.Reserved, e.Limit)
}

func (e *RejectionError) Unwrap() error {
	return ErrBudgetExceeded
}

// VolumeError describes a query that asks for too many items. It unwraps to
// ErrVolumeLimitExceeded.
type VolumeError struct {
	Type   research.QueryType
	Volume int
	Max    int
}

func (e *VolumeError) Error() string {
	return fmt.Sprintf("volume limit exceeded: %s requests %d items, at most %d allowed", e.Type, e.Volume, e.Max)
}

func (e *VolumeError) Unwrap() error {
	return ErrVolumeLimitExceeded
}
