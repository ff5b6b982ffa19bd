package budget

import (
	"github.com/eternisai/seo-research/internal/research"
)

// DefaultConcurrency applies to query types without a configured ceiling.
const DefaultConcurrency = 5

// TypeLimits are the cost-independent caps of one query type.
type TypeLimits struct {
	// MaxItems caps Params.Volume. Zero disables the cap.
	MaxItems int
	// MaxConcurrentTasks caps in-flight tasks of one query.
	MaxConcurrentTasks int
}

// Limits holds per-type admission caps.
type Limits struct {
	types map[research.QueryType]TypeLimits
}

func NewLimits(types map[research.QueryType]TypeLimits) *Limits {
	return &Limits{types: types}
}

// CheckVolume rejects queries whose item count is above the type's cap.
func (l *Limits) CheckVolume(t research.QueryType, volume int) error {
	max := l.types[t].MaxItems
	if max > 0 && volume > max {
		return &VolumeError{Type: t, Volume: volume, Max: max}
	}
	return nil
}

// Concurrency returns how many tasks of one query of type t may be in flight.
func (l *Limits) Concurrency(t research.QueryType) int {
	if n := l.types[t].MaxConcurrentTasks; n > 0 {
		return n
	}
	return DefaultConcurrency
}
