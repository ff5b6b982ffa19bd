package dispatch

import "sync"

// queryLocks serializes dispatch rounds of the same query within the process.
type queryLocks struct {
	mu    sync.Mutex
	locks map[string]*queryLock
}

type queryLock struct {
	sync.Mutex
	refs int
}

func newQueryLocks() *queryLocks {
	return &queryLocks{locks: make(map[string]*queryLock)}
}

// lock blocks until queryID is free and returns the matching unlock.
func (l *queryLocks) lock(queryID string) func() {
	l.mu.Lock()
	ql, ok := l.locks[queryID]
	if !ok {
		ql = &queryLock{}
		l.locks[queryID] = ql
	}
	ql.refs++
	l.mu.Unlock()

	ql.Lock()
	return func() {
		ql.Unlock()

		l.mu.Lock()
		ql.refs--
		if ql.refs == 0 {
			delete(l.locks, queryID)
		}
		l.mu.Unlock()
	}
}
