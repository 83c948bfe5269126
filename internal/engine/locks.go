package engine

import "sync"

// runLocks serializes transitions per run ID. Entries are reference
// counted and removed once the last holder releases, so parked runs
// cost nothing while they wait.
type runLocks struct {
	mu    sync.Mutex
	locks map[string]*runLock
}

type runLock struct {
	mu   sync.Mutex
	refs int
}

func newRunLocks() *runLocks {
	return &runLocks{locks: make(map[string]*runLock)}
}

// lock acquires the lock for runID and returns its release func.
func (r *runLocks) lock(runID string) func() {
	r.mu.Lock()
	l, ok := r.locks[runID]
	if !ok {
		l = &runLock{}
		r.locks[runID] = l
	}
	l.refs++
	r.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, runID)
		}
		r.mu.Unlock()
	}
}
