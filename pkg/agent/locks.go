package agent

import "sync"

// runLocks serializes work per run id. Two concurrent dispatches (or a
// dispatch racing a start) on the same run take the same lock; different
// runs proceed in parallel. Locks are never removed; runs are few and
// the entries are two words each.
type runLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newRunLocks() *runLocks {
	return &runLocks{locks: make(map[string]*sync.Mutex)}
}

// acquire blocks until the per-run lock is held and returns the release
// function.
func (l *runLocks) acquire(runID string) func() {
	l.mu.Lock()
	lock, ok := l.locks[runID]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[runID] = lock
	}
	l.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}
