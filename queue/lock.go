package queue

import (
	"sync"

	"github.com/xraph/unitybridge/id"
)

// Lock is the single execution slot. At most one job id may hold it,
// and the slot is non-empty only while that job is non-terminal.
type Lock struct {
	mu      sync.Mutex
	running id.JobID
}

// NewLock creates an empty lock.
func NewLock() *Lock {
	return &Lock{}
}

// Acquire claims the slot for jobID. It succeeds when the slot is empty
// or already held by the same id (idempotent re-acquire by the owner).
func (l *Lock) Acquire(jobID id.JobID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running.IsNil() || l.running.String() == jobID.String() {
		l.running = jobID
		return true
	}
	return false
}

// Release clears the slot if jobID holds it. Releasing an empty slot or
// a slot held by another job is a guarded no-op.
func (l *Lock) Release(jobID id.JobID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running.IsNil() {
		return true
	}
	if l.running.String() == jobID.String() {
		l.running = id.Nil
		return true
	}
	return false
}

// Running returns the current holder, if any.
func (l *Lock) Running() (id.JobID, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running.IsNil() {
		return id.Nil, false
	}
	return l.running, true
}

// Held reports whether jobID currently holds the slot.
func (l *Lock) Held(jobID id.JobID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return !l.running.IsNil() && l.running.String() == jobID.String()
}

// Reset forces the slot to a specific holder, or empties it when given
// the nil id. Used by recovery when hydrating from a snapshot.
func (l *Lock) Reset(jobID id.JobID) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.running = jobID
}
