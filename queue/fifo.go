package queue

import (
	"sync"

	"github.com/xraph/unitybridge"
	"github.com/xraph/unitybridge/id"
)

// FIFO is the bounded queue of job ids waiting for the execution slot.
// It holds no duplicates; re-enqueuing a queued id is reported as a
// replay rather than an error.
type FIFO struct {
	mu       sync.Mutex
	ids      []id.JobID
	capacity int
}

// NewFIFO creates a queue bounded at capacity. A non-positive capacity
// falls back to 1.
func NewFIFO(capacity int) *FIFO {
	if capacity <= 0 {
		capacity = 1
	}
	return &FIFO{capacity: capacity}
}

// Enqueue appends a job id. It reports replay=true when the id is
// already queued, and ErrQueueFull once the queue is at capacity.
func (q *FIFO) Enqueue(jobID id.JobID) (replay bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, existing := range q.ids {
		if existing.String() == jobID.String() {
			return true, nil
		}
	}
	if len(q.ids) >= q.capacity {
		return false, unitybridge.ErrQueueFull
	}
	q.ids = append(q.ids, jobID)
	return false, nil
}

// Dequeue pops the oldest queued id.
func (q *FIFO) Dequeue() (id.JobID, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.ids) == 0 {
		return id.Nil, false
	}
	head := q.ids[0]
	q.ids = append(q.ids[:0], q.ids[1:]...)
	return head, true
}

// Remove deletes a job id from anywhere in the queue. Reports whether
// it was present.
func (q *FIFO) Remove(jobID id.JobID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, existing := range q.ids {
		if existing.String() == jobID.String() {
			q.ids = append(q.ids[:i], q.ids[i+1:]...)
			return true
		}
	}
	return false
}

// Contains reports whether a job id is queued.
func (q *FIFO) Contains(jobID id.JobID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, existing := range q.ids {
		if existing.String() == jobID.String() {
			return true
		}
	}
	return false
}

// IDs returns the queued ids in order, oldest first.
func (q *FIFO) IDs() []id.JobID {
	q.mu.Lock()
	defer q.mu.Unlock()

	return append([]id.JobID(nil), q.ids...)
}

// Len returns the number of queued ids.
func (q *FIFO) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.ids)
}

// Capacity returns the queue bound.
func (q *FIFO) Capacity() int {
	return q.capacity
}

// Replace swaps the queue contents wholesale, dropping duplicates and
// truncating at capacity. Used by recovery.
func (q *FIFO) Replace(ids []id.JobID) {
	q.mu.Lock()
	defer q.mu.Unlock()

	seen := make(map[string]struct{}, len(ids))
	next := make([]id.JobID, 0, len(ids))
	for _, jobID := range ids {
		if jobID.IsNil() {
			continue
		}
		if _, dup := seen[jobID.String()]; dup {
			continue
		}
		if len(next) >= q.capacity {
			break
		}
		seen[jobID.String()] = struct{}{}
		next = append(next, jobID)
	}
	q.ids = next
}
