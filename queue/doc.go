// Package queue holds the admission primitives in front of the single
// execution slot.
//
// The editor can only run one mutation at a time, so there is exactly
// one [Lock] slot and one bounded [FIFO] of jobs waiting for it.
// Enqueue is idempotent (re-enqueuing a queued id reports a replay
// instead of creating a duplicate) and fails once the queue is at
// capacity.
//
// [Manager] rate-limits submissions per thread with a token-bucket
// limiter (golang.org/x/time/rate) so one runaway planner loop cannot
// starve the queue:
//
//	m := queue.NewManager(queue.AdmissionConfig{RatePerSecond: 2, Burst: 5})
//	if !m.Allow(threadID) {
//	    // reject the submit before it reaches the store
//	}
package queue
