// Package hook defines the extension system for the bridge.
// Extensions are notified of lifecycle events (job queued, started,
// progressed, finalized, query resolved) and can react to them, for
// example with logging, metrics, or stream fan-out.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package hook

import (
	"context"
	"time"

	"github.com/xraph/unitybridge/job"
	"github.com/xraph/unitybridge/query"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Job lifecycle hooks
// ──────────────────────────────────────────────────

// JobQueued is called after a job is admitted, whether it starts
// immediately or waits in the queue.
type JobQueued interface {
	OnJobQueued(ctx context.Context, j *job.Job) error
}

// JobStarted is called when a job acquires the execution slot and the
// protocol begins.
type JobStarted interface {
	OnJobStarted(ctx context.Context, j *job.Job) error
}

// JobProgress is called after every non-terminal protocol transition.
type JobProgress interface {
	OnJobProgress(ctx context.Context, j *job.Job) error
}

// JobFinalized is called exactly once when a job reaches a terminal
// state, for any cause (success, failure, cancel, auto-cancel).
type JobFinalized interface {
	OnJobFinalized(ctx context.Context, j *job.Job, elapsed time.Duration) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// QueryResolved is called when a query reaches a terminal state
// (reported, failed, or timed out).
type QueryResolved interface {
	OnQueryResolved(ctx context.Context, q *query.Query) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
