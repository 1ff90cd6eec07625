// Package recovery persists engine state snapshots and rebuilds the
// job store, queue, and execution slot from them after a restart. The
// snapshot is written wholesale on every meaningful change and read
// back exactly once at boot; stale entries are reconciled rather than
// trusted.
package recovery

import (
	"context"

	"github.com/xraph/unitybridge/job"
)

// SnapshotVersion is the current snapshot schema version. A loaded
// snapshot with a different version is discarded at boot.
const SnapshotVersion = 1

// Snapshot is the serialized engine state: every job record plus the
// queue order and the execution slot holder.
type Snapshot struct {
	Version      int        `json:"version"`
	SavedAtMS    int64      `json:"saved_at_ms"`
	RunningJobID string     `json:"running_job_id,omitempty"`
	QueuedJobIDs []string   `json:"queued_job_ids,omitempty"`
	Jobs         []*job.Job `json:"jobs"`
}

// SnapshotStore persists one snapshot per bridge instance. Backends
// live under store/.
type SnapshotStore interface {
	// SaveSnapshot overwrites the stored snapshot.
	SaveSnapshot(ctx context.Context, snap *Snapshot) error

	// LoadSnapshot returns the stored snapshot, or
	// unitybridge.ErrSnapshotNotFound when none has been saved.
	LoadSnapshot(ctx context.Context) (*Snapshot, error)

	// DeleteSnapshot removes the stored snapshot.
	DeleteSnapshot(ctx context.Context) error
}
