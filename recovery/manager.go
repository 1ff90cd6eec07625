package recovery

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/xraph/unitybridge"
	"github.com/xraph/unitybridge/id"
	"github.com/xraph/unitybridge/job"
	"github.com/xraph/unitybridge/queue"
)

// Manager snapshots and restores the engine's in-memory state. Persist
// serializes the whole job store, queue, and slot into one snapshot;
// Restore replaces them wholesale and reconciles the indexes so a
// corrupt or half-written snapshot cannot wedge the engine.
type Manager struct {
	jobs  *job.Store
	fifo  *queue.FIFO
	lock  *queue.Lock
	snaps SnapshotStore

	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	// mu serializes Persist so concurrent finalizations cannot
	// interleave half-built snapshots.
	mu sync.Mutex
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithSnapshotTTL sets how long terminal jobs survive before
// CleanupExpired drops them.
func WithSnapshotTTL(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.ttl = d
		}
	}
}

// WithClock overrides the clock. Used in tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a recovery manager over the given live state.
// snaps may be nil, in which case Persist and Restore become no-ops.
func NewManager(jobs *job.Store, fifo *queue.FIFO, lock *queue.Lock, snaps SnapshotStore, opts ...ManagerOption) *Manager {
	m := &Manager{
		jobs:   jobs,
		fifo:   fifo,
		lock:   lock,
		snaps:  snaps,
		ttl:    24 * time.Hour,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Persist writes the current engine state as one snapshot.
func (m *Manager) Persist(ctx context.Context) error {
	if m.snaps == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	snap := &Snapshot{
		Version:   SnapshotVersion,
		SavedAtMS: m.now().UnixMilli(),
		Jobs:      m.jobs.ListJobs(),
	}
	if running, ok := m.lock.Running(); ok {
		snap.RunningJobID = running.String()
	}
	for _, jobID := range m.fifo.IDs() {
		snap.QueuedJobIDs = append(snap.QueuedJobIDs, jobID.String())
	}

	if err := m.snaps.SaveSnapshot(ctx, snap); err != nil {
		m.logger.Error("snapshot persist failed",
			slog.Int("jobs", len(snap.Jobs)),
			slog.String("error", err.Error()))
		return err
	}
	return nil
}

// Restore hydrates the engine state from the stored snapshot. A missing
// snapshot or a version mismatch leaves the engine empty; reconciliation
// then repairs whatever the snapshot claims:
//
//   - queued ids that do not reference a queued job are dropped
//   - the running slot is cleared unless its job is still pending
//   - with the slot empty, the oldest pending job is promoted into it
//   - surplus pending jobs are demoted back to queued
func (m *Manager) Restore(ctx context.Context) error {
	if m.snaps == nil {
		return nil
	}

	snap, err := m.snaps.LoadSnapshot(ctx)
	if err != nil {
		if errors.Is(err, unitybridge.ErrSnapshotNotFound) {
			m.logger.Info("no snapshot to restore, starting empty")
			return nil
		}
		return err
	}
	if snap.Version != SnapshotVersion {
		m.logger.Warn("discarding snapshot with unknown version",
			slog.Int("version", snap.Version),
			slog.Int("want", SnapshotVersion))
		return nil
	}

	m.jobs.ReplaceJobs(snap.Jobs)

	// Rebuild the queue from ids that still reference queued jobs.
	var queued []id.JobID
	for _, raw := range snap.QueuedJobIDs {
		jobID, perr := id.ParseJobID(raw)
		if perr != nil {
			m.logger.Warn("dropping unparseable queued id", slog.String("id", raw))
			continue
		}
		j, gerr := m.jobs.GetJob(jobID)
		if gerr != nil || j.Status != job.StatusQueued {
			continue
		}
		queued = append(queued, jobID)
	}
	m.fifo.Replace(queued)

	// Collect pending jobs oldest first.
	var pending []*job.Job
	for _, j := range m.jobs.ListJobs() {
		if j.Status == job.StatusPending {
			pending = append(pending, j)
		}
	}
	sort.Slice(pending, func(i, k int) bool {
		if pending[i].CreatedAt != pending[k].CreatedAt {
			return pending[i].CreatedAt < pending[k].CreatedAt
		}
		return pending[i].ID.String() < pending[k].ID.String()
	})

	// The recorded holder wins if its job is still pending, otherwise
	// the oldest pending job takes the slot.
	running := id.Nil
	if snap.RunningJobID != "" {
		if jobID, perr := id.ParseJobID(snap.RunningJobID); perr == nil {
			if j, gerr := m.jobs.GetJob(jobID); gerr == nil && j.Status == job.StatusPending {
				running = jobID
			}
		}
	}
	if running.IsNil() && len(pending) > 0 {
		running = pending[0].ID
	}
	m.lock.Reset(running)

	// Any other pending job lost the slot race; demote it to queued so
	// it goes through dispatch again.
	for _, p := range pending {
		if p.ID.String() == running.String() {
			continue
		}
		demoted := p.ID
		if _, uerr := m.jobs.UpdateJob(demoted, func(j *job.Job) {
			j.Status = job.StatusQueued
			j.Stage = ""
		}); uerr == nil {
			if _, qerr := m.fifo.Enqueue(demoted); qerr != nil {
				m.logger.Warn("demoted job does not fit the queue",
					slog.String("job_id", demoted.String()))
			}
		}
	}

	m.logger.Info("restored snapshot",
		slog.Int("jobs", m.jobs.CountJobs()),
		slog.Int("queued", m.fifo.Len()),
		slog.Bool("running", !running.IsNil()))
	return nil
}

// CleanupExpired drops terminal jobs older than the snapshot TTL and
// persists the shrunken state. Returns how many jobs were removed.
func (m *Manager) CleanupExpired(ctx context.Context) int {
	cutoff := m.now().UnixMilli() - m.ttl.Milliseconds()
	removed := 0
	for _, j := range m.jobs.ListJobs() {
		if j.Terminal() && j.TerminalAt > 0 && j.TerminalAt < cutoff {
			m.jobs.DeleteJob(j.ID)
			removed++
		}
	}
	if removed > 0 {
		m.logger.Info("cleaned up expired jobs", slog.Int("removed", removed))
		if err := m.Persist(ctx); err != nil {
			m.logger.Warn("persist after cleanup failed", slog.String("error", err.Error()))
		}
	}
	return removed
}

// RunMaintenance blocks, running CleanupExpired on the given cron
// schedule (standard 5-field syntax) until ctx is cancelled.
func (m *Manager) RunMaintenance(ctx context.Context, schedule string) error {
	sched, err := cron.ParseStandard(schedule)
	if err != nil {
		return err
	}

	for {
		next := sched.Next(m.now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			m.CleanupExpired(ctx)
		}
	}
}
