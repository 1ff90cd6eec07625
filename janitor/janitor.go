// Package janitor implements the lease liveness sweep. On a fixed
// interval it refreshes leases from stream liveness, evaluates the
// three timeout axes for every non-terminal job, and force-cancels
// stale work through the gateway's finalize path.
package janitor

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/xraph/unitybridge"
	"github.com/xraph/unitybridge/id"
	"github.com/xraph/unitybridge/job"
	"github.com/xraph/unitybridge/protocol"
)

// Liveness reports whether a thread has an active stream subscriber.
// The stream broker satisfies it.
type Liveness interface {
	ThreadLive(threadID string) bool
}

// Canceller force-cancels a job with an auto-cancel reason. The gateway
// satisfies it.
type Canceller interface {
	AutoCancel(ctx context.Context, jobID id.JobID, code unitybridge.Code, reason string) (*job.Job, error)
}

// Janitor sweeps job leases. A sweep in progress makes overlapping
// timer firings no-ops.
type Janitor struct {
	jobs      *job.Store
	canceller Canceller
	live      Liveness

	heartbeatTimeout  time.Duration
	maxRuntime        time.Duration
	rebootWaitTimeout time.Duration
	interval          time.Duration

	logger   *slog.Logger
	now      func() time.Time
	sweeping atomic.Bool
}

// Option configures a Janitor.
type Option func(*Janitor)

// WithLogger sets the logger for the janitor.
func WithLogger(logger *slog.Logger) Option {
	return func(j *Janitor) {
		j.logger = logger
	}
}

// WithClock overrides the janitor's clock. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(j *Janitor) {
		j.now = now
	}
}

// WithLiveness sets the stream liveness source. Without one, leases are
// refreshed only by explicit heartbeats and status polls.
func WithLiveness(l Liveness) Option {
	return func(j *Janitor) {
		j.live = l
	}
}

// New creates a janitor over the job store and the gateway cancel path.
// Timeout budgets come from the engine config; per-job lease budgets
// override the heartbeat and runtime values where set.
func New(jobs *job.Store, canceller Canceller, cfg unitybridge.Config, opts ...Option) *Janitor {
	j := &Janitor{
		jobs:              jobs,
		canceller:         canceller,
		heartbeatTimeout:  cfg.HeartbeatTimeout,
		maxRuntime:        cfg.MaxRuntime,
		rebootWaitTimeout: cfg.RebootWaitTimeout,
		interval:          cfg.SweepInterval,
		logger:            slog.Default(),
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Run sweeps on the configured interval until the context is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep runs one pass and returns how many jobs it cancelled. A
// concurrent sweep already in progress makes this call a no-op.
func (j *Janitor) Sweep(ctx context.Context) int {
	if !j.sweeping.CompareAndSwap(false, true) {
		return 0
	}
	defer j.sweeping.Store(false)

	now := j.now().UnixMilli()
	cancelled := 0

	for _, current := range j.jobs.ListJobs() {
		if current.Terminal() {
			continue
		}

		// An active stream subscriber on the job's thread counts as a
		// heartbeat.
		if j.live != nil && current.ThreadID != "" && j.live.ThreadLive(current.ThreadID) {
			touched, err := j.jobs.UpdateJob(current.ID, func(u *job.Job) {
				u.Lease = job.TouchLease(u.Lease, now, "")
			})
			if err != nil {
				continue
			}
			current = touched
		}

		code, reason, ok := j.evaluate(current, now)
		if !ok {
			continue
		}

		if _, err := j.canceller.AutoCancel(ctx, current.ID, code, reason); err != nil {
			j.logger.Error("auto-cancel failed",
				slog.String("job_id", current.ID.String()),
				slog.String("reason", reason),
				slog.String("error", err.Error()))
			continue
		}
		cancelled++
		j.logger.Warn("job auto-cancelled",
			slog.String("job_id", current.ID.String()),
			slog.String("reason", reason),
			slog.String("thread_id", current.ThreadID))
	}

	return cancelled
}

// evaluate checks the timeout axes in priority order: reboot-wait,
// then max-runtime, then heartbeat. The first match wins so exactly one
// reason is ever recorded.
func (j *Janitor) evaluate(current *job.Job, now int64) (unitybridge.Code, string, bool) {
	if current.Runtime.Phase == protocol.PhaseWaitingForUnityReboot &&
		current.Runtime.RebootWaitStartedAt > 0 &&
		now-current.Runtime.RebootWaitStartedAt > j.rebootWaitTimeout.Milliseconds() {
		return unitybridge.CodeRebootWaitTimeout, job.AutoCancelRebootWaitTimeout, true
	}

	maxRuntimeMS := current.Lease.MaxRuntimeMS
	if maxRuntimeMS <= 0 {
		maxRuntimeMS = j.maxRuntime.Milliseconds()
	}
	if maxRuntimeMS > 0 && current.CreatedAt > 0 && now-current.CreatedAt > maxRuntimeMS {
		return unitybridge.CodeMaxRuntimeExceeded, job.AutoCancelMaxRuntime, true
	}

	heartbeatMS := current.Lease.HeartbeatTimeoutMS
	if heartbeatMS <= 0 {
		heartbeatMS = j.heartbeatTimeout.Milliseconds()
	}
	if heartbeatMS > 0 && current.Lease.LastHeartbeatAt > 0 &&
		now-current.Lease.LastHeartbeatAt > heartbeatMS {
		return unitybridge.CodeHeartbeatTimeout, job.AutoCancelHeartbeatTimeout, true
	}

	return "", "", false
}
