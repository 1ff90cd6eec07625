// Package gateway is the top-level orchestrator of the bridge engine.
// It composes the job store, the bounded queue and execution slot, the
// dispatch protocol state machine, and the lifecycle hook registry
// behind the submit / status / cancel / heartbeat entry points and the
// engine callback handlers.
//
// One coarse mutex serializes every state-changing path. The engine is
// single-writer (gateway and janitor), so finer locking buys nothing.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/unitybridge"
	"github.com/xraph/unitybridge/hook"
	"github.com/xraph/unitybridge/id"
	"github.com/xraph/unitybridge/job"
	"github.com/xraph/unitybridge/protocol"
	"github.com/xraph/unitybridge/queue"
)

// SnapshotGate validates a submit's OCC read token and write anchor
// against the external scene-revision service. It is consulted strictly
// before any state effect; a non-nil error rejects the submit with no
// mutation.
//
// Expected failures are the sentinel errors ErrStaleSnapshot,
// ErrSelectionUnavailable, and ErrAnchorConflict.
type SnapshotGate interface {
	Validate(ctx context.Context, readToken string, anchor *job.Anchor) error
}

// Persister saves the engine snapshot after a state change. The
// recovery manager satisfies it.
type Persister interface {
	Persist(ctx context.Context) error
}

// Gateway is the McpGateway: every external mutation of engine state
// funnels through it.
type Gateway struct {
	mu sync.Mutex

	jobs       *job.Store
	fifo       *queue.FIFO
	lock       *queue.Lock
	dispatcher *protocol.Dispatcher
	hooks      *hook.Registry

	gate      SnapshotGate
	admission *queue.Manager
	persister Persister

	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger for the gateway.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithClock overrides the gateway's clock. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		g.now = now
	}
}

// WithSnapshotGate sets the OCC gate consulted on submit. Without one,
// read tokens are accepted unchecked.
func WithSnapshotGate(gate SnapshotGate) Option {
	return func(g *Gateway) {
		g.gate = gate
	}
}

// WithAdmission sets the per-thread submit rate limiter.
func WithAdmission(m *queue.Manager) Option {
	return func(g *Gateway) {
		g.admission = m
	}
}

// NewGateway creates a gateway over the engine primitives. hooks may be
// nil when no extensions are registered.
func NewGateway(jobs *job.Store, fifo *queue.FIFO, lock *queue.Lock, dispatcher *protocol.Dispatcher, hooks *hook.Registry, opts ...Option) *Gateway {
	g := &Gateway{
		jobs:       jobs,
		fifo:       fifo,
		lock:       lock,
		dispatcher: dispatcher,
		hooks:      hooks,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.hooks == nil {
		g.hooks = hook.NewRegistry(g.logger)
	}
	return g
}

// SetPersister wires the snapshot persister after construction. The
// recovery manager needs the engine primitives to exist first, so the
// composition root builds both and then connects them here.
func (g *Gateway) SetPersister(p Persister) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.persister = p
}

func (g *Gateway) nowMS() int64 {
	return g.now().UnixMilli()
}

// ── submit ──

// SubmitTask admits one unit of editor work. The OCC gate runs before
// any state effect; an idempotency-key replay returns the existing job;
// when the slot is busy the job is queued, and a full queue rejects
// with no mutation at all.
func (g *Gateway) SubmitTask(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if g.gate != nil {
		if err := g.gate.Validate(ctx, req.BasedOnReadToken, req.WriteAnchor); err != nil {
			return nil, err
		}
	}

	if g.admission != nil && !g.admission.Allow(req.ThreadID) {
		return nil, fmt.Errorf("submit rate exceeded for thread %q: %w", req.ThreadID, unitybridge.ErrQueueFull)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if existing, ok := g.jobs.GetJobByIdempotencyKey(req.IdempotencyKey); ok {
		return g.submitResponseLocked(existing, true), nil
	}

	_, slotBusy := g.lock.Running()
	if slotBusy && g.fifo.Len() >= g.fifo.Capacity() {
		return nil, fmt.Errorf("queue at capacity %d: %w", g.fifo.Capacity(), unitybridge.ErrQueueFull)
	}

	j := &job.Job{
		ID:             id.NewJobID(),
		IdempotencyKey: req.IdempotencyKey,
		RequestID:      id.NewRequestID(),
		ThreadID:       req.ThreadID,
		TurnID:         req.TurnID,
		ApprovalMode:   req.ApprovalMode,
		UserIntent:     req.UserIntent,
		Context:        req.Context,
		WriteAnchor:    req.WriteAnchor,
		Lease:          job.Lease{OwnerClientID: req.OwnerClientID},
		Runtime: protocol.Runtime{
			FileActions:   req.FileActions,
			VisualActions: req.VisualActions,
			Phase:         protocol.PhaseAccepted,
		},
	}

	if slotBusy {
		j.Status = job.StatusQueued
		j.Stage = "queued"
		stored := g.jobs.UpsertJob(j)
		if _, err := g.fifo.Enqueue(stored.ID); err != nil {
			// Capacity was checked above; an error here means the queue
			// changed underneath us, which the mutex rules out.
			g.jobs.DeleteJob(stored.ID)
			return nil, err
		}
		g.hooks.EmitJobQueued(ctx, stored)
		g.persistLocked(ctx)
		g.logger.Info("job queued",
			slog.String("job_id", stored.ID.String()),
			slog.String("thread_id", stored.ThreadID),
			slog.Int("queue_len", g.fifo.Len()))
		return g.submitResponseLocked(stored, false), nil
	}

	j.Status = job.StatusPending
	j.Stage = "starting"
	stored := g.jobs.UpsertJob(j)
	started, err := g.startLocked(ctx, stored.ID)
	if err != nil {
		return nil, err
	}
	return g.submitResponseLocked(started, false), nil
}

// startLocked claims the slot for a job and drives the dispatcher's
// first step. Caller holds g.mu.
func (g *Gateway) startLocked(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	if !g.lock.Acquire(jobID) {
		holder, _ := g.lock.Running()
		return nil, fmt.Errorf("slot held by %s: %w", holder, unitybridge.ErrLockHeld)
	}

	started, err := g.jobs.UpdateJob(jobID, func(j *job.Job) {
		j.Status = job.StatusPending
		j.Stage = "starting"
	})
	if err != nil {
		g.lock.Release(jobID)
		return nil, err
	}

	g.hooks.EmitJobStarted(ctx, started)
	g.logger.Info("job started",
		slog.String("job_id", started.ID.String()),
		slog.String("request_id", started.RequestID.String()))

	rt, tr := g.dispatcher.Start(ctx, started.Runtime, started.RequestID.String())
	return g.applyTransitionLocked(ctx, started.ID, rt, tr)
}

// ── status, cancel, heartbeat ──

// TaskStatus returns the full status payload for a job. Polling is a
// liveness signal, so the lease is touched on every non-terminal read.
func (g *Gateway) TaskStatus(ctx context.Context, jobID id.JobID) (*StatusPayload, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	j, err := g.jobs.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	if !j.Terminal() {
		j, err = g.jobs.UpdateJob(jobID, func(u *job.Job) {
			u.Lease = job.TouchLease(u.Lease, g.nowMS(), "")
		})
		if err != nil {
			return nil, err
		}
	}
	return g.statusPayloadLocked(j), nil
}

// CancelTask cancels a job. Queued jobs leave the queue; the running
// job is finalized through the same path the janitor uses. Cancelling
// an already-terminal job returns its payload unchanged.
func (g *Gateway) CancelTask(ctx context.Context, jobID id.JobID) (*StatusPayload, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	j, err := g.jobs.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	if j.Terminal() {
		return g.statusPayloadLocked(j), nil
	}

	final, err := g.finalizeLocked(ctx, jobID, finalizeParams{
		status:  job.StatusCancelled,
		stage:   "cancelled",
		message: "cancelled by user",
	})
	if err != nil {
		return nil, err
	}
	return g.statusPayloadLocked(final), nil
}

// AutoCancel force-cancels a job on behalf of the janitor, recording
// the single auto-cancel reason and orphaning the lease. Terminal jobs
// are returned unchanged.
func (g *Gateway) AutoCancel(ctx context.Context, jobID id.JobID, code unitybridge.Code, reason string) (*job.Job, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	j, err := g.jobs.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	if j.Terminal() {
		return j, nil
	}

	return g.finalizeLocked(ctx, jobID, finalizeParams{
		status:           job.StatusCancelled,
		stage:            "cancelled",
		code:             code,
		message:          code.Suggestion(),
		autoCancelReason: reason,
		orphanLease:      true,
	})
}

// Heartbeat records a liveness signal for one job or for every
// non-terminal job on a thread. A job id that resolves to nothing is an
// error; a thread id never is.
func (g *Gateway) Heartbeat(ctx context.Context, req HeartbeatRequest) (*HeartbeatResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.nowMS()
	touched := 0

	if req.JobID != "" {
		jobID, err := id.ParseJobID(req.JobID)
		if err != nil {
			return nil, unitybridge.ErrJobNotFound
		}
		j, err := g.jobs.GetJob(jobID)
		if err != nil {
			return nil, err
		}
		if !j.Terminal() {
			if _, err := g.jobs.UpdateJob(jobID, func(u *job.Job) {
				u.Lease = job.TouchLease(u.Lease, now, req.OwnerClientID)
			}); err != nil {
				return nil, err
			}
			touched++
		}
	}

	if req.ThreadID != "" {
		for _, j := range g.jobs.ListJobs() {
			if j.Terminal() || j.ThreadID != req.ThreadID {
				continue
			}
			if req.JobID != "" && j.ID.String() == req.JobID {
				continue // already touched above
			}
			if _, err := g.jobs.UpdateJob(j.ID, func(u *job.Job) {
				u.Lease = job.TouchLease(u.Lease, now, req.OwnerClientID)
			}); err != nil {
				return nil, err
			}
			touched++
		}
	}

	return &HeartbeatResponse{TouchedJobCount: touched}, nil
}

// ── engine callbacks ──

// resolveCallbackLocked maps a request id to its job and checks the
// callback preconditions shared by every engine callback. A terminal
// job is returned with replay=true so callers can no-op. Caller holds
// g.mu.
func (g *Gateway) resolveCallbackLocked(requestID string) (j *job.Job, replay bool, err error) {
	rid, parseErr := id.ParseRequestID(requestID)
	if parseErr != nil {
		return nil, false, unitybridge.ErrRequestNotFound
	}
	j, ok := g.jobs.GetJobByRequestID(rid)
	if !ok {
		return nil, false, unitybridge.ErrRequestNotFound
	}
	if j.Terminal() {
		return j, true, nil
	}
	if !g.lock.Held(j.ID) {
		return nil, false, fmt.Errorf("job %s: %w", j.ID, unitybridge.ErrNotRunning)
	}
	return j, false, nil
}

// HandleCompileResult feeds the engine's compile answer to the running
// job identified by request id.
func (g *Gateway) HandleCompileResult(ctx context.Context, requestID string, res protocol.CompileResult) (*job.Job, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	j, replay, err := g.resolveCallbackLocked(requestID)
	if err != nil || replay {
		return j, err
	}

	rt, tr := g.dispatcher.HandleCompileResult(j.Runtime, j.RequestID.String(), res)
	return g.applyTransitionLocked(ctx, j.ID, rt, tr)
}

// HandleActionResult feeds the engine's visual action answer to the
// running job identified by request id.
func (g *Gateway) HandleActionResult(ctx context.Context, requestID string, res protocol.ActionResult) (*job.Job, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	j, replay, err := g.resolveCallbackLocked(requestID)
	if err != nil || replay {
		return j, err
	}

	rt, tr := g.dispatcher.HandleActionResult(j.Runtime, j.RequestID.String(), res)
	return g.applyTransitionLocked(ctx, j.ID, rt, tr)
}

// RuntimePing records an engine liveness ping for a thread. It resumes
// the running job if it is suspended on a reboot; an idle engine or an
// unrelated thread is a harmless no-op.
func (g *Gateway) RuntimePing(ctx context.Context, threadID string) (*job.Job, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	runningID, ok := g.lock.Running()
	if !ok {
		return nil, nil
	}
	j, err := g.jobs.GetJob(runningID)
	if err != nil {
		return nil, nil
	}
	if threadID != "" && j.ThreadID != threadID {
		return nil, nil
	}

	// A ping is a liveness signal for the running job's lease.
	j, err = g.jobs.UpdateJob(j.ID, func(u *job.Job) {
		u.Lease = job.TouchLease(u.Lease, g.nowMS(), "")
	})
	if err != nil {
		return nil, err
	}

	rt, tr := g.dispatcher.HandleRuntimePing(j.Runtime, j.RequestID.String())
	return g.applyTransitionLocked(ctx, j.ID, rt, tr)
}

// ── transition application and finalize ──

// applyTransitionLocked persists a dispatcher transition and performs
// its side effects. Invalid and mismatch transitions leave the job
// untouched and surface as errors. Caller holds g.mu.
func (g *Gateway) applyTransitionLocked(ctx context.Context, jobID id.JobID, rt protocol.Runtime, tr protocol.Transition) (*job.Job, error) {
	switch tr.Kind {
	case protocol.TransitionInvalid:
		return nil, fmt.Errorf("%s: %w", tr.FailureMessage, unitybridge.ErrPhaseInvalid)

	case protocol.TransitionMismatch:
		return nil, fmt.Errorf("%s: %w", tr.FailureMessage, unitybridge.ErrActionMismatch)

	case protocol.TransitionNone:
		return g.jobs.GetJob(jobID)

	case protocol.TransitionWaitingCompile, protocol.TransitionWaitingAction, protocol.TransitionSuspended:
		updated, err := g.jobs.UpdateJob(jobID, func(j *job.Job) {
			j.Runtime = rt
			j.Stage = tr.Stage
			j.ProgressMessage = progressMessage(tr)
		})
		if err != nil {
			return nil, err
		}
		g.hooks.EmitJobProgress(ctx, updated)
		g.persistLocked(ctx)
		return updated, nil

	case protocol.TransitionCompleted:
		return g.finalizeLocked(ctx, jobID, finalizeParams{
			status:  job.StatusSucceeded,
			stage:   tr.Stage,
			runtime: &rt,
		})

	case protocol.TransitionFailed:
		return g.finalizeLocked(ctx, jobID, finalizeParams{
			status:  job.StatusFailed,
			stage:   tr.Stage,
			code:    tr.FailureCode,
			message: tr.FailureMessage,
			runtime: &rt,
		})

	default:
		return nil, fmt.Errorf("unitybridge: unknown transition kind %q", tr.Kind)
	}
}

// finalizeParams carries the terminal outcome into finalizeLocked.
type finalizeParams struct {
	status           job.Status
	stage            string
	code             unitybridge.Code
	message          string
	autoCancelReason string
	orphanLease      bool

	// runtime, when set, is the final dispatcher state to persist
	// alongside the terminal status.
	runtime *protocol.Runtime
}

// finalizeLocked drives a job to its terminal state exactly once: one
// store update, one lock release, one queue removal, one finalized
// event, one persist, then promotion of the next queued job. A second
// call on a terminal job returns the record unchanged with no side
// effects. Caller holds g.mu.
func (g *Gateway) finalizeLocked(ctx context.Context, jobID id.JobID, p finalizeParams) (*job.Job, error) {
	current, err := g.jobs.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	if current.Terminal() {
		return current, nil
	}

	final, err := g.jobs.UpdateJob(jobID, func(j *job.Job) {
		if p.runtime != nil {
			j.Runtime = *p.runtime
		}
		j.Status = p.status
		j.Stage = p.stage
		j.ProgressMessage = ""
		j.AutoCancelReason = p.autoCancelReason
		if p.orphanLease {
			j.Lease.Orphaned = true
		}
		if p.code != "" {
			detail := unitybridge.Normalize(p.code, p.message)
			j.ErrorCode = detail.ErrorCode
			j.ErrorMessage = detail.ErrorMessage
			j.Suggestion = detail.Suggestion
			j.Recoverable = detail.Recoverable
		}
		j.ExecutionReport = buildReport(j, p)
	})
	if err != nil {
		return nil, err
	}

	g.lock.Release(jobID)
	g.fifo.Remove(jobID)

	elapsed := time.Duration(final.TerminalAt-final.CreatedAt) * time.Millisecond
	if elapsed < 0 {
		elapsed = 0
	}
	g.hooks.EmitJobFinalized(ctx, final, elapsed)
	g.persistLocked(ctx)

	g.logger.Info("job finalized",
		slog.String("job_id", final.ID.String()),
		slog.String("status", string(final.Status)),
		slog.String("error_code", string(final.ErrorCode)),
		slog.String("auto_cancel_reason", final.AutoCancelReason))

	g.promoteLocked(ctx)
	return final, nil
}

// promoteLocked starts the oldest queued job once the slot is free.
// Queue entries that no longer resolve to a queued job are skipped.
// Caller holds g.mu.
func (g *Gateway) promoteLocked(ctx context.Context) {
	if _, busy := g.lock.Running(); busy {
		return
	}

	for {
		next, ok := g.fifo.Dequeue()
		if !ok {
			return
		}
		j, err := g.jobs.GetJob(next)
		if err != nil || j.Status != job.StatusQueued {
			g.logger.Warn("skipping stale queue entry",
				slog.String("job_id", next.String()))
			continue
		}
		if _, err := g.startLocked(ctx, next); err != nil {
			g.logger.Error("promotion failed",
				slog.String("job_id", next.String()),
				slog.String("error", err.Error()))
		}
		return
	}
}

// buildReport assembles the terminal execution report from the job's
// final runtime. Called inside the store's update closure.
func buildReport(j *job.Job, p finalizeParams) *job.ExecutionReport {
	rep := &job.ExecutionReport{
		Success:          p.status == job.StatusSucceeded,
		FilesChanged:     j.Runtime.FilesChanged,
		ActionsCompleted: j.Runtime.NextVisualIndex,
		ActionsTotal:     len(j.Runtime.VisualActions),
		Message:          p.message,
	}
	if j.Runtime.LastCompileResult != nil {
		rep.CompileErrors = j.Runtime.LastCompileResult.Errors
	}
	return rep
}

// progressMessage renders the human progress line for a non-terminal
// transition.
func progressMessage(tr protocol.Transition) string {
	switch tr.Kind {
	case protocol.TransitionWaitingCompile:
		return "compiling project"
	case protocol.TransitionWaitingAction:
		if tr.ActionRequest != nil {
			return fmt.Sprintf("executing %s", tr.ActionRequest.Action.ActionType)
		}
		return "executing visual action"
	case protocol.TransitionSuspended:
		return "waiting for the Unity editor to finish rebooting"
	default:
		return ""
	}
}

// ── shared helpers ──

// RunningJobID returns the id of the job holding the execution slot, or
// the empty string.
func (g *Gateway) RunningJobID() string {
	if rid, ok := g.lock.Running(); ok {
		return rid.String()
	}
	return ""
}

func (g *Gateway) runningIDLocked() string {
	if rid, ok := g.lock.Running(); ok {
		return rid.String()
	}
	return ""
}

// persistLocked saves a snapshot after a state change. Persistence is
// best effort; failures are logged and never fail the operation.
func (g *Gateway) persistLocked(ctx context.Context) {
	if g.persister == nil {
		return
	}
	if err := g.persister.Persist(ctx); err != nil {
		g.logger.Warn("snapshot persist failed",
			slog.String("error", err.Error()))
	}
}
