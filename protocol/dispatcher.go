package protocol

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/unitybridge"
)

// TransitionKind tags the outcome of one dispatcher step.
type TransitionKind string

const (
	// TransitionWaitingCompile means a compile request was emitted and
	// the job now awaits a compile result.
	TransitionWaitingCompile TransitionKind = "waiting_compile"
	// TransitionWaitingAction means a visual action request was
	// emitted and the job awaits its result.
	TransitionWaitingAction TransitionKind = "waiting_action"
	// TransitionSuspended means the engine is rebooting and the job
	// is parked until the next runtime ping.
	TransitionSuspended TransitionKind = "suspended"
	// TransitionCompleted means the protocol finished successfully.
	TransitionCompleted TransitionKind = "completed"
	// TransitionFailed means the protocol failed terminally.
	TransitionFailed TransitionKind = "failed"
	// TransitionInvalid means the event does not apply to the current
	// phase. The runtime is unchanged.
	TransitionInvalid TransitionKind = "invalid"
	// TransitionMismatch means an action result did not match the
	// pending action's type or target. The runtime is unchanged.
	TransitionMismatch TransitionKind = "mismatch"
	// TransitionNone means the event was a harmless no-op.
	TransitionNone TransitionKind = "none"
)

// Transition describes the outcome of one dispatcher step. Exactly the
// fields relevant to Kind are populated; the gateway consumes it in a
// single switch.
type Transition struct {
	Kind  TransitionKind
	Stage string

	// CompileRequest is set for waiting_compile.
	CompileRequest *CompileRequest
	// ActionRequest is set for waiting_action.
	ActionRequest *ActionRequest

	// FailureCode and FailureMessage are set for failed, invalid, and
	// mismatch.
	FailureCode    unitybridge.Code
	FailureMessage string
}

// Terminal reports whether the transition ends the job.
func (t Transition) Terminal() bool {
	return t.Kind == TransitionCompleted || t.Kind == TransitionFailed
}

// FileActionExecutor applies file mutations to the project on behalf of
// the dispatcher. It is the only side effect the dispatcher performs.
type FileActionExecutor interface {
	Apply(ctx context.Context, actions []FileAction) ([]FileChange, error)
}

// Dispatcher drives the protocol state machine. Apart from the file
// executor call on Start, every method is a pure function of (runtime,
// event) → (next runtime, transition).
type Dispatcher struct {
	exec   FileActionExecutor
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger for the dispatcher.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithClock overrides the dispatcher's clock. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		d.now = now
	}
}

// NewDispatcher creates a dispatcher. exec may be nil when no job will
// ever carry file actions; Start fails jobs that need it.
func NewDispatcher(exec FileActionExecutor, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		exec:   exec,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) nowMS() int64 {
	return d.now().UnixMilli()
}

// Start begins the protocol for an admitted job. If file actions exist
// and have not been applied it invokes the executor, then emits a
// compile request. Jobs without file actions skip straight to the
// visual-action advancement used after a clean compile.
func (d *Dispatcher) Start(ctx context.Context, rt Runtime, requestID string) (Runtime, Transition) {
	rt = NormalizeRuntime(rt.Clone())

	if rt.Phase != PhaseAccepted {
		return rt, Transition{
			Kind:           TransitionInvalid,
			Stage:          string(rt.Phase),
			FailureCode:    unitybridge.CodePhaseInvalid,
			FailureMessage: fmt.Sprintf("start is only valid in %s, job is in %s", PhaseAccepted, rt.Phase),
		}
	}

	if len(rt.FileActions) > 0 && !rt.FileActionsApplied {
		if d.exec == nil {
			rt.Phase = PhaseFailed
			return rt, Transition{
				Kind:           TransitionFailed,
				Stage:          "file_actions_failed",
				FailureCode:    unitybridge.CodeInternal,
				FailureMessage: unitybridge.ErrNoFileExecutor.Error(),
			}
		}

		changes, err := d.exec.Apply(ctx, rt.FileActions)
		if err != nil {
			d.logger.Warn("file actions failed",
				slog.String("request_id", requestID),
				slog.String("error", err.Error()))
			rt.Phase = PhaseFailed
			return rt, Transition{
				Kind:           TransitionFailed,
				Stage:          "file_actions_failed",
				FailureCode:    unitybridge.CodeFileWriteFailed,
				FailureMessage: err.Error(),
			}
		}

		rt.FileActionsApplied = true
		rt.FilesChanged = changes
		req := &CompileRequest{
			RequestID:   requestID,
			Reason:      "post_file_actions",
			RequestedAt: d.nowMS(),
		}
		rt.LastCompileRequest = req
		rt.Phase = PhaseCompilePending
		return rt, Transition{
			Kind:           TransitionWaitingCompile,
			Stage:          "compiling",
			CompileRequest: req,
		}
	}

	return d.advance(rt, requestID)
}

// HandleCompileResult applies the engine's compile answer. Valid only
// in compile_pending. A failed compile is terminal with the first
// diagnostic as the failure summary; a clean compile advances to visual
// actions or completion.
func (d *Dispatcher) HandleCompileResult(rt Runtime, requestID string, res CompileResult) (Runtime, Transition) {
	rt = NormalizeRuntime(rt.Clone())

	if rt.Phase != PhaseCompilePending {
		return rt, Transition{
			Kind:           TransitionInvalid,
			Stage:          string(rt.Phase),
			FailureCode:    unitybridge.CodePhaseInvalid,
			FailureMessage: fmt.Sprintf("compile result is only valid in %s, job is in %s", PhaseCompilePending, rt.Phase),
		}
	}

	res.DurationMS = CoerceMS(res.DurationMS)
	rt.LastCompileResult = &res
	success := res.Success
	rt.CompileSuccess = &success

	if !res.Success {
		rt.Phase = PhaseFailed
		return rt, Transition{
			Kind:           TransitionFailed,
			Stage:          "compile_failed",
			FailureCode:    unitybridge.CodeCompileFailed,
			FailureMessage: summarizeCompileErrors(res.Errors),
		}
	}

	return d.advance(rt, requestID)
}

// HandleActionResult applies the engine's answer to the pending visual
// action. The result must match the pending action's type and target or
// it is rejected as a mismatch. The reboot-in-progress error code
// suspends instead of failing; any other failure is terminal. A result
// arriving after the action list is exhausted completes the job, which
// tolerates duplicate callbacks.
func (d *Dispatcher) HandleActionResult(rt Runtime, requestID string, res ActionResult) (Runtime, Transition) {
	rt = NormalizeRuntime(rt.Clone())

	if rt.Phase != PhaseActionPending {
		return rt, Transition{
			Kind:           TransitionInvalid,
			Stage:          string(rt.Phase),
			FailureCode:    unitybridge.CodePhaseInvalid,
			FailureMessage: fmt.Sprintf("action result is only valid in %s, job is in %s", PhaseActionPending, rt.Phase),
		}
	}

	pending, ok := rt.PendingAction()
	if !ok {
		// Duplicate callback after the last action already landed.
		rt.Phase = PhaseCompleted
		return rt, Transition{Kind: TransitionCompleted, Stage: "completed"}
	}

	if !actionMatches(pending, res) {
		return rt, Transition{
			Kind:           TransitionMismatch,
			Stage:          string(rt.Phase),
			FailureCode:    unitybridge.CodePhaseInvalid,
			FailureMessage: fmt.Sprintf("action result %q does not match pending action %q", res.ActionType, pending.ActionType),
		}
	}

	res.DurationMS = CoerceMS(res.DurationMS)
	rt.LastActionResult = &res

	if !res.Success && res.ErrorCode == RebootInProgressCode {
		rt.Phase = PhaseWaitingForUnityReboot
		rt.RebootWaitStartedAt = d.nowMS()
		return rt, Transition{Kind: TransitionSuspended, Stage: "waiting_for_unity_reboot"}
	}

	if !res.Success {
		rt.LastActionError = res.ErrorMessage
		rt.Phase = PhaseFailed
		msg := res.ErrorMessage
		if msg == "" {
			msg = fmt.Sprintf("action %q failed", pending.ActionType)
		}
		return rt, Transition{
			Kind:           TransitionFailed,
			Stage:          "action_failed",
			FailureCode:    unitybridge.CodeActionExecutionFailed,
			FailureMessage: msg,
		}
	}

	rt.NextVisualIndex++
	return d.advance(rt, requestID)
}

// HandleRuntimePing resumes a job suspended on an engine reboot by
// re-emitting the pending action request. In any other phase it is a
// no-op.
func (d *Dispatcher) HandleRuntimePing(rt Runtime, requestID string) (Runtime, Transition) {
	rt = NormalizeRuntime(rt.Clone())

	if rt.Phase != PhaseWaitingForUnityReboot {
		return rt, Transition{Kind: TransitionNone, Stage: string(rt.Phase)}
	}

	if _, ok := rt.PendingAction(); !ok {
		return rt, Transition{Kind: TransitionNone, Stage: string(rt.Phase)}
	}

	rt.RebootWaitStartedAt = 0
	return d.advance(rt, requestID)
}

// advance emits the next visual action request or completes the job.
// NormalizeRuntime clears the reboot stamp once the phase leaves
// waiting_for_unity_reboot.
func (d *Dispatcher) advance(rt Runtime, requestID string) (Runtime, Transition) {
	if action, ok := rt.PendingAction(); ok {
		req := &ActionRequest{
			RequestID:   requestID,
			Index:       rt.NextVisualIndex,
			Action:      action,
			RequestedAt: d.nowMS(),
		}
		rt.LastActionRequest = req
		rt.Phase = PhaseActionPending
		rt.RebootWaitStartedAt = 0
		return rt, Transition{
			Kind:          TransitionWaitingAction,
			Stage:         fmt.Sprintf("executing_action_%d_of_%d", rt.NextVisualIndex+1, len(rt.VisualActions)),
			ActionRequest: req,
		}
	}

	rt.Phase = PhaseCompleted
	rt.RebootWaitStartedAt = 0
	return rt, Transition{Kind: TransitionCompleted, Stage: "completed"}
}

// actionMatches checks type and target equality between the pending
// action and a reported result. Target fields are compared only when
// both sides supply them.
func actionMatches(pending VisualAction, res ActionResult) bool {
	if res.ActionType != pending.ActionType {
		return false
	}
	if pending.TargetObjectPath != "" && res.TargetObjectPath != "" &&
		pending.TargetObjectPath != res.TargetObjectPath {
		return false
	}
	if pending.TargetObjectID != "" && res.TargetObjectID != "" &&
		pending.TargetObjectID != res.TargetObjectID {
		return false
	}
	return true
}

// summarizeCompileErrors formats the first diagnostic for the terminal
// failure message.
func summarizeCompileErrors(errs []CompileError) string {
	if len(errs) == 0 {
		return "compilation failed"
	}
	first := errs[0]
	msg := first.Message
	if first.Code != "" {
		msg = first.Code + ": " + msg
	}
	if len(errs) > 1 {
		msg = fmt.Sprintf("%s (+%d more)", msg, len(errs)-1)
	}
	return msg
}
