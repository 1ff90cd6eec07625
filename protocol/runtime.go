package protocol

import (
	"encoding/json"
	"math"
)

// Phase is the current step of the file → compile → action protocol.
type Phase string

const (
	// PhaseAccepted means the job has been admitted but no protocol
	// step has run yet.
	PhaseAccepted Phase = "accepted"
	// PhaseCompilePending means file actions were applied and the
	// engine is compiling.
	PhaseCompilePending Phase = "compile_pending"
	// PhaseActionPending means a visual action request is outstanding.
	PhaseActionPending Phase = "action_pending"
	// PhaseWaitingForUnityReboot means the engine reported a reboot in
	// progress mid-action and the job is suspended until a ping.
	PhaseWaitingForUnityReboot Phase = "waiting_for_unity_reboot"
	// PhaseCompleted means every protocol step finished successfully.
	PhaseCompleted Phase = "completed"
	// PhaseFailed means a protocol step failed terminally.
	PhaseFailed Phase = "failed"
)

// RebootInProgressCode is the action error code the engine reports when
// a domain reload interrupts an action. It suspends the job instead of
// failing it.
const RebootInProgressCode = "E_UNITY_REBOOT_IN_PROGRESS"

// FileAction is one file mutation requested by the planner. Actions are
// applied in order by the file executor before compilation.
type FileAction struct {
	Type    string `json:"type"`
	Path    string `json:"path"`
	Content string `json:"content,omitempty"`
}

// VisualAction is one scene mutation executed by the live editor after
// a clean compile. Actions run sequentially.
type VisualAction struct {
	ActionType       string          `json:"action_type"`
	TargetObjectPath string          `json:"target_object_path,omitempty"`
	TargetObjectID   string          `json:"target_object_id,omitempty"`
	Params           json.RawMessage `json:"params,omitempty"`
}

// FileChange records one file the executor touched.
type FileChange struct {
	Type string `json:"type"`
	Path string `json:"path"`
}

// CompileRequest asks the engine to compile after file mutations.
type CompileRequest struct {
	RequestID   string `json:"request_id"`
	Reason      string `json:"reason,omitempty"`
	RequestedAt int64  `json:"requested_at"`
}

// CompileError is one compiler diagnostic reported by the engine.
type CompileError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	File    string `json:"file,omitempty"`
	Line    int64  `json:"line,omitempty"`
}

// CompileResult is the engine's answer to a CompileRequest.
type CompileResult struct {
	Success    bool           `json:"success"`
	DurationMS float64        `json:"duration_ms,omitempty"`
	Errors     []CompileError `json:"errors,omitempty"`
}

// ActionRequest asks the engine to execute one visual action.
type ActionRequest struct {
	RequestID   string       `json:"request_id"`
	Index       int          `json:"index"`
	Action      VisualAction `json:"action"`
	RequestedAt int64        `json:"requested_at"`
}

// ActionResult is the engine's answer to an ActionRequest. Target
// fields must echo the pending action for the result to be accepted.
type ActionResult struct {
	ActionType       string  `json:"action_type"`
	TargetObjectPath string  `json:"target_object_path,omitempty"`
	TargetObjectID   string  `json:"target_object_id,omitempty"`
	Success          bool    `json:"success"`
	ErrorCode        string  `json:"error_code,omitempty"`
	ErrorMessage     string  `json:"error_message,omitempty"`
	DurationMS       float64 `json:"duration_ms,omitempty"`
}

// Runtime is the persisted protocol state for one job. It is owned
// exclusively by Dispatcher transitions; nothing else writes to it.
type Runtime struct {
	FileActions        []FileAction   `json:"file_actions,omitempty"`
	VisualActions      []VisualAction `json:"visual_actions,omitempty"`
	FileActionsApplied bool           `json:"file_actions_applied"`
	FilesChanged       []FileChange   `json:"files_changed,omitempty"`

	// NextVisualIndex is the cursor into VisualActions. It only moves
	// forward; a reboot suspend/resume cycle does not rewind it.
	NextVisualIndex int   `json:"next_visual_index"`
	Phase           Phase `json:"phase"`

	CompileSuccess *bool `json:"compile_success,omitempty"`

	// Most-recent request/result snapshots, kept for replay and
	// debugging.
	LastCompileRequest *CompileRequest `json:"last_compile_request,omitempty"`
	LastCompileResult  *CompileResult  `json:"last_compile_result,omitempty"`
	LastActionRequest  *ActionRequest  `json:"last_action_request,omitempty"`
	LastActionResult   *ActionResult   `json:"last_action_result,omitempty"`
	LastActionError    string          `json:"last_action_error,omitempty"`

	// RebootWaitStartedAt is an epoch-ms stamp, zero unless the job is
	// suspended in waiting_for_unity_reboot.
	RebootWaitStartedAt int64 `json:"reboot_wait_started_at"`
}

// NormalizeRuntime repairs a runtime loaded from an untrusted snapshot.
// It clamps the cursor into range and defaults an unknown phase. It
// never returns an error.
func NormalizeRuntime(rt Runtime) Runtime {
	if rt.NextVisualIndex < 0 {
		rt.NextVisualIndex = 0
	}
	if rt.NextVisualIndex > len(rt.VisualActions) {
		rt.NextVisualIndex = len(rt.VisualActions)
	}
	switch rt.Phase {
	case PhaseAccepted, PhaseCompilePending, PhaseActionPending,
		PhaseWaitingForUnityReboot, PhaseCompleted, PhaseFailed:
	default:
		rt.Phase = PhaseAccepted
	}
	if rt.Phase != PhaseWaitingForUnityReboot {
		rt.RebootWaitStartedAt = 0
	}
	return rt
}

// Clone deep-copies a runtime so transitions never alias the stored
// record's slices or snapshots.
func (rt Runtime) Clone() Runtime {
	out := rt
	out.FileActions = append([]FileAction(nil), rt.FileActions...)
	out.VisualActions = append([]VisualAction(nil), rt.VisualActions...)
	out.FilesChanged = append([]FileChange(nil), rt.FilesChanged...)
	if rt.CompileSuccess != nil {
		v := *rt.CompileSuccess
		out.CompileSuccess = &v
	}
	if rt.LastCompileRequest != nil {
		v := *rt.LastCompileRequest
		out.LastCompileRequest = &v
	}
	if rt.LastCompileResult != nil {
		v := *rt.LastCompileResult
		v.Errors = append([]CompileError(nil), rt.LastCompileResult.Errors...)
		out.LastCompileResult = &v
	}
	if rt.LastActionRequest != nil {
		v := *rt.LastActionRequest
		out.LastActionRequest = &v
	}
	if rt.LastActionResult != nil {
		v := *rt.LastActionResult
		out.LastActionResult = &v
	}
	return out
}

// PendingAction returns the visual action at the cursor, or false when
// the list is exhausted.
func (rt Runtime) PendingAction() (VisualAction, bool) {
	if rt.NextVisualIndex < 0 || rt.NextVisualIndex >= len(rt.VisualActions) {
		return VisualAction{}, false
	}
	return rt.VisualActions[rt.NextVisualIndex], true
}

// PendingActionCount returns how many visual actions remain.
func (rt Runtime) PendingActionCount() int {
	n := len(rt.VisualActions) - rt.NextVisualIndex
	if n < 0 {
		return 0
	}
	return n
}

// CoerceMS sanitizes a numeric duration from an external payload.
// Non-finite or negative values become 0.
func CoerceMS(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}
