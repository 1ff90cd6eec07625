package job

import (
	"encoding/json"

	"github.com/xraph/unitybridge"
	"github.com/xraph/unitybridge/id"
	"github.com/xraph/unitybridge/protocol"
)

// Status represents the lifecycle state of a job.
type Status string

const (
	// StatusQueued means the job waits behind the running job.
	StatusQueued Status = "queued"
	// StatusPending means the job holds the execution slot and is
	// being driven through the dispatch protocol.
	StatusPending Status = "pending"
	// StatusSucceeded means the job finished every protocol step.
	StatusSucceeded Status = "succeeded"
	// StatusFailed means the job failed terminally.
	StatusFailed Status = "failed"
	// StatusCancelled means the job was cancelled by the user or the
	// janitor.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// ApprovalMode controls whether a job needs user confirmation before
// mutating the project.
type ApprovalMode string

const (
	ApprovalAuto        ApprovalMode = "auto"
	ApprovalRequireUser ApprovalMode = "require_user"
)

// Auto-cancel reasons recorded by the janitor. Exactly one is ever set
// per cancelled job.
const (
	AutoCancelRebootWaitTimeout = "reboot_wait_timeout"
	AutoCancelMaxRuntime        = "max_runtime_exceeded"
	AutoCancelHeartbeatTimeout  = "heartbeat_timeout"
)

// Anchor identifies a target in the editor's live object graph. It is
// used by the OCC gate to detect target drift between read and write.
type Anchor struct {
	ObjectID string `json:"object_id,omitempty"`
	Path     string `json:"path,omitempty"`
}

// ExecutionReport is the terminal summary of a job. Nil until the job
// reaches a terminal state.
type ExecutionReport struct {
	Success          bool                    `json:"success"`
	FilesChanged     []protocol.FileChange   `json:"files_changed,omitempty"`
	CompileErrors    []protocol.CompileError `json:"compile_errors,omitempty"`
	ActionsCompleted int                     `json:"actions_completed"`
	ActionsTotal     int                     `json:"actions_total"`
	Message          string                  `json:"message,omitempty"`
}

// Job is one unit of editor work. All timestamps are epoch
// milliseconds; TerminalAt stays 0 until the job is terminal.
type Job struct {
	ID             id.JobID     `json:"job_id"`
	IdempotencyKey string       `json:"idempotency_key"`
	RequestID      id.RequestID `json:"request_id"`
	ThreadID       string       `json:"thread_id"`
	TurnID         string       `json:"turn_id,omitempty"`
	ApprovalMode   ApprovalMode `json:"approval_mode"`
	UserIntent     string       `json:"user_intent,omitempty"`

	// Context is the opaque scene snapshot the planner based this job
	// on; WriteAnchor is the OCC target reference.
	Context     json.RawMessage `json:"context,omitempty"`
	WriteAnchor *Anchor         `json:"write_anchor,omitempty"`

	Status          Status `json:"status"`
	Stage           string `json:"stage,omitempty"`
	ProgressMessage string `json:"progress_message,omitempty"`

	ErrorCode        unitybridge.Code `json:"error_code,omitempty"`
	ErrorMessage     string           `json:"error_message,omitempty"`
	Suggestion       string           `json:"suggestion,omitempty"`
	Recoverable      bool             `json:"recoverable,omitempty"`
	AutoCancelReason string           `json:"auto_cancel_reason,omitempty"`

	ExecutionReport *ExecutionReport `json:"execution_report,omitempty"`

	Lease   Lease            `json:"lease"`
	Runtime protocol.Runtime `json:"runtime"`

	CreatedAt  int64 `json:"created_at"`
	UpdatedAt  int64 `json:"updated_at"`
	TerminalAt int64 `json:"terminal_at"`
}

// Terminal reports whether the job is in a final state.
func (j *Job) Terminal() bool {
	return j.Status.Terminal()
}

// Active reports whether the job counts against the single execution
// slot or the queue.
func (j *Job) Active() bool {
	return j.Status == StatusQueued || j.Status == StatusPending
}

// Clone deep-copies the job so callers never alias store memory.
func (j *Job) Clone() *Job {
	out := *j
	out.Context = append(json.RawMessage(nil), j.Context...)
	if j.WriteAnchor != nil {
		a := *j.WriteAnchor
		out.WriteAnchor = &a
	}
	if j.ExecutionReport != nil {
		r := *j.ExecutionReport
		r.FilesChanged = append([]protocol.FileChange(nil), j.ExecutionReport.FilesChanged...)
		r.CompileErrors = append([]protocol.CompileError(nil), j.ExecutionReport.CompileErrors...)
		out.ExecutionReport = &r
	}
	out.Runtime = j.Runtime.Clone()
	return &out
}

// Normalize repairs derived fields after any mutation. It defaults the
// status, stamps timestamps, re-normalizes the runtime, and derives the
// lease state from terminality. It never rejects a job.
func (j *Job) Normalize(now int64, defaults LeaseDefaults) {
	if j.Status == "" {
		j.Status = StatusQueued
	}
	if j.ApprovalMode == "" {
		j.ApprovalMode = ApprovalAuto
	}
	if j.CreatedAt <= 0 {
		j.CreatedAt = now
	}
	j.UpdatedAt = now

	j.Runtime = protocol.NormalizeRuntime(j.Runtime)

	if j.Terminal() {
		if j.TerminalAt <= 0 {
			j.TerminalAt = now
		}
		j.Lease = NormalizeLease(j.Lease, now, defaults)
		if j.Lease.Orphaned {
			j.Lease.State = LeaseOrphaned
		} else {
			j.Lease.State = LeaseReleased
		}
	} else {
		j.TerminalAt = 0
		j.Lease = NormalizeLease(j.Lease, now, defaults)
		if j.Lease.State == LeaseReleased {
			j.Lease.State = LeaseActive
		}
	}
}
