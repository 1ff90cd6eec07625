package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/xraph/unitybridge"
	"github.com/xraph/unitybridge/job"
	"github.com/xraph/unitybridge/protocol"
)

// SubmitRequest is the submit entry-point body.
type SubmitRequest struct {
	IdempotencyKey   string                  `json:"idempotency_key"`
	ThreadID         string                  `json:"thread_id"`
	TurnID           string                  `json:"turn_id,omitempty"`
	ApprovalMode     job.ApprovalMode        `json:"approval_mode,omitempty"`
	UserIntent       string                  `json:"user_intent,omitempty"`
	BasedOnReadToken string                  `json:"based_on_read_token,omitempty"`
	WriteAnchor      *job.Anchor             `json:"write_anchor,omitempty"`
	FileActions      []protocol.FileAction   `json:"file_actions,omitempty"`
	VisualActions    []protocol.VisualAction `json:"visual_layer_actions,omitempty"`
	Context          json.RawMessage         `json:"context,omitempty"`
	OwnerClientID    string                  `json:"owner_client_id,omitempty"`
}

// Validate checks the request shape before any state effect.
func (r SubmitRequest) Validate() error {
	if r.IdempotencyKey == "" {
		return fmt.Errorf("idempotency_key is required: %w", unitybridge.ErrSchemaInvalid)
	}
	if r.ThreadID == "" {
		return fmt.Errorf("thread_id is required: %w", unitybridge.ErrSchemaInvalid)
	}
	switch r.ApprovalMode {
	case "", job.ApprovalAuto, job.ApprovalRequireUser:
	default:
		return fmt.Errorf("approval_mode %q is not recognized: %w", r.ApprovalMode, unitybridge.ErrSchemaInvalid)
	}
	for i, fa := range r.FileActions {
		if fa.Type == "" || fa.Path == "" {
			return fmt.Errorf("file_actions[%d] needs type and path: %w", i, unitybridge.ErrSchemaInvalid)
		}
	}
	for i, va := range r.VisualActions {
		if va.ActionType == "" {
			return fmt.Errorf("visual_layer_actions[%d] needs action_type: %w", i, unitybridge.ErrActionSchemaInvalid)
		}
	}
	return nil
}

// SubmitResponse is the submit entry-point answer. Status is "accepted"
// when the job took the execution slot and "queued" when it waits; a
// replayed submit echoes the existing job's lifecycle status instead.
type SubmitResponse struct {
	JobID            string         `json:"job_id"`
	Status           string         `json:"status"`
	IdempotentReplay bool           `json:"idempotent_replay"`
	RunningJobID     string         `json:"running_job_id,omitempty"`
	Task             *StatusPayload `json:"task"`
}

// HeartbeatRequest records a liveness signal for a job, a thread, or
// both.
type HeartbeatRequest struct {
	JobID         string `json:"job_id,omitempty"`
	ThreadID      string `json:"thread_id,omitempty"`
	OwnerClientID string `json:"owner_client_id,omitempty"`
}

// HeartbeatResponse reports how many leases the signal refreshed.
type HeartbeatResponse struct {
	TouchedJobCount int `json:"touched_job_count"`
}

// StatusPayload is the full externally visible state of one job.
type StatusPayload struct {
	JobID           string           `json:"job_id"`
	Status          job.Status       `json:"status"`
	Stage           string           `json:"stage,omitempty"`
	ProgressMessage string           `json:"progress_message,omitempty"`
	ErrorCode       unitybridge.Code `json:"error_code,omitempty"`
	ErrorMessage    string           `json:"error_message,omitempty"`
	Suggestion      string           `json:"suggestion,omitempty"`
	Recoverable     bool             `json:"recoverable,omitempty"`

	AutoCancelReason string `json:"auto_cancel_reason,omitempty"`

	LeaseState              job.LeaseState `json:"lease_state"`
	LeaseOwnerClientID      string         `json:"lease_owner_client_id,omitempty"`
	LeaseLastHeartbeatAt    int64          `json:"lease_last_heartbeat_at"`
	LeaseHeartbeatTimeoutMS int64          `json:"lease_heartbeat_timeout_ms"`
	LeaseMaxRuntimeMS       int64          `json:"lease_max_runtime_ms"`
	LeaseOrphaned           bool           `json:"lease_orphaned"`

	RunningJobID string `json:"running_job_id,omitempty"`

	ExecutionReport          *job.ExecutionReport    `json:"execution_report,omitempty"`
	PendingVisualActionCount int                     `json:"pending_visual_action_count"`
	PendingVisualAction      *protocol.VisualAction  `json:"pending_visual_action,omitempty"`
	UnityActionRequest       *protocol.ActionRequest `json:"unity_action_request,omitempty"`

	ApprovalMode job.ApprovalMode `json:"approval_mode"`
	CreatedAt    int64            `json:"created_at"`
	UpdatedAt    int64            `json:"updated_at"`
}

// statusPayloadLocked assembles the status payload for a job snapshot.
// Caller holds g.mu.
func (g *Gateway) statusPayloadLocked(j *job.Job) *StatusPayload {
	p := &StatusPayload{
		JobID:           j.ID.String(),
		Status:          j.Status,
		Stage:           j.Stage,
		ProgressMessage: j.ProgressMessage,
		ErrorCode:       j.ErrorCode,
		ErrorMessage:    j.ErrorMessage,
		Suggestion:      j.Suggestion,
		Recoverable:     j.Recoverable,

		AutoCancelReason: j.AutoCancelReason,

		LeaseState:              j.Lease.State,
		LeaseOwnerClientID:      j.Lease.OwnerClientID,
		LeaseLastHeartbeatAt:    j.Lease.LastHeartbeatAt,
		LeaseHeartbeatTimeoutMS: j.Lease.HeartbeatTimeoutMS,
		LeaseMaxRuntimeMS:       j.Lease.MaxRuntimeMS,
		LeaseOrphaned:           j.Lease.Orphaned,

		RunningJobID: g.runningIDLocked(),

		ExecutionReport:          j.ExecutionReport,
		PendingVisualActionCount: j.Runtime.PendingActionCount(),

		ApprovalMode: j.ApprovalMode,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
	}
	if action, ok := j.Runtime.PendingAction(); ok {
		p.PendingVisualAction = &action
	}
	if j.Runtime.Phase == protocol.PhaseActionPending {
		p.UnityActionRequest = j.Runtime.LastActionRequest
	}
	return p
}

// submitResponseLocked wraps a job in the submit answer. Caller holds
// g.mu.
func (g *Gateway) submitResponseLocked(j *job.Job, replay bool) *SubmitResponse {
	status := string(j.Status)
	if !replay {
		if j.Status == job.StatusQueued {
			status = "queued"
		} else {
			status = "accepted"
		}
	}
	return &SubmitResponse{
		JobID:            j.ID.String(),
		Status:           status,
		IdempotentReplay: replay,
		RunningJobID:     g.runningIDLocked(),
		Task:             g.statusPayloadLocked(j),
	}
}
