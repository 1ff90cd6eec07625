// Package wire implements the frame-based protocol the Unity editor
// plugin speaks to the bridge, transported over WebSocket. The first
// frame on a connection authenticates and negotiates the codec; after
// that the editor reports compile and action results, pings, pulls
// queries, and subscribes to event topics.
package wire

import (
	"encoding/json"
	"time"

	"github.com/xraph/unitybridge"
	"github.com/xraph/unitybridge/protocol"
	"github.com/xraph/unitybridge/query"
)

// FrameType identifies the frame category.
type FrameType string

const (
	FrameRequest  FrameType = "request"
	FrameResponse FrameType = "response"
	FrameEvent    FrameType = "event"
	FrameErr      FrameType = "error"
	FramePing     FrameType = "ping"
	FramePong     FrameType = "pong"
)

// Frame is the wire message envelope. Every message exchanged over the
// protocol is a Frame.
type Frame struct {
	// ID uniquely identifies this frame.
	ID string `json:"id" msgpack:"id"`

	// Type categorizes the frame.
	Type FrameType `json:"type" msgpack:"type"`

	// Method names the operation for request frames (e.g.
	// "unity.compile.result").
	Method string `json:"method,omitempty" msgpack:"method,omitempty"`

	// CorrelID links a response to its originating request.
	CorrelID string `json:"correl_id,omitempty" msgpack:"correl_id,omitempty"`

	// Token carries auth credentials (typically only on the auth frame).
	Token string `json:"token,omitempty" msgpack:"token,omitempty"`

	// Data carries the method-specific payload.
	Data json.RawMessage `json:"data,omitempty" msgpack:"data,omitempty"`

	// Error carries error details for error frames.
	Error *ErrorDetail `json:"error,omitempty" msgpack:"error,omitempty"`

	// Topic identifies the subscription topic for event frames.
	Topic string `json:"topic,omitempty" msgpack:"topic,omitempty"`

	// Credits replenishes flow-control credits.
	Credits int `json:"credits,omitempty" msgpack:"credits,omitempty"`

	// Timestamp records when this frame was created.
	Timestamp time.Time `json:"ts" msgpack:"ts"`
}

// ErrorDetail is the taxonomy error shape plus the HTTP-equivalent
// status, so wire clients and HTTP clients script the same retry
// policy.
type ErrorDetail struct {
	Status       int              `json:"status" msgpack:"status"`
	ErrorCode    unitybridge.Code `json:"error_code" msgpack:"error_code"`
	ErrorMessage string           `json:"error_message" msgpack:"error_message"`
	Suggestion   string           `json:"suggestion,omitempty" msgpack:"suggestion,omitempty"`
	Recoverable  bool             `json:"recoverable" msgpack:"recoverable"`
}

// ── Well-known methods ──────────────────────────────

const (
	// MethodAuth must be the first frame on every connection.
	MethodAuth = "auth"

	// Task methods, mirroring the HTTP surface.
	MethodTaskSubmit = "unity.task.submit"
	MethodTaskStatus = "unity.task.status"
	MethodTaskCancel = "unity.task.cancel"
	MethodHeartbeat  = "unity.heartbeat"

	// Engine callback methods.
	MethodCompileResult = "unity.compile.result"
	MethodActionResult  = "unity.action.result"
	MethodRuntimePing   = "unity.runtime.ping"

	// Query bridge methods.
	MethodQueryPull   = "unity.query.pull"
	MethodQueryReport = "unity.query.report"

	// Subscription methods.
	MethodSubscribe   = "subscribe"
	MethodUnsubscribe = "unsubscribe"

	// Admin methods.
	MethodStats = "stats"
)

// ── Request/Response payloads ───────────────────────

// AuthRequest is sent by clients to authenticate.
type AuthRequest struct {
	Token  string `json:"token"`
	Format string `json:"format,omitempty"` // "json" (default) or "msgpack"
}

// AuthResponse is returned after successful authentication.
type AuthResponse struct {
	Format    string `json:"format"`
	SessionID string `json:"session_id"`
}

// TaskStatusRequest polls one job.
type TaskStatusRequest struct {
	JobID string `json:"job_id"`
}

// TaskCancelRequest cancels one job.
type TaskCancelRequest struct {
	JobID string `json:"job_id"`
}

// CallbackResponse acknowledges an engine result callback with the
// job's position after the event was applied.
type CallbackResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
	Stage  string `json:"stage"`
	Phase  string `json:"phase"`
}

// RuntimePingResponse acknowledges a runtime ping. JobID is set when
// the ping resumed or refreshed a running job.
type RuntimePingResponse struct {
	Acknowledged bool   `json:"acknowledged"`
	JobID        string `json:"job_id,omitempty"`
}

// CompileResultRequest carries the engine's compile answer.
type CompileResultRequest struct {
	RequestID string                 `json:"request_id"`
	Payload   protocol.CompileResult `json:"payload"`
}

// ActionResultRequest carries the engine's visual action answer.
type ActionResultRequest struct {
	RequestID string                `json:"request_id"`
	Payload   protocol.ActionResult `json:"payload"`
}

// RuntimePingRequest is the engine's liveness signal.
type RuntimePingRequest struct {
	ThreadID string `json:"thread_id"`
}

// QueryPullRequest asks for the oldest pending query, optionally
// filtered by type.
type QueryPullRequest struct {
	AcceptedQueryTypes []string `json:"accepted_query_types,omitempty"`
}

// QueryPullResponse returns the claimed query, if any.
type QueryPullResponse struct {
	Pending bool         `json:"pending"`
	Query   *query.Query `json:"query,omitempty"`
}

// QueryReportRequest resolves a previously pulled query. Older editor
// builds send the result under "response"; both keys are accepted.
type QueryReportRequest struct {
	QueryID      string           `json:"query_id"`
	Result       json.RawMessage  `json:"result,omitempty"`
	Response     json.RawMessage  `json:"response,omitempty"`
	Success      *bool            `json:"success,omitempty"` // nil means true
	ErrorCode    unitybridge.Code `json:"error_code,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
}

// Report returns the result payload, whichever key carried it.
func (r QueryReportRequest) Report() json.RawMessage {
	if len(r.Result) > 0 {
		return r.Result
	}
	return r.Response
}

// QueryReportResponse acknowledges a report.
type QueryReportResponse struct {
	Accepted bool `json:"accepted"`
	Replay   bool `json:"replay"`
}

// SubscribeRequest subscribes to an event topic.
type SubscribeRequest struct {
	Topic   string `json:"topic"`
	Credits int    `json:"credits,omitempty"` // initial credits, 0 = default
}

// UnsubscribeRequest removes a subscription.
type UnsubscribeRequest struct {
	Topic string `json:"topic"`
}

// ── Frame constructors ──────────────────────────────

// NewRequestFrame creates a new request frame.
func NewRequestFrame(id, method string, data any) (*Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Frame{
		ID:        id,
		Type:      FrameRequest,
		Method:    method,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewResponseFrame creates a response to a request.
func NewResponseFrame(correlID string, data any) (*Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Frame{
		ID:        generateFrameID(),
		Type:      FrameResponse,
		CorrelID:  correlID,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewErrorFrame creates an error response from a taxonomy code and raw
// message.
func NewErrorFrame(correlID string, code unitybridge.Code, message string) *Frame {
	detail := unitybridge.Normalize(code, message)
	return &Frame{
		ID:       generateFrameID(),
		Type:     FrameErr,
		CorrelID: correlID,
		Error: &ErrorDetail{
			Status:       unitybridge.StatusForCode(code),
			ErrorCode:    detail.ErrorCode,
			ErrorMessage: detail.ErrorMessage,
			Suggestion:   detail.Suggestion,
			Recoverable:  detail.Recoverable,
		},
		Timestamp: time.Now().UTC(),
	}
}

// NewEventFrame creates an event frame for a subscription topic.
func NewEventFrame(topic string, data any) (*Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Frame{
		ID:        generateFrameID(),
		Type:      FrameEvent,
		Topic:     topic,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// GenerateFrameID returns a new unique frame ID.
func GenerateFrameID() string {
	return time.Now().UTC().Format("20060102150405.000000000")
}

func generateFrameID() string { return GenerateFrameID() }
