package query

import (
	"encoding/json"

	"github.com/xraph/unitybridge"
	"github.com/xraph/unitybridge/id"
)

// Status represents the lifecycle state of a query.
type Status string

const (
	// StatusPending means the query waits for the engine to pull it.
	StatusPending Status = "pending"
	// StatusDispatched means the engine pulled the query and is
	// expected to report a result.
	StatusDispatched Status = "dispatched"
	// StatusSucceeded means the engine reported a result.
	StatusSucceeded Status = "succeeded"
	// StatusFailed means the engine reported a structured failure.
	StatusFailed Status = "failed"
	// StatusTimedOut means no report arrived within the wait budget.
	StatusTimedOut Status = "timed_out"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusTimedOut
}

// Query is one read-only probe of the engine. Timestamps are epoch
// milliseconds.
type Query struct {
	ID        id.QueryID      `json:"query_id"`
	QueryType string          `json:"query_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Status    Status          `json:"status"`
	PullCount int             `json:"pull_count"`

	Report       json.RawMessage  `json:"report,omitempty"`
	ErrorCode    unitybridge.Code `json:"error_code,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`

	// Reported tracks whether any report landed, including a late one
	// against an already timed-out record. It drives replay detection.
	Reported bool `json:"reported,omitempty"`

	CreatedAtMS    int64 `json:"created_at_ms"`
	UpdatedAtMS    int64 `json:"updated_at_ms"`
	DispatchedAtMS int64 `json:"dispatched_at_ms,omitempty"`
	CompletedAtMS  int64 `json:"completed_at_ms,omitempty"`
}

// Terminal reports whether the query is in a final state.
func (q *Query) Terminal() bool {
	return q.Status.Terminal()
}

// Clone copies the query so callers never alias store memory.
func (q *Query) Clone() *Query {
	out := *q
	out.Payload = append(json.RawMessage(nil), q.Payload...)
	out.Report = append(json.RawMessage(nil), q.Report...)
	return &out
}
