// Package stream provides a real-time event broker for bridge lifecycle
// events. It connects the hook.Extension system to connected clients via
// topic-based pub/sub, and doubles as the editor liveness signal: a thread
// with a connected subscriber is considered alive.
package stream

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of lifecycle event.
type EventType string

const (
	// Job events.
	EventJobQueued    EventType = "job.queued"
	EventJobStarted   EventType = "job.started"
	EventJobProgress  EventType = "job.progress"
	EventJobFinalized EventType = "job.finalized"

	// Query events.
	EventQueryResolved EventType = "query.resolved"
)

// Event is the envelope sent to subscribers on a topic channel.
type Event struct {
	// Type identifies the lifecycle event.
	Type EventType `json:"type"`

	// Timestamp is when the event was emitted.
	Timestamp time.Time `json:"ts"`

	// Topic is the channel this event was published on.
	Topic string `json:"topic"`

	// Data is the event-specific payload.
	Data json.RawMessage `json:"data"`
}

// JobEventData is the payload for job lifecycle events.
type JobEventData struct {
	JobID           string `json:"job_id"`
	ThreadID        string `json:"thread_id,omitempty"`
	Status          string `json:"status"`
	Stage           string `json:"stage,omitempty"`
	ProgressMessage string `json:"progress_message,omitempty"`
	ErrorCode       string `json:"error_code,omitempty"`
	ErrorMessage    string `json:"error_message,omitempty"`
	AutoCancel      string `json:"auto_cancel_reason,omitempty"`
	ElapsedMs       int64  `json:"elapsed_ms,omitempty"`
}

// QueryEventData is the payload for query lifecycle events.
type QueryEventData struct {
	QueryID   string `json:"query_id"`
	QueryType string `json:"query_type"`
	Status    string `json:"status"`
	ErrorCode string `json:"error_code,omitempty"`
}
