package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/unitybridge/hook"
	"github.com/xraph/unitybridge/job"
	"github.com/xraph/unitybridge/query"
)

// Compile-time interface checks.
var (
	_ hook.Extension     = (*Extension)(nil)
	_ hook.JobQueued     = (*Extension)(nil)
	_ hook.JobStarted    = (*Extension)(nil)
	_ hook.JobFinalized  = (*Extension)(nil)
	_ hook.QueryResolved = (*Extension)(nil)
)

// Recorder is the interface audit backends implement. It is defined
// locally so callers can bridge to whatever trail they run.
type Recorder interface {
	// Record persists a fully-formed audit event.
	Record(ctx context.Context, event *Event) error
}

// Event is one audit record.
type Event struct {
	// What happened
	Action   string `json:"action"`
	Resource string `json:"resource"`
	Category string `json:"category"`

	// Details
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *Event) error

func (f RecorderFunc) Record(ctx context.Context, event *Event) error {
	return f(ctx, event)
}

// Severity constants.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Outcome constants.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Extension bridges bridge lifecycle events to an audit trail backend.
// Each lifecycle hook emits a structured audit event through the
// [Recorder]. Recorder failures are logged, never propagated; an audit
// outage must not fail a job.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// Option configures an Extension.
type Option func(*Extension)

// WithActions restricts the extension to emit only the listed actions.
// By default every action is enabled. Unknown actions are silently
// ignored.
func WithActions(actions ...string) Option {
	return func(e *Extension) {
		e.enabled = make(map[string]bool, len(actions))
		for _, a := range actions {
			e.enabled[a] = true
		}
	}
}

// WithLogger sets a custom logger for the extension.
func WithLogger(l *slog.Logger) Option {
	return func(e *Extension) { e.logger = l }
}

// New creates an Extension that emits audit events through the provided
// Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SlogRecorder returns a Recorder that writes every audit event to the
// given logger. It is the default trail when no external backend is
// wired.
func SlogRecorder(logger *slog.Logger) Recorder {
	return RecorderFunc(func(_ context.Context, evt *Event) error {
		logger.Info("audit",
			slog.String("action", evt.Action),
			slog.String("resource", evt.Resource),
			slog.String("resource_id", evt.ResourceID),
			slog.String("outcome", evt.Outcome),
			slog.String("severity", evt.Severity),
			slog.Any("metadata", evt.Metadata))
		return nil
	})
}

// Name implements hook.Extension.
func (e *Extension) Name() string { return "audit" }

// OnJobQueued implements hook.JobQueued.
func (e *Extension) OnJobQueued(ctx context.Context, j *job.Job) error {
	return e.record(ctx, ActionJobQueued, SeverityInfo, OutcomeSuccess,
		ResourceJob, j.ID.String(), CategoryJob, "",
		"thread_id", j.ThreadID,
		"idempotency_key", j.IdempotencyKey,
	)
}

// OnJobStarted implements hook.JobStarted.
func (e *Extension) OnJobStarted(ctx context.Context, j *job.Job) error {
	return e.record(ctx, ActionJobStarted, SeverityInfo, OutcomeSuccess,
		ResourceJob, j.ID.String(), CategoryJob, "",
		"thread_id", j.ThreadID,
		"stage", j.Stage,
	)
}

// OnJobFinalized implements hook.JobFinalized. The action and severity
// follow the terminal status; auto-cancels carry their reason.
func (e *Extension) OnJobFinalized(ctx context.Context, j *job.Job, elapsed time.Duration) error {
	action := ActionJobSucceeded
	severity := SeverityInfo
	outcome := OutcomeSuccess
	switch j.Status {
	case job.StatusFailed:
		action = ActionJobFailed
		severity = SeverityCritical
		outcome = OutcomeFailure
	case job.StatusCancelled:
		action = ActionJobCancelled
		severity = SeverityWarning
		outcome = OutcomeFailure
	}

	kv := []any{
		"thread_id", j.ThreadID,
		"elapsed_ms", elapsed.Milliseconds(),
	}
	if j.ErrorCode != "" {
		kv = append(kv, "error_code", string(j.ErrorCode))
	}
	if j.AutoCancelReason != "" {
		kv = append(kv, "auto_cancel_reason", j.AutoCancelReason)
	}

	return e.record(ctx, action, severity, outcome,
		ResourceJob, j.ID.String(), CategoryJob, j.ErrorMessage, kv...)
}

// OnQueryResolved implements hook.QueryResolved.
func (e *Extension) OnQueryResolved(ctx context.Context, q *query.Query) error {
	outcome := OutcomeSuccess
	severity := SeverityInfo
	if q.Status != query.StatusSucceeded {
		outcome = OutcomeFailure
		severity = SeverityWarning
	}
	return e.record(ctx, ActionQueryResolved, severity, outcome,
		ResourceQuery, q.ID.String(), CategoryQuery, q.ErrorMessage,
		"query_type", q.QueryType,
		"status", string(q.Status),
		"pull_count", q.PullCount,
	)
}

// record builds and sends an audit event if the action is enabled. The
// kvPairs argument is a list of key-value pairs added to Metadata.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category, reason string,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	evt := &Event{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit: failed to record event",
			slog.String("action", action),
			slog.String("resource_id", resourceID),
			slog.String("error", recErr.Error()))
	}
	return nil
}
