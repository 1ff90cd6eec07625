// Package audit is a bridge extension that records lifecycle events to
// an audit trail backend.
//
// Every job and query lifecycle hook emits a structured audit event
// through the [Recorder] interface. The extension assigns severity
// levels (info for normal operations, warning for cancellations and
// query failures, critical for terminal job failures) and metadata
// (thread id, elapsed time, error codes, auto-cancel reasons).
//
// # Usage
//
//	hooks.Register(audit.New(audit.SlogRecorder(logger)))
//
// # Selective filtering
//
//	audit.New(recorder,
//	    audit.WithActions(
//	        audit.ActionJobFailed,
//	        audit.ActionJobCancelled,
//	    ),
//	)
package audit
