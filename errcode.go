package unitybridge

import (
	"errors"
	"strings"
)

// Code classifies every externally visible failure. Codes are stable
// contract values; clients script retry policy against them.
type Code string

const (
	// Schema and validation.
	CodeSchemaInvalid       Code = "E_SCHEMA_INVALID"
	CodeActionSchemaInvalid Code = "E_ACTION_SCHEMA_INVALID"

	// Concurrency and conflict.
	CodeJobConflict          Code = "E_JOB_CONFLICT"
	CodePhaseInvalid         Code = "E_PHASE_INVALID"
	CodeTargetAnchorConflict Code = "E_TARGET_ANCHOR_CONFLICT"

	// Staleness from the OCC gate.
	CodeStaleSnapshot        Code = "E_STALE_SNAPSHOT"
	CodeSelectionUnavailable Code = "E_SELECTION_UNAVAILABLE"

	// Execution failure.
	CodeCompileFailed         Code = "E_COMPILE_FAILED"
	CodeActionExecutionFailed Code = "E_ACTION_EXECUTION_FAILED"
	CodeFileWriteFailed       Code = "E_FILE_WRITE_FAILED"

	// Liveness failure.
	CodeHeartbeatTimeout   Code = "E_JOB_HEARTBEAT_TIMEOUT"
	CodeMaxRuntimeExceeded Code = "E_JOB_MAX_RUNTIME_EXCEEDED"
	CodeRebootWaitTimeout  Code = "E_WAITING_FOR_UNITY_REBOOT_TIMEOUT"

	// Not found.
	CodeJobNotFound     Code = "E_JOB_NOT_FOUND"
	CodeRequestNotFound Code = "E_REQUEST_NOT_FOUND"
	CodeQueryNotFound   Code = "E_QUERY_NOT_FOUND"

	// Query bridge.
	CodeQueryTimeout Code = "E_QUERY_TIMEOUT"

	// Catch-all for unexpected internal conditions.
	CodeInternal Code = "E_INTERNAL"
)

// maxErrorMessageLen bounds normalized error messages.
const maxErrorMessageLen = 500

// codeInfo is the fixed remediation metadata attached to a code.
type codeInfo struct {
	suggestion  string
	recoverable bool
}

var codeTable = map[Code]codeInfo{
	CodeSchemaInvalid:       {"Fix the request payload and resubmit.", false},
	CodeActionSchemaInvalid: {"Fix the visual action payload and resubmit.", false},

	CodeJobConflict:          {"A job is already running and the queue is full. Retry after the running job finishes.", true},
	CodePhaseInvalid:         {"The job is not in a phase that accepts this event. Poll status and retry if appropriate.", true},
	CodeTargetAnchorConflict: {"The target object moved since the anchor was taken. Re-read the scene and resubmit.", true},

	CodeStaleSnapshot:        {"The scene changed since the read token was issued. Re-read and resubmit with a fresh token.", true},
	CodeSelectionUnavailable: {"The referenced selection no longer exists. Re-read the scene and resubmit.", true},

	CodeCompileFailed:         {"Fix the reported compiler errors and submit a new job.", false},
	CodeActionExecutionFailed: {"Inspect the action error and submit a corrected job.", false},
	CodeFileWriteFailed:       {"Check file paths and permissions, then submit a new job.", false},

	CodeHeartbeatTimeout:   {"The owning client stopped sending heartbeats. Resubmit the task.", true},
	CodeMaxRuntimeExceeded: {"The job exceeded its maximum runtime. Resubmit, splitting the work if possible.", true},
	CodeRebootWaitTimeout:  {"Unity did not come back from its reboot in time. Verify the editor is running and resubmit.", true},

	CodeJobNotFound:     {"No job with this id exists. Check the job id.", false},
	CodeRequestNotFound: {"No job matches this request id. The job may have been purged.", false},
	CodeQueryNotFound:   {"No query with this id exists. It may have been swept.", false},

	CodeQueryTimeout: {"The engine did not answer in time. Verify Unity is running and retry the query.", true},

	CodeInternal: {"Unexpected internal error. Retry once; report if it persists.", false},
}

// Suggestion returns the fixed remediation text for the code.
func (c Code) Suggestion() string {
	if info, ok := codeTable[c]; ok {
		return info.suggestion
	}
	return codeTable[CodeInternal].suggestion
}

// Recoverable reports whether a retry can succeed after the condition
// behind the code clears.
func (c Code) Recoverable() bool {
	if info, ok := codeTable[c]; ok {
		return info.recoverable
	}
	return false
}

// ErrorDetail is the uniform error shape clients receive from every
// entry point.
type ErrorDetail struct {
	ErrorCode    Code   `json:"error_code"`
	ErrorMessage string `json:"error_message"`
	Suggestion   string `json:"suggestion"`
	Recoverable  bool   `json:"recoverable"`
}

// Normalize produces the client-facing detail for a code and raw
// message. The message is reduced to its first line, absolute paths are
// replaced by their base names, and the result is truncated.
func Normalize(code Code, message string) ErrorDetail {
	return ErrorDetail{
		ErrorCode:    code,
		ErrorMessage: SanitizeMessage(message),
		Suggestion:   code.Suggestion(),
		Recoverable:  code.Recoverable(),
	}
}

// SanitizeMessage strips stack traces, multi-line content, and absolute
// file paths from a raw error message and truncates it.
func SanitizeMessage(msg string) string {
	if i := strings.IndexAny(msg, "\r\n"); i >= 0 {
		msg = msg[:i]
	}
	msg = strings.TrimSpace(msg)

	fields := strings.Fields(msg)
	for i, f := range fields {
		if isAbsolutePathToken(f) {
			fields[i] = basenameToken(f)
		}
	}
	msg = strings.Join(fields, " ")

	if len(msg) > maxErrorMessageLen {
		msg = msg[:maxErrorMessageLen-3] + "..."
	}
	return msg
}

// isAbsolutePathToken reports whether a token looks like an absolute
// filesystem path (unix or windows drive form).
func isAbsolutePathToken(tok string) bool {
	trimmed := strings.Trim(tok, `"'()[]{},:;`)
	if strings.HasPrefix(trimmed, "/") && strings.Count(trimmed, "/") >= 2 {
		return true
	}
	if len(trimmed) >= 3 && trimmed[1] == ':' && (trimmed[2] == '\\' || trimmed[2] == '/') {
		return true
	}
	return false
}

// basenameToken reduces a path-like token to its final segment.
func basenameToken(tok string) string {
	tok = strings.Trim(tok, `"'()[]{},:;`)
	tok = strings.ReplaceAll(tok, "\\", "/")
	if i := strings.LastIndex(tok, "/"); i >= 0 && i < len(tok)-1 {
		return tok[i+1:]
	}
	return tok
}

// StatusForCode maps a taxonomy code to its HTTP-shaped status. Every
// transport (HTTP and wire protocol) uses the same mapping.
func StatusForCode(code Code) int {
	switch code {
	case CodeSchemaInvalid, CodeActionSchemaInvalid, CodeStaleSnapshot, CodeSelectionUnavailable:
		return 400
	case CodeJobConflict, CodePhaseInvalid, CodeTargetAnchorConflict:
		return 409
	case CodeJobNotFound, CodeRequestNotFound, CodeQueryNotFound:
		return 404
	case CodeQueryTimeout:
		return 504
	default:
		return 500
	}
}

// CodeForError maps a sentinel error to its taxonomy code. Unrecognized
// errors map to CodeInternal.
func CodeForError(err error) Code {
	switch {
	case errors.Is(err, ErrJobNotFound):
		return CodeJobNotFound
	case errors.Is(err, ErrRequestNotFound):
		return CodeRequestNotFound
	case errors.Is(err, ErrQueryNotFound):
		return CodeQueryNotFound
	case errors.Is(err, ErrQueueFull):
		return CodeJobConflict
	case errors.Is(err, ErrSchemaInvalid):
		return CodeSchemaInvalid
	case errors.Is(err, ErrActionSchemaInvalid):
		return CodeActionSchemaInvalid
	case errors.Is(err, ErrStaleSnapshot):
		return CodeStaleSnapshot
	case errors.Is(err, ErrSelectionUnavailable):
		return CodeSelectionUnavailable
	case errors.Is(err, ErrAnchorConflict):
		return CodeTargetAnchorConflict
	case errors.Is(err, ErrPhaseInvalid), errors.Is(err, ErrNotRunning), errors.Is(err, ErrActionMismatch):
		return CodePhaseInvalid
	case errors.Is(err, ErrQueryTimeout):
		return CodeQueryTimeout
	default:
		return CodeInternal
	}
}
