package unitybridge

import "errors"

var (
	// Not found errors.
	ErrJobNotFound     = errors.New("unitybridge: job not found")
	ErrRequestNotFound = errors.New("unitybridge: request not found")
	ErrQueryNotFound   = errors.New("unitybridge: query not found")

	// Queue and lock errors.
	ErrQueueFull  = errors.New("unitybridge: queue full")
	ErrLockHeld   = errors.New("unitybridge: execution slot held by another job")
	ErrNotRunning = errors.New("unitybridge: job is not the running job")

	// Validation and OCC errors.
	ErrSchemaInvalid        = errors.New("unitybridge: request schema invalid")
	ErrActionSchemaInvalid  = errors.New("unitybridge: action schema invalid")
	ErrStaleSnapshot        = errors.New("unitybridge: read token is stale")
	ErrSelectionUnavailable = errors.New("unitybridge: selection unavailable")
	ErrAnchorConflict       = errors.New("unitybridge: write anchor conflicts with live target")

	// Protocol errors.
	ErrPhaseInvalid   = errors.New("unitybridge: event invalid for current phase")
	ErrActionMismatch = errors.New("unitybridge: action result does not match pending action")
	ErrNoFileExecutor = errors.New("unitybridge: no file action executor configured")

	// Query bridge errors.
	ErrQueryTimeout = errors.New("unitybridge: query timed out")

	// Store errors.
	ErrNoStore          = errors.New("unitybridge: no snapshot store configured")
	ErrSnapshotNotFound = errors.New("unitybridge: snapshot not found")
)
