// Package unitybridge implements the job orchestration engine behind an
// agent-to-editor automation bridge. It accepts mutation tasks from an
// external planner, drives each one through a file-write, compile, and
// visual-action protocol against a single live Unity editor process, and
// reports progress and results back, surviving process restarts and
// silent client death.
//
// The bridge is designed as a library, not a service. Import it, pick a
// snapshot store, and compose the gateway from the engine primitives:
//
//	jobs := job.NewStore()
//	fifo := queue.NewFIFO(cfg.MaxQueue)
//	lock := queue.NewLock()
//	d := protocol.NewDispatcher(exec)
//	gw := gateway.NewGateway(jobs, fifo, lock, d, hook.NewRegistry(logger))
//
// The cmd/unity-bridge binary is the reference composition: it adds the
// HTTP API, the wire WebSocket endpoint, the janitor, and snapshot
// recovery around the same primitives.
//
// # Architecture
//
// Only one job executes at a time: the editor cannot safely apply two
// mutations concurrently. Submissions beyond the running job wait in a
// bounded FIFO queue. A lease janitor detects dead clients and stuck
// phases and cancels their jobs. State is persisted as a best-effort
// snapshot and reconciled on restart.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based,
// compile-time safe identifiers.
package unitybridge
