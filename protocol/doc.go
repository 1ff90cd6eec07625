// Package protocol implements the dispatch protocol state machine that
// drives one job through the Unity editor's file-write, compile, and
// visual-action phases.
//
// The [Dispatcher] is a pure transition function: given a job's
// persisted [Runtime] and one inbound event, it returns the next
// runtime plus a [Transition] descriptor. It never mutates shared
// state, which is what makes its transitions safe to apply atomically
// from the gateway's single-writer loop.
//
// Phases move strictly forward:
//
//	accepted → compile_pending → action_pending → completed
//
// failed is reachable from any phase. waiting_for_unity_reboot is
// reachable only from action_pending, when the editor reports a reboot
// in progress, and returns to action_pending on the next runtime ping
// without rewinding the action cursor.
package protocol
