// Package query implements the synchronous-over-asynchronous query
// bridge used for read-only probes of the live editor.
//
// A caller invokes [Coordinator.EnqueueAndWait] and blocks on a
// per-query channel while the engine polls with PullQuery and answers
// with ReportQueryResult out-of-band. A companion timer races the
// resolution; whichever side wins settles the query exactly once.
// Late or duplicate reports are absorbed as idempotent replays.
package query
