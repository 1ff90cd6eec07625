// Package job defines the job entity, its embedded lease, and the
// indexed in-memory store.
//
// # Job Entity
//
// A [Job] is one unit of editor work. It carries the client's intent,
// the correlation ids used by the engine callback surface, an embedded
// [Lease] for liveness tracking, and the dispatch protocol runtime. It
// progresses through a small lifecycle:
//
//	queued → pending → succeeded
//	queued → pending → failed
//	queued|pending → cancelled
//
// At most one job is pending at any time; the rest wait in the queue.
// Terminal jobs are immutable apart from lease metadata and TTL purge.
//
// # Store
//
// [Store] keeps jobs in memory under one mutex with two secondary
// indexes: idempotency key → job and request id → job. Every read and
// write copies, so callers never share memory with the store. All
// mutation flows through UpsertJob/UpdateJob, which re-normalize the
// record so a patch cannot desynchronize derived invariants.
package job
