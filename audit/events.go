package audit

// Audit event actions. Each constant corresponds to one lifecycle hook
// and becomes the Action field of the audit event.
const (
	ActionJobQueued     = "job.queued"
	ActionJobStarted    = "job.started"
	ActionJobSucceeded  = "job.succeeded"
	ActionJobFailed     = "job.failed"
	ActionJobCancelled  = "job.cancelled"
	ActionQueryResolved = "query.resolved"
)

// Audit event categories group related actions.
const (
	CategoryJob   = "unitybridge.job"
	CategoryQuery = "unitybridge.query"
)

// Resource types used as the Resource field in audit events.
const (
	ResourceJob   = "job"
	ResourceQuery = "query"
)

// AllActions returns every action this extension can emit.
func AllActions() []string {
	return []string{
		ActionJobQueued,
		ActionJobStarted,
		ActionJobSucceeded,
		ActionJobFailed,
		ActionJobCancelled,
		ActionQueryResolved,
	}
}
