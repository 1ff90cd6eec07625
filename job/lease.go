package job

// LeaseState represents the liveness state of a job's lease.
type LeaseState string

const (
	// LeaseActive means the owning client is believed alive.
	LeaseActive LeaseState = "active"
	// LeaseOrphaned means the janitor cancelled the job after a
	// liveness timeout.
	LeaseOrphaned LeaseState = "orphaned"
	// LeaseReleased means the owning job reached a terminal state.
	LeaseReleased LeaseState = "released"
)

// Lease is the liveness contract for one job. It is refreshed by
// client heartbeats and status polls, and evaluated by the janitor.
type Lease struct {
	OwnerClientID      string     `json:"owner_client_id,omitempty"`
	LastHeartbeatAt    int64      `json:"last_heartbeat_at"`
	HeartbeatTimeoutMS int64      `json:"heartbeat_timeout_ms"`
	MaxRuntimeMS       int64      `json:"max_runtime_ms"`
	Orphaned           bool       `json:"orphaned"`
	State              LeaseState `json:"state"`
}

// LeaseDefaults supplies fallback budgets for NormalizeLease.
type LeaseDefaults struct {
	HeartbeatTimeoutMS int64
	MaxRuntimeMS       int64
}

// NormalizeLease repairs a lease in place of rejecting it. Missing or
// malformed fields fall back to the supplied defaults and now. It never
// returns an error.
func NormalizeLease(l Lease, now int64, defaults LeaseDefaults) Lease {
	if l.LastHeartbeatAt <= 0 {
		l.LastHeartbeatAt = now
	}
	if l.HeartbeatTimeoutMS <= 0 {
		l.HeartbeatTimeoutMS = defaults.HeartbeatTimeoutMS
	}
	if l.MaxRuntimeMS <= 0 {
		l.MaxRuntimeMS = defaults.MaxRuntimeMS
	}
	switch l.State {
	case LeaseActive, LeaseOrphaned, LeaseReleased:
	default:
		if l.Orphaned {
			l.State = LeaseOrphaned
		} else {
			l.State = LeaseActive
		}
	}
	return l
}

// TouchLease records a liveness signal: it resets the heartbeat clock,
// clears the orphaned flag, and reactivates the lease. A non-empty
// ownerClientID reassigns ownership.
func TouchLease(l Lease, now int64, ownerClientID string) Lease {
	l.LastHeartbeatAt = now
	l.Orphaned = false
	l.State = LeaseActive
	if ownerClientID != "" {
		l.OwnerClientID = ownerClientID
	}
	return l
}
