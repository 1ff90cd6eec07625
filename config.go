package unitybridge

import (
	"os"
	"strconv"
	"time"
)

// Config holds the tuning knobs for the bridge engine.
type Config struct {
	// MaxQueue is the maximum number of jobs waiting behind the
	// running job. Submits past this bound are rejected.
	MaxQueue int

	// HeartbeatTimeout is how long a job may go without a heartbeat
	// before the janitor cancels it.
	HeartbeatTimeout time.Duration

	// MaxRuntime is the wall-clock budget for a single job measured
	// from creation.
	MaxRuntime time.Duration

	// RebootWaitTimeout is how long a job may sit suspended waiting
	// for the Unity editor to come back from a reboot.
	RebootWaitTimeout time.Duration

	// SweepInterval is the janitor sweep cadence.
	SweepInterval time.Duration

	// SnapshotTTL is how long terminal jobs are retained in the
	// snapshot before cleanup purges them.
	SnapshotTTL time.Duration

	// QueryTimeout is the per-query wait budget for the sync-over-async
	// query bridge.
	QueryTimeout time.Duration

	// QueryRetention is how long terminal queries are retained before
	// the sweeper prunes them.
	QueryRetention time.Duration

	// MaxQueries caps the query store size. The sweeper evicts the
	// oldest terminal entries past this bound.
	MaxQueries int

	// MaintenanceSchedule is a cron expression for the snapshot
	// cleanup cadence.
	MaintenanceSchedule string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxQueue:            8,
		HeartbeatTimeout:    90 * time.Second,
		MaxRuntime:          10 * time.Minute,
		RebootWaitTimeout:   3 * time.Minute,
		SweepInterval:       15 * time.Second,
		SnapshotTTL:         24 * time.Hour,
		QueryTimeout:        30 * time.Second,
		QueryRetention:      10 * time.Minute,
		MaxQueries:          500,
		MaintenanceSchedule: "*/10 * * * *",
	}
}

// ConfigFromEnv returns DefaultConfig overridden by UNITY_BRIDGE_*
// environment variables. Unset or malformed variables keep defaults.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	cfg.MaxQueue = envInt("UNITY_BRIDGE_MAX_QUEUE", cfg.MaxQueue)
	cfg.HeartbeatTimeout = envDuration("UNITY_BRIDGE_HEARTBEAT_TIMEOUT", cfg.HeartbeatTimeout)
	cfg.MaxRuntime = envDuration("UNITY_BRIDGE_MAX_RUNTIME", cfg.MaxRuntime)
	cfg.RebootWaitTimeout = envDuration("UNITY_BRIDGE_REBOOT_WAIT_TIMEOUT", cfg.RebootWaitTimeout)
	cfg.SweepInterval = envDuration("UNITY_BRIDGE_SWEEP_INTERVAL", cfg.SweepInterval)
	cfg.SnapshotTTL = envDuration("UNITY_BRIDGE_SNAPSHOT_TTL", cfg.SnapshotTTL)
	cfg.QueryTimeout = envDuration("UNITY_BRIDGE_QUERY_TIMEOUT", cfg.QueryTimeout)
	cfg.QueryRetention = envDuration("UNITY_BRIDGE_QUERY_RETENTION", cfg.QueryRetention)
	cfg.MaxQueries = envInt("UNITY_BRIDGE_MAX_QUERIES", cfg.MaxQueries)
	if v := os.Getenv("UNITY_BRIDGE_MAINTENANCE_SCHEDULE"); v != "" {
		cfg.MaintenanceSchedule = v
	}
	return cfg
}

func envInt(name string, fallback int) int {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func envDuration(name string, fallback time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
