// Package store defines the snapshot persistence interface the bridge
// boots from. Backends: Postgres (pgx), Bun, Redis, Mongo, and Memory.
// Every backend stores one snapshot per bridge instance; the engine
// overwrites it wholesale and reads it back once at startup.
package store

import (
	"context"

	"github.com/xraph/unitybridge/recovery"
)

// Store is the persistence interface a backend implements. The
// snapshot operations come from recovery.SnapshotStore; the lifecycle
// methods manage the backing connection.
type Store interface {
	recovery.SnapshotStore

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks connectivity to the backend.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
