// Package redis implements the snapshot store on Redis. The snapshot
// is one JSON value under a single key, overwritten atomically on every
// save.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/xraph/unitybridge"
	"github.com/xraph/unitybridge/recovery"
)

// Compile-time interface check.
var _ recovery.SnapshotStore = (*Store)(nil)

// snapshotKey holds the serialized engine snapshot. The prefix keeps
// bridge data out of the way of anything else on the instance.
const snapshotKey = "unitybridge:snapshot"

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithKey overrides the snapshot key, for running several bridges
// against one Redis instance.
func WithKey(key string) Option {
	return func(s *Store) {
		if key != "" {
			s.key = key
		}
	}
}

// Store implements recovery.SnapshotStore backed by Redis.
type Store struct {
	client redis.Cmdable
	key    string
	logger *slog.Logger
}

// New creates a new Redis-backed snapshot store. The caller owns the
// Redis client lifecycle.
func New(client redis.Cmdable, opts ...Option) *Store {
	s := &Store{client: client, key: snapshotKey, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() redis.Cmdable { return s.client }

// SaveSnapshot overwrites the stored snapshot.
func (s *Store) SaveSnapshot(ctx context.Context, snap *recovery.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("unitybridge/redis: marshal snapshot: %w", err)
	}
	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("unitybridge/redis: save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the stored snapshot.
func (s *Store) LoadSnapshot(ctx context.Context) (*recovery.Snapshot, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, unitybridge.ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("unitybridge/redis: load snapshot: %w", err)
	}
	var snap recovery.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unitybridge/redis: unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// DeleteSnapshot removes the stored snapshot.
func (s *Store) DeleteSnapshot(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("unitybridge/redis: delete snapshot: %w", err)
	}
	return nil
}

// Migrate is a no-op for Redis (schemaless).
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op — the caller owns the Redis client lifecycle.
func (s *Store) Close() error { return nil }
