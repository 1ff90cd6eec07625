// Package bunstore implements the snapshot store with the Bun ORM on
// the PostgreSQL dialect. The snapshot is one row per bridge instance,
// upserted wholesale.
package bunstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/uptrace/bun"

	"github.com/xraph/unitybridge"
	"github.com/xraph/unitybridge/recovery"
)

// Compile-time interface check.
var _ recovery.SnapshotStore = (*Store)(nil)

// DefaultInstance is the snapshot row key used when no instance name is
// configured.
const DefaultInstance = "default"

type snapshotModel struct {
	bun.BaseModel `bun:"table:unitybridge_snapshots"`

	Instance string    `bun:"instance,pk"`
	Version  int       `bun:"version,notnull"`
	Data     []byte    `bun:"data,notnull,type:jsonb"`
	SavedAt  time.Time `bun:"saved_at,notnull,default:current_timestamp"`
}

// Store is a Bun ORM implementation of the snapshot store.
// The caller owns the *bun.DB lifecycle; Store never closes it.
type Store struct {
	db       *bun.DB
	instance string
	logger   *slog.Logger
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithInstance sets the snapshot row key, for running several bridges
// against one database.
func WithInstance(name string) Option {
	return func(s *Store) {
		if name != "" {
			s.instance = name
		}
	}
}

// New creates a new Bun store. The caller owns the db lifecycle — the
// Store will not close it on Close().
func New(db *bun.DB, opts ...Option) *Store {
	s := &Store{
		db:       db,
		instance: DefaultInstance,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB returns the underlying *bun.DB for advanced usage.
func (s *Store) DB() *bun.DB {
	return s.db
}

// Migrate creates the snapshot table.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.NewCreateTable().
		Model((*snapshotModel)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("unitybridge/bun: create snapshots table: %w", err)
	}
	return nil
}

// SaveSnapshot upserts the snapshot row for this instance.
func (s *Store) SaveSnapshot(ctx context.Context, snap *recovery.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("unitybridge/bun: marshal snapshot: %w", err)
	}

	model := &snapshotModel{
		Instance: s.instance,
		Version:  snap.Version,
		Data:     data,
		SavedAt:  time.Now().UTC(),
	}
	_, err = s.db.NewInsert().
		Model(model).
		On("CONFLICT (instance) DO UPDATE").
		Set("version = EXCLUDED.version").
		Set("data = EXCLUDED.data").
		Set("saved_at = EXCLUDED.saved_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("unitybridge/bun: save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the snapshot row for this instance.
func (s *Store) LoadSnapshot(ctx context.Context) (*recovery.Snapshot, error) {
	model := new(snapshotModel)
	err := s.db.NewSelect().
		Model(model).
		Where("instance = ?", s.instance).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, unitybridge.ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("unitybridge/bun: load snapshot: %w", err)
	}

	var snap recovery.Snapshot
	if err := json.Unmarshal(model.Data, &snap); err != nil {
		return nil, fmt.Errorf("unitybridge/bun: unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// DeleteSnapshot removes the snapshot row for this instance.
func (s *Store) DeleteSnapshot(ctx context.Context) error {
	_, err := s.db.NewDelete().
		Model((*snapshotModel)(nil)).
		Where("instance = ?", s.instance).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("unitybridge/bun: delete snapshot: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close is a no-op because the caller owns the *bun.DB lifecycle.
func (s *Store) Close() error {
	return nil
}
