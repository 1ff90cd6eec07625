// Package mongo implements the snapshot store on MongoDB. The snapshot
// is one document per bridge instance, replaced wholesale with an
// upsert. The engine state is kept as serialized JSON so the document
// shape matches every other backend.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/unitybridge"
	"github.com/xraph/unitybridge/recovery"
)

// Compile-time interface check.
var _ recovery.SnapshotStore = (*Store)(nil)

// Collection name.
const colSnapshots = "unitybridge_snapshots"

// DefaultInstance is the snapshot document key used when no instance
// name is configured.
const DefaultInstance = "default"

type snapshotDoc struct {
	Instance string    `bson:"_id"`
	Version  int       `bson:"version"`
	Data     []byte    `bson:"data"`
	SavedAt  time.Time `bson:"saved_at"`
}

// Store is a MongoDB implementation of the snapshot store. The caller
// owns the client lifecycle; Store never closes it.
type Store struct {
	db       *mongod.Database
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

// WithInstance sets the snapshot document key, for running several
// bridges against one database.
func WithInstance(name string) Option {
	return func(s *Store) {
		if name != "" {
			s.instance = name
		}
	}
}

// New creates a new MongoDB store over the given database. The caller
// owns the client lifecycle — the Store will not close it on Close().
func New(db *mongod.Database, opts ...Option) *Store {
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

// Database returns the underlying database handle for advanced usage.
func (s *Store) Database() *mongod.Database {
	return s.db
}

// Migrate creates the saved_at index on the snapshot collection.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.Collection(colSnapshots).Indexes().CreateOne(ctx, mongod.IndexModel{
		Keys: bson.D{{Key: "saved_at", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("unitybridge/mongo: migrate %s indexes: %w", colSnapshots, err)
	}
	return nil
}

// SaveSnapshot replaces the snapshot document for this instance.
func (s *Store) SaveSnapshot(ctx context.Context, snap *recovery.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("unitybridge/mongo: marshal snapshot: %w", err)
	}

	doc := snapshotDoc{
		Instance: s.instance,
		Version:  snap.Version,
		Data:     data,
		SavedAt:  time.Now().UTC(),
	}
	_, err = s.db.Collection(colSnapshots).ReplaceOne(ctx,
		bson.D{{Key: "_id", Value: s.instance}},
		doc,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("unitybridge/mongo: save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the snapshot document for this instance.
func (s *Store) LoadSnapshot(ctx context.Context) (*recovery.Snapshot, error) {
	var doc snapshotDoc
	err := s.db.Collection(colSnapshots).
		FindOne(ctx, bson.D{{Key: "_id", Value: s.instance}}).
		Decode(&doc)
	if err != nil {
		if errors.Is(err, mongod.ErrNoDocuments) {
			return nil, unitybridge.ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("unitybridge/mongo: load snapshot: %w", err)
	}

	var snap recovery.Snapshot
	if err := json.Unmarshal(doc.Data, &snap); err != nil {
		return nil, fmt.Errorf("unitybridge/mongo: unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// DeleteSnapshot removes the snapshot document for this instance.
func (s *Store) DeleteSnapshot(ctx context.Context) error {
	_, err := s.db.Collection(colSnapshots).DeleteOne(ctx,
		bson.D{{Key: "_id", Value: s.instance}})
	if err != nil {
		return fmt.Errorf("unitybridge/mongo: delete snapshot: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Client().Ping(ctx, nil)
}

// Close is a no-op because the caller owns the client lifecycle.
func (s *Store) Close() error {
	return nil
}
