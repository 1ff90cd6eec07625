// Package memory implements an in-memory snapshot store. Intended for
// unit testing and development; snapshots do not survive a restart.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/xraph/unitybridge"
	"github.com/xraph/unitybridge/recovery"
)

// Compile-time interface check.
var _ recovery.SnapshotStore = (*Store)(nil)

// Store keeps the snapshot as serialized JSON under one mutex, so
// callers never alias stored memory.
type Store struct {
	mu   sync.Mutex
	data []byte
}

// New returns a new empty Store.
func New() *Store {
	return &Store{}
}

// SaveSnapshot overwrites the stored snapshot.
func (m *Store) SaveSnapshot(_ context.Context, snap *recovery.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("unitybridge/memory: marshal snapshot: %w", err)
	}

	m.mu.Lock()
	m.data = data
	m.mu.Unlock()
	return nil
}

// LoadSnapshot returns the stored snapshot.
func (m *Store) LoadSnapshot(_ context.Context) (*recovery.Snapshot, error) {
	m.mu.Lock()
	data := m.data
	m.mu.Unlock()

	if data == nil {
		return nil, unitybridge.ErrSnapshotNotFound
	}
	var snap recovery.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unitybridge/memory: unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// DeleteSnapshot removes the stored snapshot.
func (m *Store) DeleteSnapshot(_ context.Context) error {
	m.mu.Lock()
	m.data = nil
	m.mu.Unlock()
	return nil
}

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }
