package store

import (
	"bytes"
	"context"
	"sort"
	"sync"
)

// MemStore is an in-memory Backend.
type MemStore struct {
	mu    sync.RWMutex
	name  string
	blobs map[string][]byte
}

// NewMemStore returns an empty store reporting name from Name.
func NewMemStore(name string) *MemStore {
	return &MemStore{name: name, blobs: map[string][]byte{}}
}

// Name implements Named.
func (m *MemStore) Name() string { return m.name }

func (m *MemStore) Put(ctx context.Context, id string, blob []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[id] = bytes.Clone(blob)
	return nil
}

func (m *MemStore) Get(ctx context.Context, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blobs[id]
	if !ok {
		return nil, &NotFoundError{ID: id}
	}
	return bytes.Clone(b), nil
}

func (m *MemStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, id)
	return nil
}

// List returns identifiers in lexical order.
func (m *MemStore) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.blobs))
	for id := range m.blobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Len returns the number of stored snapshots.
func (m *MemStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}
