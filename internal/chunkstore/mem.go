package chunkstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemStore is an in-memory Store and Lister for tests and dry runs.
type MemStore struct {
	mu     sync.RWMutex
	values map[string]string
}

var (
	_ Store  = (*MemStore)(nil)
	_ Lister = (*MemStore)(nil)
)

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{values: make(map[string]string)}
}

func (m *MemStore) Put(ctx context.Context, prefix string, index int, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[SecretName(prefix, index)] = value
	return nil
}

func (m *MemStore) Get(ctx context.Context, prefix string, index int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name := SecretName(prefix, index)
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[name]
	if !ok {
		return "", fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return v, nil
}

func (m *MemStore) ListNames(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.values))
	for name := range m.values {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemStore) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, name)
	return nil
}

// Lookup reads a value by secret name. It has the LookupFunc signature so a
// MemStore can stand in for a workflow environment.
func (m *MemStore) Lookup(name string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[name]
	return v, ok
}

// Set writes a value by secret name.
func (m *MemStore) Set(name, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[name] = value
}
