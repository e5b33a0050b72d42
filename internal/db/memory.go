package db

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-process KV used by tests and the "memory" backend.
type Memory struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte
}

var _ KV = (*Memory)(nil)

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{data: make(map[string]map[string][]byte)}
}

// Get returns the value stored under key, or ErrNotFound.
func (m *Memory) Get(_ context.Context, collection, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[collection][key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

// Set stores a copy of value under key.
func (m *Memory) Set(_ context.Context, collection, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.data[collection]
	if !ok {
		c = make(map[string][]byte)
		m.data[collection] = c
	}
	c[key] = append([]byte(nil), value...)
	return nil
}

// Delete removes key; missing keys are not an error.
func (m *Memory) Delete(_ context.Context, collection, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data[collection], key)
	return nil
}

// Scan returns the records of a collection in key order.
func (m *Memory) Scan(_ context.Context, collection string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c := m.data[collection]
	out := make([]Record, 0, len(c))
	for k, v := range c {
		out = append(out, Record{Key: k, Value: append([]byte(nil), v...)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }
