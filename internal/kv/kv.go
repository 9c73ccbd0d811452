// Package kv is the persistence boundary: an opaque key to bytes store.
package kv

import (
	"context"
	"sync"
)

type Store interface {
	// Get returns the value for key. A missing key is reported with ok=false
	// and a nil error.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Put(ctx context.Context, key string, value []byte) error
}

type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	val, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	dup := make([]byte, len(val))
	copy(dup, val)
	return dup, true, nil
}

func (m *Memory) Put(_ context.Context, key string, value []byte) error {
	dup := make([]byte, len(value))
	copy(dup, value)

	m.mu.Lock()
	m.data[key] = dup
	m.mu.Unlock()
	return nil
}

func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
