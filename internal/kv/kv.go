// Package kv defines the string key-value store used for small pieces of
// persistent state such as the cache version tag.
package kv

import (
	"context"
	"sync"
)

// Storage is a string key-value store.
type Storage interface {
	// GetItem returns the value for key. ok is false when the key is unset.
	GetItem(ctx context.Context, key string) (value string, ok bool, err error)
	SetItem(ctx context.Context, key, value string) error
	RemoveItem(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

// Memory is an in-process Storage. The zero value is not usable; call NewMemory.
type Memory struct {
	mu    sync.RWMutex
	items map[string]string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{items: make(map[string]string)}
}

func (m *Memory) GetItem(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.items[key]
	return v, ok, nil
}

func (m *Memory) SetItem(_ context.Context, key, value string) error {
	m.mu.Lock()
	m.items[key] = value
	m.mu.Unlock()
	return nil
}

func (m *Memory) RemoveItem(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	m.items = make(map[string]string)
	m.mu.Unlock()
	return nil
}
