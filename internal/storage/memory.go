package storage

import (
	"context"
	"sync"
)

// Memory keeps every namespace in process memory. Used by tests and when no
// database path is configured.
type Memory struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]map[string][]byte)}
}

// Namespace implements Backend.
func (m *Memory) Namespace(profile string) Store {
	return &memoryNamespace{parent: m, profile: profile}
}

type memoryNamespace struct {
	parent  *Memory
	profile string
}

func (n *memoryNamespace) Get(_ context.Context, key string) ([]byte, error) {
	n.parent.mu.RLock()
	defer n.parent.mu.RUnlock()

	value, ok := n.parent.data[n.profile][key]
	if !ok {
		return nil, ErrNotFound
	}
	copied := make([]byte, len(value))
	copy(copied, value)
	return copied, nil
}

func (n *memoryNamespace) Set(_ context.Context, key string, value []byte) error {
	copied := make([]byte, len(value))
	copy(copied, value)

	n.parent.mu.Lock()
	defer n.parent.mu.Unlock()

	bucket, ok := n.parent.data[n.profile]
	if !ok {
		bucket = make(map[string][]byte)
		n.parent.data[n.profile] = bucket
	}
	bucket[key] = copied
	return nil
}

func (n *memoryNamespace) Remove(_ context.Context, key string) error {
	n.parent.mu.Lock()
	defer n.parent.mu.Unlock()

	delete(n.parent.data[n.profile], key)
	return nil
}
