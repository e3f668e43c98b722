package storage

import (
	"context"
	"sync"
)

// MemoryStore keeps the encoded documents in process memory.
type MemoryStore struct {
	docStore
	mu   sync.Mutex
	docs map[string][]byte
}

// NewMemoryStore returns an empty store that lives as long as the process.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{docs: make(map[string][]byte)}
	m.docStore = docStore{d: m}
	return m
}

func (m *MemoryStore) get(_ context.Context, name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.docs[name]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryStore) put(_ context.Context, name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[name] = data
	return nil
}
