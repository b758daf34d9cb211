package settings

import (
	"context"
	"sync"
)

// Store persists runtime settings as plain key/value strings.
type Store interface {
	// Load returns the stored value for key, or def when nothing is stored.
	Load(ctx context.Context, key, def string) (string, error)
	// Store persists value under key.
	Store(ctx context.Context, key, value string) error
}

// MemoryStore keeps settings for the lifetime of the process only.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryStore returns a MemoryStore seeded with the given values.
func NewMemoryStore(seed map[string]string) *MemoryStore {
	values := make(map[string]string, len(seed))
	for k, v := range seed {
		values[k] = v
	}
	return &MemoryStore{values: values}
}

func (m *MemoryStore) Load(_ context.Context, key, def string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if v, ok := m.values[key]; ok {
		return v, nil
	}
	return def, nil
}

func (m *MemoryStore) Store(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}
