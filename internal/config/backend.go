package config

import (
	"context"
	"maps"
	"sync"

	"github.com/nhle/mailrpc/internal/store"
)

// Backend persists raw (JSON-encoded) values for one or more namespaces.
// *store.SQLiteStore satisfies it.
type Backend interface {
	GetValue(ctx context.Context, namespace, key string) (string, error)
	GetValues(ctx context.Context, namespace string) (map[string]string, error)
	SetValue(ctx context.Context, namespace, key, value string) error
	DeleteValue(ctx context.Context, namespace, key string) error
	DeleteNamespace(ctx context.Context, namespace string) error
}

var _ Backend = (*store.SQLiteStore)(nil)

// MemoryBackend keeps values in process memory. It backs the session
// namespace, whose contents do not survive a restart.
type MemoryBackend struct {
	mu   sync.Mutex
	data map[string]map[string]string
}

// NewMemoryBackend returns an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string]map[string]string)}
}

func (m *MemoryBackend) GetValue(_ context.Context, ns, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.data[ns][key]
	if !ok {
		return "", store.ErrNotFound
	}
	return v, nil
}

func (m *MemoryBackend) GetValues(_ context.Context, ns string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]string, len(m.data[ns]))
	maps.Copy(out, m.data[ns])
	return out, nil
}

func (m *MemoryBackend) SetValue(_ context.Context, ns, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.data[ns] == nil {
		m.data[ns] = make(map[string]string)
	}
	m.data[ns][key] = value
	return nil
}

func (m *MemoryBackend) DeleteValue(_ context.Context, ns, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data[ns], key)
	return nil
}

func (m *MemoryBackend) DeleteNamespace(_ context.Context, ns string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, ns)
	return nil
}
