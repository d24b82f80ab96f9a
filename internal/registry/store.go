// internal/registry/store.go
package registry

import (
	"context"
	"errors"
	"sync"
)

// ErrKeyNotFound is returned by Store implementations for missing keys.
var ErrKeyNotFound = errors.New("registry: key not found")

// ErrCASConflict is returned by CompareAndSet when the stored value no longer
// matches the expected one.
var ErrCASConflict = errors.New("registry: compare-and-set conflict")

// Store is the serialized-record storage under the registry. Values are JSON
// blobs; the registry owns the schema. CompareAndSet is the concurrency
// primitive every stage advance goes through.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	// CompareAndSet writes value only if the current stored bytes equal
	// expected. A nil expected means the key must not exist yet.
	CompareAndSet(ctx context.Context, key string, expected, value []byte) error
	Delete(ctx context.Context, key string) error
}

// MemoryStore is an in-process Store for tests and single-node deployments.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.data[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryStore) CompareAndSet(_ context.Context, key string, expected, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.data[key]
	if expected == nil {
		if exists {
			return ErrCASConflict
		}
	} else {
		if !exists || string(current) != string(expected) {
			return ErrCASConflict
		}
	}

	s.data[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, key)
	return nil
}
