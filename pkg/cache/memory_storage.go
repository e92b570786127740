package cache

import (
	"context"
	"sync"
)

// MemoryStorage keeps namespaces in process memory.
type MemoryStorage struct {
	mu         sync.RWMutex
	namespaces map[string]map[string][]byte
}

// NewMemoryStorage creates an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		namespaces: make(map[string]map[string][]byte),
	}
}

func (s *MemoryStorage) CreateNamespace(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.namespaces[name]; !ok {
		s.namespaces[name] = make(map[string][]byte)
	}
	return nil
}

func (s *MemoryStorage) Namespaces(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.namespaces))
	for name := range s.namespaces {
		names = append(names, name)
	}
	return names, nil
}

func (s *MemoryStorage) DeleteNamespace(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.namespaces[name]; !ok {
		return false, nil
	}
	delete(s.namespaces, name)
	return true, nil
}

func (s *MemoryStorage) Get(_ context.Context, namespace, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries, ok := s.namespaces[namespace]
	if !ok {
		return nil, ErrCacheMiss
	}
	value, ok := entries[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	return append([]byte(nil), value...), nil
}

func (s *MemoryStorage) Put(_ context.Context, namespace, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, ok := s.namespaces[namespace]
	if !ok {
		return ErrNamespaceNotFound
	}
	entries[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryStorage) Keys(_ context.Context, namespace string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.namespaces[namespace]
	keys := make([]string, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	return keys, nil
}

func (s *MemoryStorage) Ping(context.Context) error {
	return nil
}

func (s *MemoryStorage) Close() error {
	return nil
}
