package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Manager handles cache operations over a Storage backend.
// It encodes entries and records metrics; it never evicts single entries.
type Manager struct {
	storage Storage
}

// NewManager creates a new cache manager.
func NewManager(storage Storage) *Manager {
	if storage == nil {
		panic("cache storage cannot be nil")
	}
	return &Manager{
		storage: storage,
	}
}

// Storage returns the underlying backend.
func (m *Manager) Storage() Storage {
	return m.storage
}

// Open creates the namespace if it is missing. Calling it again is a no-op.
func (m *Manager) Open(ctx context.Context, ns Namespace) error {
	if err := m.storage.CreateNamespace(ctx, ns.String()); err != nil {
		CacheErrors.WithLabelValues("open").Inc()
		return fmt.Errorf("open namespace %s: %w", ns, err)
	}
	return nil
}

// Match retrieves the entry stored for key in ns.
// Returns ErrCacheMiss if there is none.
func (m *Manager) Match(ctx context.Context, ns Namespace, key CacheKey) (*CacheEntry, error) {
	data, err := m.storage.Get(ctx, ns.String(), key.String())
	if err != nil {
		if errors.Is(err, ErrCacheMiss) {
			CacheMisses.Inc()
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues("match").Inc()
		return nil, fmt.Errorf("match %s: %w", ns, err)
	}

	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		CacheErrors.WithLabelValues("match").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	CacheHits.WithLabelValues(string(ns.Role)).Inc()
	return &entry, nil
}

// Put stores entry under key in ns, replacing any previous value.
// ns must have been opened; a deleted namespace yields ErrNamespaceNotFound.
func (m *Manager) Put(ctx context.Context, ns Namespace, key CacheKey, entry *CacheEntry) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}

	data, err := json.Marshal(entry)
	if err != nil {
		CacheErrors.WithLabelValues("put").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	if err := m.storage.Put(ctx, ns.String(), key.String(), data); err != nil {
		CacheErrors.WithLabelValues("put").Inc()
		return fmt.Errorf("put %s: %w", ns, err)
	}

	CacheWrites.WithLabelValues(string(ns.Role)).Inc()
	return nil
}

// Namespaces lists all namespace names in storage, sorted.
func (m *Manager) Namespaces(ctx context.Context) ([]string, error) {
	names, err := m.storage.Namespaces(ctx)
	if err != nil {
		CacheErrors.WithLabelValues("list").Inc()
		return nil, fmt.Errorf("list namespaces: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes a namespace by name.
func (m *Manager) Delete(ctx context.Context, name string) (bool, error) {
	deleted, err := m.storage.DeleteNamespace(ctx, name)
	if err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return false, fmt.Errorf("delete namespace %s: %w", name, err)
	}
	if deleted {
		NamespacesDeleted.Inc()
	}
	return deleted, nil
}

// Keys lists the keys stored in ns, sorted.
func (m *Manager) Keys(ctx context.Context, ns Namespace) ([]string, error) {
	keys, err := m.storage.Keys(ctx, ns.String())
	if err != nil {
		CacheErrors.WithLabelValues("list").Inc()
		return nil, fmt.Errorf("list keys %s: %w", ns, err)
	}
	sort.Strings(keys)
	return keys, nil
}
