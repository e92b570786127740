package cache

import (
	"context"
	"errors"
)

var (
	// ErrCacheMiss indicates the requested key was not found in the namespace
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")

	// ErrNamespaceNotFound is returned by Put when the namespace was never
	// created or has been deleted.
	ErrNamespaceNotFound = errors.New("cache namespace not found")
)

// Storage is the medium that holds cache namespaces.
// Keys and values are opaque; Manager owns their encoding.
//
// Implementations must be safe for concurrent use and must write a single
// key atomically.
type Storage interface {
	// CreateNamespace creates the namespace if it does not exist yet.
	CreateNamespace(ctx context.Context, name string) error

	// Namespaces lists every namespace present in storage.
	Namespaces(ctx context.Context) ([]string, error)

	// DeleteNamespace removes a namespace with all its entries.
	// It reports whether anything was removed.
	DeleteNamespace(ctx context.Context, name string) (bool, error)

	// Get returns the stored value or ErrCacheMiss.
	Get(ctx context.Context, namespace, key string) ([]byte, error)

	// Put stores a value in an existing namespace. A namespace that is not
	// registered gets ErrNamespaceNotFound; Put never recreates one that
	// was deleted. The existence check and the write are one atomic step.
	Put(ctx context.Context, namespace, key string, value []byte) error

	// Keys lists the keys of a namespace.
	Keys(ctx context.Context, namespace string) ([]string, error)

	// Ping checks that the medium is reachable.
	Ping(ctx context.Context) error

	// Close releases resources held by the backend.
	Close() error
}

var (
	_ Storage = (*RedisStorage)(nil)
	_ Storage = (*SQLiteStorage)(nil)
	_ Storage = (*MemoryStorage)(nil)
)
