// Package cache provides version-tagged cache namespaces for the caching worker.
//
// A namespace is a named store of request key → response snapshot pairs.
// Its name combines a role with the build's cache version:
//
//	static-v1739452800123   precached application shell
//	runtime-v1739452800123  entries written by fetch strategies
//
// Entries are never evicted individually. They disappear only when the
// whole namespace is deleted, which happens when a newer worker version
// activates.
//
// # Backends
//
// The Storage interface hides the medium. Three implementations exist:
//
//   - RedisStorage: shared across processes, one hash per namespace
//   - SQLiteStorage: single node, durable, pure Go driver
//   - MemoryStorage: in-process map, used for embedding and tests
//
// All backends provide atomic per-key writes. Concurrent writers to the same
// key race and the last write wins.
//
// # Basic Usage
//
//	storage := cache.NewRedisStorage(redisClient, "sw")
//	manager := cache.NewManager(storage)
//
//	static, runtime := cache.CurrentNamespaces("1739452800123")
//	_ = manager.Open(ctx, runtime)
//	key := cache.KeyForURL(u)
//
//	entry, err := manager.Match(ctx, runtime, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch from network, then:
//		entry, _ = cache.ResponseToEntry(resp)
//		_ = manager.Put(ctx, runtime, key, entry)
//	}
//
// # Metrics
//
//   - sw_cache_hits_total{namespace_role} - Cache hits
//   - sw_cache_misses_total - Cache misses
//   - sw_cache_writes_total{namespace_role} - Entries written
//   - sw_cache_errors_total{operation} - Storage operation errors
//   - sw_namespaces_deleted_total - Namespaces removed
package cache
