package cache

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix prefixes every key the worker writes to Redis.
const DefaultRedisPrefix = "sw"

// RedisStorage keeps each namespace in one Redis hash and tracks namespace
// names in a set, so enumeration never needs SCAN.
//
//	<prefix>:namespaces        SET  of namespace names
//	<prefix>:ns:<namespace>    HASH key -> encoded entry
type RedisStorage struct {
	redis  *redis.Client
	prefix string
}

// NewRedisStorage creates a Redis backed storage.
func NewRedisStorage(redisClient *redis.Client, prefix string) *RedisStorage {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStorage{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (s *RedisStorage) registryKey() string {
	return s.prefix + ":namespaces"
}

func (s *RedisStorage) hashKey(namespace string) string {
	return s.prefix + ":ns:" + namespace
}

func (s *RedisStorage) CreateNamespace(ctx context.Context, name string) error {
	if err := s.redis.SAdd(ctx, s.registryKey(), name).Err(); err != nil {
		return fmt.Errorf("redis sadd: %w", err)
	}
	return nil
}

func (s *RedisStorage) Namespaces(ctx context.Context) ([]string, error) {
	names, err := s.redis.SMembers(ctx, s.registryKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	return names, nil
}

func (s *RedisStorage) DeleteNamespace(ctx context.Context, name string) (bool, error) {
	var del *redis.IntCmd
	var srem *redis.IntCmd
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, s.hashKey(name))
		srem = pipe.SRem(ctx, s.registryKey(), name)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("redis delete namespace: %w", err)
	}
	return del.Val() > 0 || srem.Val() > 0, nil
}

func (s *RedisStorage) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	data, err := s.redis.HGet(ctx, s.hashKey(namespace), key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("redis hget: %w", err)
	}
	return data, nil
}

// putScript writes a hash field only while the namespace is registered.
//
//	KEYS[1] registry set, KEYS[2] namespace hash
//	ARGV[1] namespace, ARGV[2] key, ARGV[3] value
var putScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[2], ARGV[2], ARGV[3])
return 1
`)

func (s *RedisStorage) Put(ctx context.Context, namespace, key string, value []byte) error {
	written, err := putScript.Run(ctx, s.redis,
		[]string{s.registryKey(), s.hashKey(namespace)},
		namespace, key, value,
	).Int()
	if err != nil {
		return fmt.Errorf("redis put: %w", err)
	}
	if written == 0 {
		return ErrNamespaceNotFound
	}
	return nil
}

func (s *RedisStorage) Keys(ctx context.Context, namespace string) ([]string, error) {
	keys, err := s.redis.HKeys(ctx, s.hashKey(namespace)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hkeys: %w", err)
	}
	return keys, nil
}

func (s *RedisStorage) Ping(ctx context.Context) error {
	return s.redis.Ping(ctx).Err()
}

// Close is a no-op; the Redis client belongs to the caller.
func (s *RedisStorage) Close() error {
	return nil
}
