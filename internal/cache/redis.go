// Copyright 2025 James Ross
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is the go-redis ByteStore. Keys are namespaced under a prefix
// so ClearAll only touches this cache's keyspace.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStore wraps a redis client; prefix defaults to "constellation:cache".
func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "constellation:cache"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) key(k string) string {
	return fmt.Sprintf("%s:%s", s.prefix, k)
}

func (s *RedisStore) GetBytes(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := s.rdb.Get(ctx, s.key(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (s *RedisStore) SetBytes(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	// Redis expires the key itself; the entry metadata still carries the
	// authoritative expiry for the hit/miss accounting above.
	return s.rdb.Set(ctx, s.key(key), data, ttl).Err()
}

func (s *RedisStore) DeleteKey(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Del(ctx, s.key(key)).Result()
	return n > 0, err
}

func (s *RedisStore) ClearAll(ctx context.Context) error {
	var cursor uint64
	pattern := s.prefix + ":*"
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, pattern, 256).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}
