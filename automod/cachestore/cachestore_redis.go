package cachestore

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/cache/v9"
	"github.com/redis/go-redis/v9"
)

// Two-level cache: a small in-process TinyLFU in front of redis, so repeated reads on one instance skip the
// network.
type RedisCacheStore struct {
	Data *cache.Cache
	TTL  time.Duration
}

var _ CacheStore = (*RedisCacheStore)(nil)

func NewRedisCacheStore(client *redis.Client, ttl time.Duration) *RedisCacheStore {
	data := cache.New(&cache.Options{
		Redis:      client,
		LocalCache: cache.NewTinyLFU(10_000, ttl),
	})
	return &RedisCacheStore{
		Data: data,
		TTL:  ttl,
	}
}

func redisCacheKey(name, key string) string {
	return "cache/" + name + "/" + key
}

func (s *RedisCacheStore) Get(ctx context.Context, name, key string) ([]byte, bool, error) {
	var val []byte
	err := s.Data.Get(ctx, redisCacheKey(name, key), &val)
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (s *RedisCacheStore) Set(ctx context.Context, name, key string, val []byte) error {
	return s.Data.Set(&cache.Item{
		Ctx:   ctx,
		Key:   redisCacheKey(name, key),
		Value: val,
		TTL:   s.TTL,
	})
}

func (s *RedisCacheStore) Purge(ctx context.Context, name, key string) error {
	err := s.Data.Delete(ctx, redisCacheKey(name, key))
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil
	}
	return err
}
