package cachestore

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type MemCacheStore struct {
	Data *expirable.LRU[string, []byte]
}

var _ CacheStore = MemCacheStore{}

func NewMemCacheStore(capacity int, ttl time.Duration) MemCacheStore {
	return MemCacheStore{
		Data: expirable.NewLRU[string, []byte](capacity, nil, ttl),
	}
}

func (s MemCacheStore) Get(ctx context.Context, name, key string) ([]byte, bool, error) {
	v, ok := s.Data.Get(name + "/" + key)
	return v, ok, nil
}

func (s MemCacheStore) Set(ctx context.Context, name, key string, val []byte) error {
	s.Data.Add(name+"/"+key, val)
	return nil
}

func (s MemCacheStore) Purge(ctx context.Context, name, key string) error {
	s.Data.Remove(name + "/" + key)
	return nil
}
