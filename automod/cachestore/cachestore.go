package cachestore

import (
	"context"
	"encoding/json"
	"fmt"
)

type CacheStore interface {
	// returns ok=false on a miss
	Get(ctx context.Context, name, key string) (val []byte, ok bool, err error)
	Set(ctx context.Context, name, key string, val []byte) error
	Purge(ctx context.Context, name, key string) error
}

// Decodes a cached JSON document. Returns nil, nil on a miss.
func GetJSON[T any](ctx context.Context, cs CacheStore, name, key string) (*T, error) {
	b, ok, err := cs.Get(ctx, name, key)
	if err != nil || !ok {
		return nil, err
	}
	var out T
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decoding cached %s: %w", name, err)
	}
	return &out, nil
}

func SetJSON(ctx context.Context, cs CacheStore, name, key string, val any) error {
	b, err := json.Marshal(val)
	if err != nil {
		return fmt.Errorf("encoding %s for cache: %w", name, err)
	}
	return cs.Set(ctx, name, key, b)
}
