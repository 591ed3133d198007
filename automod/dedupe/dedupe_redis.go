package dedupe

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

var redisSeenPrefix string = "seen/"

type RedisStore struct {
	Client *redis.Client
	TTL    time.Duration
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{
		Client: client,
		TTL:    ttl,
	}
}

func (s *RedisStore) MarkSeen(ctx context.Context, scope, id string) (bool, error) {
	return s.Client.SetNX(ctx, redisSeenPrefix+seenKey(scope, id), 1, s.TTL).Result()
}

func (s *RedisStore) Forget(ctx context.Context, scope, id string) error {
	return s.Client.Del(ctx, redisSeenPrefix+seenKey(scope, id)).Err()
}
