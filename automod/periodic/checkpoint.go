package periodic

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Persists the scan cursor of a periodic job, so an interrupted pass resumes where it stopped instead of starting over.
type CheckpointStore interface {
	GetCursor(ctx context.Context, job string) (string, error)
	// An empty cursor clears the checkpoint.
	SetCursor(ctx context.Context, job, cursor string) error
}

type MemCheckpointStore struct {
	lk      sync.Mutex
	cursors map[string]string
}

var _ CheckpointStore = (*MemCheckpointStore)(nil)

func NewMemCheckpointStore() *MemCheckpointStore {
	return &MemCheckpointStore{
		cursors: make(map[string]string),
	}
}

func (s *MemCheckpointStore) GetCursor(ctx context.Context, job string) (string, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.cursors[job], nil
}

func (s *MemCheckpointStore) SetCursor(ctx context.Context, job, cursor string) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if cursor == "" {
		delete(s.cursors, job)
		return nil
	}
	s.cursors[job] = cursor
	return nil
}

var redisCheckpointPrefix = "checkpoint/"

type RedisCheckpointStore struct {
	Client *redis.Client
	// checkpoints older than this are dropped, and the next pass starts from the beginning
	TTL time.Duration
}

var _ CheckpointStore = (*RedisCheckpointStore)(nil)

func NewRedisCheckpointStore(client *redis.Client) *RedisCheckpointStore {
	return &RedisCheckpointStore{
		Client: client,
		TTL:    14 * 24 * time.Hour,
	}
}

func (s *RedisCheckpointStore) GetCursor(ctx context.Context, job string) (string, error) {
	val, err := s.Client.Get(ctx, redisCheckpointPrefix+job).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}

func (s *RedisCheckpointStore) SetCursor(ctx context.Context, job, cursor string) error {
	if cursor == "" {
		return s.Client.Del(ctx, redisCheckpointPrefix+job).Err()
	}
	return s.Client.Set(ctx, redisCheckpointPrefix+job, cursor, s.TTL).Err()
}
