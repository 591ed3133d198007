package dedupe

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type MemStore struct {
	lk   sync.Mutex
	Data *expirable.LRU[string, struct{}]
}

var _ Store = (*MemStore)(nil)

func NewMemStore(capacity int, ttl time.Duration) *MemStore {
	return &MemStore{
		Data: expirable.NewLRU[string, struct{}](capacity, nil, ttl),
	}
}

func (s *MemStore) MarkSeen(ctx context.Context, scope, id string) (bool, error) {
	k := seenKey(scope, id)
	// Get and Add are each atomic, but not the pair
	s.lk.Lock()
	defer s.lk.Unlock()
	if _, ok := s.Data.Get(k); ok {
		return false, nil
	}
	s.Data.Add(k, struct{}{})
	return true, nil
}

func (s *MemStore) Forget(ctx context.Context, scope, id string) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	s.Data.Remove(seenKey(scope, id))
	return nil
}
