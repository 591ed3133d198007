package countstore

import (
	"context"
	"sync"
	"time"
)

type MemCountStore struct {
	lk             sync.Mutex
	Counts         map[string]int
	DistinctCounts map[string]map[string]bool
	Clock          func() time.Time
}

var _ CountStore = (*MemCountStore)(nil)

func NewMemCountStore() *MemCountStore {
	return &MemCountStore{
		Counts:         make(map[string]int),
		DistinctCounts: make(map[string]map[string]bool),
		Clock:          time.Now,
	}
}

func (s *MemCountStore) GetCount(ctx context.Context, name, val, period string) (int, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.Counts[periodBucket(name, val, period, s.Clock())], nil
}

func (s *MemCountStore) Increment(ctx context.Context, name, val string) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	now := s.Clock()
	for _, p := range Periods {
		s.Counts[periodBucket(name, val, p, now)]++
	}
	return nil
}

func (s *MemCountStore) GetCountDistinct(ctx context.Context, name, bucket, period string) (int, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	return len(s.DistinctCounts[periodBucket(name, bucket, period, s.Clock())]), nil
}

func (s *MemCountStore) IncrementDistinct(ctx context.Context, name, bucket, val string) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	now := s.Clock()
	for _, p := range Periods {
		k := periodBucket(name, bucket, p, now)
		m, ok := s.DistinctCounts[k]
		if !ok {
			m = make(map[string]bool)
			s.DistinctCounts[k] = m
		}
		m[val] = true
	}
	return nil
}
