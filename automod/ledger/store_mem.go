package ledger

import (
	"context"
	"sort"

	"github.com/puzpuzpuz/xsync/v3"
)

// In-process Store. Safe for concurrent use; intended for tests and single-node deployments.
type MemStore struct {
	data *xsync.MapOf[Key, *Ledger]
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{
		data: xsync.NewMapOf[Key, *Ledger](),
	}
}

func (s *MemStore) Load(ctx context.Context, key Key) (*Ledger, error) {
	l, _ := s.data.Compute(key, func(old *Ledger, loaded bool) (*Ledger, bool) {
		if loaded {
			return old, false
		}
		return NewLedger(key), false
	})
	return l.Clone(), nil
}

func (s *MemStore) Get(ctx context.Context, key Key) (*Ledger, error) {
	l, ok := s.data.Load(key)
	if !ok {
		return nil, ErrLedgerNotFound
	}
	return l.Clone(), nil
}

func (s *MemStore) Save(ctx context.Context, l *Ledger) error {
	var err error
	s.data.Compute(l.Key(), func(old *Ledger, loaded bool) (*Ledger, bool) {
		var cur uint64
		if loaded {
			cur = old.Version
		}
		if cur != l.Version {
			err = ErrStaleLedger
			return old, !loaded
		}
		if loaded {
			err = checkTransition(old, l)
		} else {
			err = checkTransition(nil, l)
		}
		if err != nil {
			return old, !loaded
		}
		next := l.Clone()
		next.Version++
		return next, false
	})
	if err != nil {
		return err
	}
	l.Version++
	return nil
}

func (s *MemStore) ListActiveSanctions(ctx context.Context, key Key) ([]SanctionRecord, error) {
	l, ok := s.data.Load(key)
	if !ok {
		return []SanctionRecord{}, nil
	}
	return activeOf(l), nil
}

func (s *MemStore) Scan(ctx context.Context, cursor string, limit int) ([]Key, string, error) {
	all := []string{}
	s.data.Range(func(k Key, _ *Ledger) bool {
		if ks := k.String(); ks > cursor {
			all = append(all, ks)
		}
		return true
	})
	sort.Strings(all)
	next := ""
	if len(all) > limit {
		all = all[:limit]
		next = all[len(all)-1]
	}
	keys := make([]Key, 0, len(all))
	for _, raw := range all {
		k, err := ParseKey(raw)
		if err != nil {
			return nil, "", err
		}
		keys = append(keys, k)
	}
	return keys, next, nil
}
