package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

var redisLedgerPrefix string = "ledger/"
var redisLedgerIndex string = "ledger-index"

// Store backed by redis. Each ledger is a single JSON value, so Save is a full-record replace; a lexicographic sorted set of keys provides stable scan cursors.
type RedisStore struct {
	Client *redis.Client
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(redisURL string) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	// check redis connection
	_, err = rdb.Ping(context.TODO()).Result()
	if err != nil {
		return nil, err
	}
	return &RedisStore{
		Client: rdb,
	}, nil
}

func redisLedgerKey(key Key) string {
	return redisLedgerPrefix + key.String()
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

func (s *RedisStore) get(ctx context.Context, c redis.Cmdable, key Key) (*Ledger, error) {
	raw, err := c.Get(ctx, redisLedgerKey(key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	} else if err != nil {
		return nil, unavailable(err)
	}
	var l Ledger
	if err := json.Unmarshal(raw, &l); err != nil {
		return nil, fmt.Errorf("decoding ledger %s: %w", key, err)
	}
	if l.WeightByTier == nil {
		l.WeightByTier = map[Tier]float64{}
	}
	if l.SanctionHistory == nil {
		l.SanctionHistory = []SanctionRecord{}
	}
	return &l, nil
}

func (s *RedisStore) Load(ctx context.Context, key Key) (*Ledger, error) {
	l, err := s.get(ctx, s.Client, key)
	if err != nil {
		return nil, err
	}
	if l != nil {
		return l, nil
	}

	raw, err := json.Marshal(NewLedger(key))
	if err != nil {
		return nil, err
	}
	// SETNX means a concurrent creator never clobbers the other; both then read the winner
	_, err = s.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SetNX(ctx, redisLedgerKey(key), raw, 0)
		pipe.ZAdd(ctx, redisLedgerIndex, redis.Z{Score: 0, Member: key.String()})
		return nil
	})
	if err != nil {
		return nil, unavailable(err)
	}
	l, err = s.get(ctx, s.Client, key)
	if err != nil {
		return nil, err
	}
	if l == nil {
		return nil, unavailable(fmt.Errorf("ledger %s vanished after create", key))
	}
	return l, nil
}

func (s *RedisStore) Get(ctx context.Context, key Key) (*Ledger, error) {
	l, err := s.get(ctx, s.Client, key)
	if err != nil {
		return nil, err
	}
	if l == nil {
		return nil, ErrLedgerNotFound
	}
	return l, nil
}

func (s *RedisStore) Save(ctx context.Context, l *Ledger) error {
	key := l.Key()
	rkey := redisLedgerKey(key)
	err := s.Client.Watch(ctx, func(tx *redis.Tx) error {
		prev, err := s.get(ctx, tx, key)
		if err != nil {
			return err
		}
		var cur uint64
		if prev != nil {
			cur = prev.Version
		}
		if cur != l.Version {
			return ErrStaleLedger
		}
		if err := checkTransition(prev, l); err != nil {
			return err
		}
		next := l.Clone()
		next.Version++
		raw, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, rkey, raw, 0)
			pipe.ZAdd(ctx, redisLedgerIndex, redis.Z{Score: 0, Member: key.String()})
			return nil
		})
		return err
	}, rkey)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrStaleLedger
	}
	if err != nil {
		if errors.Is(err, ErrStaleLedger) || errors.Is(err, ErrInvalidLedger) || errors.Is(err, ErrStoreUnavailable) {
			return err
		}
		return unavailable(err)
	}
	l.Version++
	return nil
}

func (s *RedisStore) ListActiveSanctions(ctx context.Context, key Key) ([]SanctionRecord, error) {
	l, err := s.get(ctx, s.Client, key)
	if err != nil {
		return nil, err
	}
	if l == nil {
		return []SanctionRecord{}, nil
	}
	return l.ActiveSanctions(), nil
}

func (s *RedisStore) Scan(ctx context.Context, cursor string, limit int) ([]Key, string, error) {
	lo := "-"
	if cursor != "" {
		lo = "(" + cursor
	}
	members, err := s.Client.ZRangeByLex(ctx, redisLedgerIndex, &redis.ZRangeBy{
		Min:   lo,
		Max:   "+",
		Count: int64(limit + 1),
	}).Result()
	if err != nil {
		return nil, "", unavailable(err)
	}
	next := ""
	if len(members) > limit {
		members = members[:limit]
		next = members[len(members)-1]
	}
	keys := make([]Key, 0, len(members))
	for _, m := range members {
		k, err := ParseKey(m)
		if err != nil {
			return nil, "", err
		}
		keys = append(keys, k)
	}
	return keys, next, nil
}
