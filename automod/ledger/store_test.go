package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exercises the Store contract; shared by every implementation
func testStoreBasics(t *testing.T, s Store) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	k := Key{CommunityID: "guild1", UserID: "user1"}
	_, err := s.Get(ctx, k)
	assert.ErrorIs(err, ErrLedgerNotFound)
	l, err := s.Load(ctx, k)
	require.NoError(err)
	got, err := s.Get(ctx, k)
	require.NoError(err)
	assert.Equal(k, got.Key())
	assert.Equal(k, l.Key())
	assert.Equal(uint64(0), l.Version)
	assert.Empty(l.WeightByTier)
	assert.Empty(l.SanctionHistory)
	assert.False(l.Permanent)

	// round trip leaves everything but the version untouched
	before := l.Clone()
	require.NoError(s.Save(ctx, l))
	assert.Equal(uint64(1), l.Version)
	again, err := s.Load(ctx, k)
	require.NoError(err)
	before.Version = again.Version
	assertSameLedger(t, before, again)

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	exp := now.Add(5 * time.Minute)
	again.WeightByTier[TierModerate] = 2.5
	again.LastViolationAt = now
	again.SanctionHistory = append(again.SanctionHistory, SanctionRecord{
		ID:          "rec1",
		CommunityID: k.CommunityID,
		UserID:      k.UserID,
		Kind:        SanctionTimeout,
		IssuedAt:    now,
		ExpiresAt:   &exp,
		ReasonTier:  TierModerate,
		Active:      true,
	})
	require.NoError(s.Save(ctx, again))

	active, err := s.ListActiveSanctions(ctx, k)
	require.NoError(err)
	require.Equal(1, len(active))
	assert.Equal("rec1", active[0].ID)
	assert.True(active[0].ExpiresAt.Equal(exp))

	// a second writer holding the old version is refused
	stale := l.Clone()
	stale.WeightByTier[TierMinor] = 1.0
	assert.ErrorIs(s.Save(ctx, stale), ErrStaleLedger)

	cur, err := s.Load(ctx, k)
	require.NoError(err)
	assert.Equal(2.5, cur.Weight(TierModerate))
	assert.Equal(0.0, cur.Weight(TierMinor))

	// history is append-only and the permanent flag is sticky
	cur.Permanent = true
	require.NoError(s.Save(ctx, cur))
	cleared := cur.Clone()
	cleared.Permanent = false
	assert.ErrorIs(s.Save(ctx, cleared), ErrInvalidLedger)
	truncated := cur.Clone()
	truncated.SanctionHistory = nil
	assert.ErrorIs(s.Save(ctx, truncated), ErrInvalidLedger)

	// deactivating a record is allowed
	cur.SanctionHistory[0].Deactivate(DeactivatedExpired, exp)
	require.NoError(s.Save(ctx, cur))
	active, err = s.ListActiveSanctions(ctx, k)
	require.NoError(err)
	assert.Empty(active)

	// every field of a populated ledger survives the store
	k2 := Key{CommunityID: "guild1", UserID: "user2"}
	full, err := s.Load(ctx, k2)
	require.NoError(err)
	lifted := now.Add(2 * time.Minute)
	full.WeightByTier = map[Tier]float64{TierMinor: 0.75, TierModerate: 3, TierExtreme: 2}
	full.LastViolationAt = now
	full.LastDecayAt = now.Add(-time.Hour)
	full.Permanent = true
	full.SanctionHistory = []SanctionRecord{
		{
			ID:                 "r1",
			CommunityID:        k2.CommunityID,
			UserID:             k2.UserID,
			Kind:               SanctionTimeout,
			IssuedAt:           now.Add(-time.Hour),
			ExpiresAt:          &exp,
			ReasonTier:         TierModerate,
			ReasonCategory:     "insult",
			SourceMessageID:    "m1",
			Active:             false,
			DeactivatedAt:      &lifted,
			DeactivationReason: DeactivatedSuperseded,
		},
		{
			ID:              "r2",
			CommunityID:     k2.CommunityID,
			UserID:          k2.UserID,
			Kind:            SanctionBan,
			IssuedAt:        now,
			ReasonTier:      TierExtreme,
			ReasonCategory:  "hate",
			SourceMessageID: "m2",
			Active:          true,
		},
	}
	want := full.Clone()
	require.NoError(s.Save(ctx, full))
	loaded, err := s.Load(ctx, k2)
	require.NoError(err)
	want.Version = loaded.Version
	assertSameLedger(t, want, loaded)
	fetched, err := s.Get(ctx, k2)
	require.NoError(err)
	assertSameLedger(t, want, fetched)
}

// Compares two ledgers field by field; times are compared with Equal since stores may change location or drop the monotonic reading.
func assertSameLedger(t *testing.T, want, got *Ledger) {
	t.Helper()
	assert := assert.New(t)

	assert.True(want.LastViolationAt.Equal(got.LastViolationAt), "LastViolationAt: want %s got %s", want.LastViolationAt, got.LastViolationAt)
	assert.True(want.LastDecayAt.Equal(got.LastDecayAt), "LastDecayAt: want %s got %s", want.LastDecayAt, got.LastDecayAt)
	if !assert.Equal(len(want.SanctionHistory), len(got.SanctionHistory)) {
		return
	}
	for i := range want.SanctionHistory {
		w, g := want.SanctionHistory[i], got.SanctionHistory[i]
		assert.True(w.IssuedAt.Equal(g.IssuedAt), "record %s IssuedAt", w.ID)
		assertSameTime(t, w.ExpiresAt, g.ExpiresAt, w.ID+" ExpiresAt")
		assertSameTime(t, w.DeactivatedAt, g.DeactivatedAt, w.ID+" DeactivatedAt")
	}

	w, g := stripTimes(want), stripTimes(got)
	assert.Equal(w, g)
}

func assertSameTime(t *testing.T, want, got *time.Time, field string) {
	t.Helper()
	if want == nil || got == nil {
		assert.Equal(t, want == nil, got == nil, field)
		return
	}
	assert.True(t, want.Equal(*got), "%s: want %s got %s", field, *want, *got)
}

func stripTimes(l *Ledger) *Ledger {
	out := l.Clone()
	out.LastViolationAt = time.Time{}
	out.LastDecayAt = time.Time{}
	if len(out.WeightByTier) == 0 {
		out.WeightByTier = nil
	}
	if len(out.SanctionHistory) == 0 {
		out.SanctionHistory = nil
	}
	for i := range out.SanctionHistory {
		r := &out.SanctionHistory[i]
		r.IssuedAt = time.Time{}
		r.ExpiresAt = nil
		r.DeactivatedAt = nil
	}
	return out
}

func testStoreScan(t *testing.T, s Store) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		_, err := s.Load(ctx, Key{CommunityID: fmt.Sprintf("c%d", i%2), UserID: fmt.Sprintf("u%d", i)})
		require.NoError(err)
	}

	seen := []Key{}
	checkpoints := []string{}
	err := ScanAll(ctx, s, "", 3, nil, func(l *Ledger) error {
		seen = append(seen, l.Key())
		return nil
	}, func(cursor string) error {
		checkpoints = append(checkpoints, cursor)
		return nil
	}, nil)
	require.NoError(err)
	assert.Equal(7, len(seen))
	assert.Equal(3, len(checkpoints))
	assert.Equal("", checkpoints[len(checkpoints)-1])

	// resuming from a checkpoint only visits the remainder
	rest := 0
	err = ScanAll(ctx, s, checkpoints[0], 3, nil, func(l *Ledger) error {
		rest++
		return nil
	}, nil, nil)
	require.NoError(err)
	assert.Equal(4, rest)

	odd := 0
	err = ScanAll(ctx, s, "", 100, func(l *Ledger) bool { return l.CommunityID == "c1" }, func(l *Ledger) error {
		odd++
		return nil
	}, nil, nil)
	require.NoError(err)
	assert.Equal(3, odd)
}

type brokenStore struct {
	*MemStore
	bad Key
	err error
}

func (s *brokenStore) Load(ctx context.Context, key Key) (*Ledger, error) {
	if key == s.bad {
		return nil, s.err
	}
	return s.MemStore.Load(ctx, key)
}

func TestScanAllSkipsBrokenLedger(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	mem := NewMemStore()
	for i := 0; i < 6; i++ {
		_, err := mem.Load(ctx, Key{CommunityID: "c", UserID: fmt.Sprintf("u%d", i)})
		require.NoError(err)
	}
	bad := Key{CommunityID: "c", UserID: "u1"}
	s := &brokenStore{MemStore: mem, bad: bad, err: fmt.Errorf("decoding ledger %s: unexpected end of JSON input", bad)}

	visited := 0
	skipped := []Key{}
	checkpoints := 0
	err := ScanAll(ctx, s, "", 2, nil, func(l *Ledger) error {
		visited++
		return nil
	}, func(string) error {
		checkpoints++
		return nil
	}, func(key Key, err error) {
		skipped = append(skipped, key)
	})
	require.NoError(err)
	assert.Equal(5, visited)
	assert.Equal([]Key{bad}, skipped)
	assert.Equal(3, checkpoints)

	// visit errors are skipped the same way
	visited = 0
	skipped = skipped[:0]
	err = ScanAll(ctx, mem, "", 2, nil, func(l *Ledger) error {
		if l.UserID == "u4" {
			return ErrInvalidLedger
		}
		visited++
		return nil
	}, nil, func(key Key, err error) {
		skipped = append(skipped, key)
	})
	require.NoError(err)
	assert.Equal(5, visited)
	assert.Equal([]Key{{CommunityID: "c", UserID: "u4"}}, skipped)

	// without a skip hook the first error ends the walk
	err = ScanAll(ctx, s, "", 2, nil, func(l *Ledger) error { return nil }, nil, nil)
	assert.ErrorContains(err, "decoding ledger")

	// an outage is never skipped
	s.err = fmt.Errorf("%w: connection refused", ErrStoreUnavailable)
	err = ScanAll(ctx, s, "", 2, nil, func(l *Ledger) error { return nil }, nil, func(Key, error) {
		t.Fatal("outage must not be skipped")
	})
	assert.ErrorIs(err, ErrStoreUnavailable)
}

func TestMemStoreBasics(t *testing.T) {
	testStoreBasics(t, NewMemStore())
}

func TestMemStoreScan(t *testing.T) {
	testStoreScan(t, NewMemStore())
}

func TestMemStoreConcurrentLoad(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	s := NewMemStore()
	k := Key{CommunityID: "c", UserID: "u"}

	// every concurrent creator must observe the same stored ledger
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := s.Load(ctx, k)
			assert.NoError(err)
			assert.Equal(uint64(0), l.Version)
		}()
	}
	wg.Wait()

	l, err := s.Load(ctx, k)
	assert.NoError(err)
	assert.NoError(s.Save(ctx, l))
	keys, next, err := s.Scan(ctx, "", 10)
	assert.NoError(err)
	assert.Equal([]Key{k}, keys)
	assert.Equal("", next)
}

func TestKeyStringRoundTrip(t *testing.T) {
	assert := assert.New(t)

	for _, k := range []Key{
		{CommunityID: "123", UserID: "456"},
		{CommunityID: "a/b", UserID: "c d"},
		{CommunityID: "", UserID: "x"},
	} {
		parsed, err := ParseKey(k.String())
		assert.NoError(err)
		assert.Equal(k, parsed)
	}
	_, err := ParseKey("no-separator")
	assert.Error(err)
}
