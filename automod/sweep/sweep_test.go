package sweep

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bluesky-social/warden/automod/actuator"
	"github.com/bluesky-social/warden/automod/keylock"
	"github.com/bluesky-social/warden/automod/ledger"
	"github.com/bluesky-social/warden/automod/notify"
	"github.com/bluesky-social/warden/automod/periodic"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func issue(t *testing.T, store ledger.Store, user string, kind ledger.SanctionKind, dur *time.Duration, at time.Time) ledger.Key {
	ctx := context.Background()
	key := ledger.Key{CommunityID: "c1", UserID: user}
	l, err := store.Load(ctx, key)
	require.NoError(t, err)
	evt := &ledger.ViolationEvent{CommunityID: "c1", UserID: user, Tier: ledger.TierSevere, Category: "harassment", OccurredAt: at, SourceMessageID: "m-" + user}
	l.SanctionHistory = append(l.SanctionHistory, ledger.NewSanctionRecord(evt, kind, dur, at))
	l.LastViolationAt = at
	require.NoError(t, store.Save(ctx, l))
	return key
}

func testSweeper(store ledger.Store, act actuator.Actuator, notifier notify.Notifier, now time.Time) *Sweeper {
	s := NewSweeper(store, keylock.NewTable[ledger.Key](), act, notifier, periodic.NewMemCheckpointStore(), nil)
	s.Clock = func() time.Time { return now }
	s.PageSize = 2
	return s
}

func TestSweepExpiredTimeout(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	store := ledger.NewMemStore()
	act := actuator.NewMockActuator()
	capture := notify.NewCaptureNotifier()

	fiveMin := 5 * time.Minute
	key := issue(t, store, "u1", ledger.SanctionTimeout, &fiveMin, start)

	// not yet expired
	s := testSweeper(store, act, capture, start.Add(time.Minute))
	stats, err := s.RunPass(ctx)
	assert.NoError(err)
	assert.Equal(0, stats.Expired)
	assert.Equal(0, act.Count("LiftTimeout"))

	s = testSweeper(store, act, capture, start.Add(10*time.Minute))
	stats, err = s.RunPass(ctx)
	assert.NoError(err)
	assert.Equal(1, stats.Expired)
	assert.Equal(1, stats.Lifted)

	l, err := store.Load(ctx, key)
	require.NoError(t, err)
	rec := l.SanctionHistory[0]
	assert.False(rec.Active)
	assert.Equal(ledger.DeactivatedExpired, rec.DeactivationReason)
	assert.Equal(start.Add(10*time.Minute), *rec.DeactivatedAt)
	assert.Equal(1, act.Count("LiftTimeout"))

	// a second pass does nothing
	stats, err = s.RunPass(ctx)
	assert.NoError(err)
	assert.Equal(0, stats.Expired)
	assert.Equal(1, act.Count("LiftTimeout"))

	events := capture.Kind(notify.AuditExpired)
	if assert.Len(events, 1) {
		assert.Equal(ledger.SanctionTimeout, events[0].Action)
		assert.True(events[0].Success)
		assert.Equal(rec.ID, events[0].SanctionID)
	}
}

func TestSweepBanAndKick(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	store := ledger.NewMemStore()
	act := actuator.NewMockActuator()

	week := 7 * 24 * time.Hour
	hour := time.Hour
	banned := issue(t, store, "u1", ledger.SanctionBan, &week, start)
	kicked := issue(t, store, "u2", ledger.SanctionKick, &hour, start)
	permanent := issue(t, store, "u3", ledger.SanctionBan, nil, start)

	s := testSweeper(store, act, nil, start.Add(30*24*time.Hour))
	stats, err := s.RunPass(ctx)
	assert.NoError(err)
	assert.Equal(2, stats.Expired)
	assert.Equal(0, stats.Lifted)
	assert.Empty(act.Calls())

	for _, k := range []ledger.Key{banned, kicked} {
		active, err := store.ListActiveSanctions(ctx, k)
		assert.NoError(err)
		assert.Empty(active)
	}
	active, err := store.ListActiveSanctions(ctx, permanent)
	assert.NoError(err)
	assert.Len(active, 1)
}

func TestSweepLiftFailure(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	store := ledger.NewMemStore()
	act := actuator.NewMockActuator()
	act.SetError("LiftTimeout", errors.New("missing permissions"))
	capture := notify.NewCaptureNotifier()

	fiveMin := 5 * time.Minute
	key := issue(t, store, "u1", ledger.SanctionTimeout, &fiveMin, start)

	s := testSweeper(store, act, capture, start.Add(time.Hour))
	stats, err := s.RunPass(ctx)
	assert.NoError(err)
	assert.Equal(1, stats.LiftFailed)

	// deactivated anyway, and never retried
	active, err := store.ListActiveSanctions(ctx, key)
	assert.NoError(err)
	assert.Empty(active)
	_, err = s.RunPass(ctx)
	assert.NoError(err)
	assert.Equal(1, act.Count("LiftTimeout"))

	events := capture.Kind(notify.AuditExpired)
	if assert.Len(events, 1) {
		assert.False(events[0].Success)
		assert.Contains(events[0].Error, "missing permissions")
	}
}

func TestSweepLiftTimeout(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	store := ledger.NewMemStore()
	act := actuator.NewMockActuator()
	act.SetDelay("LiftTimeout", 5*time.Second)

	fiveMin := 5 * time.Minute
	issue(t, store, "u1", ledger.SanctionTimeout, &fiveMin, start)

	s := testSweeper(store, act, nil, start.Add(time.Hour))
	s.ActuatorTimeout = 20 * time.Millisecond
	begin := time.Now()
	stats, err := s.RunPass(ctx)
	assert.NoError(err)
	assert.Equal(1, stats.LiftFailed)
	assert.Less(time.Since(begin), 2*time.Second)
	// the lock was released
	assert.Equal(0, s.Locks.Len())
}

func TestSweepManyPages(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	store := ledger.NewMemStore()
	act := actuator.NewMockActuator()

	fiveMin := 5 * time.Minute
	for _, u := range []string{"a", "b", "c", "d", "e"} {
		issue(t, store, u, ledger.SanctionTimeout, &fiveMin, start)
	}
	s := testSweeper(store, act, nil, start.Add(time.Hour))
	stats, err := s.RunPass(ctx)
	assert.NoError(err)
	assert.Equal(5, stats.Lifted)
	assert.Equal(5, act.Count("LiftTimeout"))

	cur, err := s.Checkpoints.GetCursor(ctx, JobName)
	assert.NoError(err)
	assert.Equal("", cur)
}

type brokenStore struct {
	*ledger.MemStore
	bad ledger.Key
}

func (s *brokenStore) Load(ctx context.Context, key ledger.Key) (*ledger.Ledger, error) {
	if key == s.bad {
		return nil, fmt.Errorf("decoding ledger %s: unexpected end of JSON input", key)
	}
	return s.MemStore.Load(ctx, key)
}

func TestSweepSkipsUnreadableLedger(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	mem := ledger.NewMemStore()
	act := actuator.NewMockActuator()

	fiveMin := 5 * time.Minute
	keys := []ledger.Key{}
	for i := 0; i < 6; i++ {
		keys = append(keys, issue(t, mem, fmt.Sprintf("u%d", i), ledger.SanctionTimeout, &fiveMin, start))
	}
	s := testSweeper(&brokenStore{MemStore: mem, bad: keys[1]}, act, nil, start.Add(time.Hour))

	stats, err := s.RunPass(ctx)
	assert.NoError(err)
	assert.Equal(1, stats.Failed)
	assert.Equal(5, stats.Lifted)
	assert.Equal(5, act.Count("LiftTimeout"))

	for i, k := range keys {
		active, err := mem.ListActiveSanctions(ctx, k)
		assert.NoError(err)
		if i == 1 {
			assert.Len(active, 1)
		} else {
			assert.Empty(active, k.String())
		}
	}
	cur, err := s.Checkpoints.GetCursor(ctx, JobName)
	assert.NoError(err)
	assert.Equal("", cur)
}
