package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bluesky-social/warden/automod/ledger"
	"github.com/bluesky-social/warden/automod/notify"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msg(user, id, text string) Message {
	return Message{
		CommunityID: "guild1",
		UserID:      user,
		MessageID:   id,
		Text:        text,
		Timestamp:   time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

var testKey = ledger.Key{CommunityID: "guild1", UserID: "u1"}

func TestOnMessageNoMatch(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := EngineTestFixture()

	out, err := f.Engine.OnMessage(ctx, msg("u1", "m1", "have a lovely day"))
	assert.NoError(err)
	assert.Equal(OutcomeNoMatch, out.Status)

	// malformed text fails open
	out, err = f.Engine.OnMessage(ctx, msg("u1", "m2", "idiot\x00"))
	assert.NoError(err)
	assert.Equal(OutcomeNoMatch, out.Status)
	out, err = f.Engine.OnMessage(ctx, msg("u1", "m3", string([]byte{0xff, 0xfe})))
	assert.NoError(err)
	assert.Equal(OutcomeNoMatch, out.Status)

	_, err = f.Store.Get(ctx, testKey)
	assert.ErrorIs(err, ledger.ErrLedgerNotFound)
	assert.Empty(f.Actuator.Calls())
	assert.Empty(f.Audit.Events())
}

func TestFirstViolationWarns(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	f := EngineTestFixture()

	out, err := f.Engine.OnMessage(ctx, msg("u1", "m1", "you are an IDIOT"))
	require.NoError(err)
	assert.Equal(OutcomeSanctioned, out.Status)
	assert.True(out.MessageDeleted)
	require.NotNil(out.Sanction)
	assert.Equal(ledger.SanctionWarn, out.Sanction.Kind)
	assert.Equal(ledger.TierModerate, out.Sanction.ReasonTier)
	assert.Equal("insult", out.Sanction.ReasonCategory)
	assert.Equal("m1", out.Sanction.SourceMessageID)

	l, err := f.Store.Get(ctx, testKey)
	require.NoError(err)
	assert.Equal(1.0, l.Weight(ledger.TierModerate))
	assert.Len(l.SanctionHistory, 1)
	assert.Equal(out.Event.OccurredAt, l.LastViolationAt)
	assert.Equal(out.Event.OccurredAt, l.LastDecayAt)

	// warnings have no platform action
	assert.Equal(1, f.Actuator.Count("DeleteMessage"))
	assert.Len(f.Actuator.Calls(), 1)

	events := f.Audit.Events()
	if assert.Len(events, 1) {
		assert.Equal(notify.AuditSanction, events[0].Kind)
		assert.Equal(ledger.SanctionWarn, events[0].Action)
		assert.True(events[0].Success)
		assert.Equal("fixture-1", events[0].PolicyVersion)
	}
}

func TestEscalationToLongTimeout(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	f := EngineTestFixture()

	var statuses []OutcomeStatus
	for i := range 5 {
		out, err := f.Engine.OnMessage(ctx, msg("u1", fmt.Sprintf("m%d", i), "idiot"))
		require.NoError(err)
		statuses = append(statuses, out.Status)
	}
	assert.Equal([]OutcomeStatus{OutcomeSanctioned, OutcomeRecorded, OutcomeSanctioned, OutcomeRecorded, OutcomeSanctioned}, statuses)

	l, err := f.Store.Get(ctx, testKey)
	require.NoError(err)
	assert.Equal(5.0, l.Weight(ledger.TierModerate))
	require.Len(l.SanctionHistory, 3)
	assert.Equal(ledger.SanctionWarn, l.SanctionHistory[0].Kind)
	assert.Equal(ledger.SanctionTimeout, l.SanctionHistory[1].Kind)
	assert.Equal(ledger.DeactivatedSuperseded, l.SanctionHistory[1].DeactivationReason)

	active := l.ActiveSanctions()
	require.Len(active, 1)
	assert.Equal(ledger.SanctionTimeout, active[0].Kind)
	assert.Equal(24*time.Hour, active[0].ExpiresAt.Sub(active[0].IssuedAt))

	calls := f.Actuator.Calls()
	var timeouts []time.Duration
	for _, c := range calls {
		if c.Method == "ApplyTimeout" {
			timeouts = append(timeouts, *c.Duration)
		}
	}
	assert.Equal([]time.Duration{5 * time.Minute, 24 * time.Hour}, timeouts)
	assert.Equal(5, f.Actuator.Count("DeleteMessage"))
	assert.Len(f.Audit.Events(), 5)
}

func TestPermanentCategoryBans(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	f := EngineTestFixture()

	out, err := f.Engine.OnMessage(ctx, msg("u1", "m1", "I will find you"))
	require.NoError(err)
	assert.Equal(OutcomeSanctioned, out.Status)
	assert.True(out.Permanent)
	require.NotNil(out.Sanction)
	assert.Equal(ledger.SanctionBan, out.Sanction.Kind)
	assert.Nil(out.Sanction.ExpiresAt)
	assert.True(out.Sanction.Active)

	l, err := f.Store.Get(ctx, testKey)
	require.NoError(err)
	assert.True(l.Permanent)
	assert.Equal(1, f.Actuator.Count("Ban"))
	for _, c := range f.Actuator.Calls() {
		if c.Method == "Ban" {
			assert.Nil(c.Duration)
		}
	}

	// a non-permanent extreme category goes through thresholds
	out, err = f.Engine.OnMessage(ctx, msg("u2", "m2", "check this gore link"))
	require.NoError(err)
	assert.Equal(OutcomeRecorded, out.Status)
	assert.False(out.Permanent)
}

func TestHighestTierWins(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := EngineTestFixture()

	out, err := f.Engine.OnMessage(ctx, msg("u1", "m1", "heck, you idiot, go away forever"))
	assert.NoError(err)
	assert.Equal(ledger.TierSevere, out.Event.Tier)
	assert.Equal("harassment", out.Event.Category)
	assert.Equal([]string{"harassment", "insult", "profanity"}, out.Event.Categories)
	assert.Equal(ledger.SanctionKick, out.Sanction.Kind)
	// only the highest tier accrues weight
	assert.Equal(map[ledger.Tier]float64{ledger.TierSevere: 1.0}, out.Weights)
}

func TestBanSupersedesTimeout(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	f := EngineTestFixture()

	for i := range 3 {
		_, err := f.Engine.OnMessage(ctx, msg("u1", fmt.Sprintf("i%d", i), "moron"))
		require.NoError(err)
	}
	for i := range 2 {
		_, err := f.Engine.OnMessage(ctx, msg("u1", fmt.Sprintf("s%d", i), "go away forever"))
		require.NoError(err)
	}
	l, err := f.Store.Get(ctx, testKey)
	require.NoError(err)
	active := l.ActiveSanctions()
	require.Len(active, 1)
	assert.Equal(ledger.SanctionBan, active[0].Kind)
	assert.Equal(ledger.TierSevere, active[0].ReasonTier)
}

func TestDuplicateMessage(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	f := EngineTestFixture()

	out, err := f.Engine.OnMessage(ctx, msg("u1", "m1", "idiot"))
	require.NoError(err)
	assert.Equal(OutcomeSanctioned, out.Status)

	out, err = f.Engine.OnMessage(ctx, msg("u1", "m1", "idiot"))
	require.NoError(err)
	assert.Equal(OutcomeDuplicate, out.Status)
	assert.Nil(out.Sanction)

	l, err := f.Store.Get(ctx, testKey)
	require.NoError(err)
	assert.Equal(1.0, l.Weight(ledger.TierModerate))
	assert.Equal(1, f.Actuator.Count("DeleteMessage"))

	assert.Len(f.Audit.Events(), 2)
	assert.Len(f.Audit.Kind(notify.AuditDuplicate), 1)
}

type flakyStore struct {
	*ledger.MemStore
	down atomic.Bool
}

func (s *flakyStore) Load(ctx context.Context, key ledger.Key) (*ledger.Ledger, error) {
	if s.down.Load() {
		return nil, fmt.Errorf("%w: connection refused", ledger.ErrStoreUnavailable)
	}
	return s.MemStore.Load(ctx, key)
}

func TestStoreUnavailable(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	f := EngineTestFixture()
	store := &flakyStore{MemStore: f.Store}
	store.down.Store(true)
	f.Engine.Store = store

	out, err := f.Engine.OnMessage(ctx, msg("u1", "m1", "idiot"))
	assert.ErrorIs(err, ledger.ErrStoreUnavailable)
	assert.Equal(OutcomeFailed, out.Status)
	// deletion is still attempted
	assert.True(out.MessageDeleted)
	assert.Equal(1, f.Actuator.Count("DeleteMessage"))

	events := f.Audit.Events()
	if assert.Len(events, 1) {
		assert.Equal(notify.AuditFailed, events[0].Kind)
		assert.False(events[0].Success)
		assert.Contains(events[0].Error, "unavailable")
	}

	// a redelivery after recovery is processed, not treated as a duplicate
	store.down.Store(false)
	out, err = f.Engine.OnMessage(ctx, msg("u1", "m1", "idiot"))
	require.NoError(err)
	assert.Equal(OutcomeSanctioned, out.Status)
	assert.Len(f.Audit.Events(), 2)
}

func TestActuatorFailureDegrades(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	f := EngineTestFixture()
	f.Actuator.SetError("Kick", errors.New("missing permissions"))
	f.Actuator.SetError("DeleteMessage", errors.New("message already gone"))

	out, err := f.Engine.OnMessage(ctx, msg("u1", "m1", "go away forever"))
	require.NoError(err)
	assert.Equal(OutcomeDegraded, out.Status)
	assert.False(out.MessageDeleted)
	assert.ErrorContains(out.Err, "missing permissions")

	// the ledger is the source of truth: sanction recorded anyway
	l, err := f.Store.Get(ctx, testKey)
	require.NoError(err)
	require.Len(l.SanctionHistory, 1)
	assert.Equal(ledger.SanctionKick, l.SanctionHistory[0].Kind)
	assert.Equal(1, f.Actuator.Count("Kick"))

	events := f.Audit.Events()
	if assert.Len(events, 1) {
		assert.Equal(notify.AuditDegraded, events[0].Kind)
		assert.False(events[0].Success)
		assert.Equal(ledger.SanctionKick, events[0].Action)
		assert.NotEmpty(events[0].Counts)
	}
}

func TestActuatorTimeoutReleasesSection(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	f := EngineTestFixture()
	f.Engine.ActuatorTimeout = 20 * time.Millisecond
	f.Actuator.SetDelay("ApplyTimeout", 10*time.Second)

	for i := range 2 {
		_, err := f.Engine.OnMessage(ctx, msg("u1", fmt.Sprintf("m%d", i), "idiot"))
		require.NoError(err)
	}
	start := time.Now()
	out, err := f.Engine.OnMessage(ctx, msg("u1", "m2", "idiot"))
	require.NoError(err)
	assert.Equal(OutcomeDegraded, out.Status)
	assert.Less(time.Since(start), 2*time.Second)

	// the next event for the same user is not held up
	out, err = f.Engine.OnMessage(ctx, msg("u1", "m3", "idiot"))
	require.NoError(err)
	assert.Equal(OutcomeRecorded, out.Status)
	assert.Less(time.Since(start), 2*time.Second)
	assert.Equal(0, f.Engine.Locks.Len())
}

func runBurst(t *testing.T, f TestFixture, n int, concurrent bool) *ledger.Ledger {
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := range n {
		m := msg("u1", fmt.Sprintf("m%d", i), "moron")
		if !concurrent {
			_, err := f.Engine.OnMessage(ctx, m)
			require.NoError(t, err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.Engine.OnMessage(ctx, m)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	l, err := f.Store.Get(ctx, testKey)
	require.NoError(t, err)
	return l
}

func TestConcurrentMatchesSequential(t *testing.T) {
	assert := assert.New(t)

	seq := runBurst(t, EngineTestFixture(), 10, false)
	f := EngineTestFixture()
	par := runBurst(t, f, 10, true)

	assert.Equal(seq.WeightByTier, par.WeightByTier)
	kinds := func(l *ledger.Ledger) []ledger.SanctionKind {
		var out []ledger.SanctionKind
		for _, r := range l.SanctionHistory {
			out = append(out, r.Kind)
		}
		return out
	}
	assert.Equal(kinds(seq), kinds(par))
	assert.Len(par.ActiveSanctions(), 1)
	assert.Len(f.Audit.Events(), 10)
	assert.Equal(0, f.Engine.Locks.Len())
}

func TestIndependentUsers(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := EngineTestFixture()

	var wg sync.WaitGroup
	for u := range 8 {
		for i := range 3 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := f.Engine.OnMessage(ctx, msg(fmt.Sprintf("user%d", u), fmt.Sprintf("m%d-%d", u, i), "idiot"))
				assert.NoError(err)
			}()
		}
	}
	wg.Wait()

	for u := range 8 {
		l, err := f.Store.Get(ctx, ledger.Key{CommunityID: "guild1", UserID: fmt.Sprintf("user%d", u)})
		assert.NoError(err)
		assert.Equal(3.0, l.Weight(ledger.TierModerate))
	}
}

func TestHandleEventValidation(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := EngineTestFixture()

	out, err := f.Engine.HandleEvent(ctx, &ledger.ViolationEvent{CommunityID: "guild1", UserID: "u1"})
	assert.ErrorIs(err, ErrInvalidEvent)
	assert.Equal(OutcomeFailed, out.Status)
	assert.Len(f.Audit.Kind(notify.AuditFailed), 1)

	// a missing timestamp defaults to now
	out, err = f.Engine.HandleEvent(ctx, &ledger.ViolationEvent{CommunityID: "guild1", UserID: "u1", Tier: ledger.TierMinor, Category: "profanity"})
	assert.NoError(err)
	assert.Equal(OutcomeRecorded, out.Status)
	assert.False(out.Event.OccurredAt.IsZero())
	// no message id: nothing to delete
	assert.False(out.MessageDeleted)
	assert.Equal(0, f.Actuator.Count("DeleteMessage"))
}

type panicStore struct {
	*ledger.MemStore
}

func (s *panicStore) Load(ctx context.Context, key ledger.Key) (*ledger.Ledger, error) {
	panic("corrupt ledger")
}

func TestPanicRecovery(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := EngineTestFixture()
	f.Engine.Store = &panicStore{MemStore: f.Store}

	out, err := f.Engine.OnMessage(ctx, msg("u1", "m1", "idiot"))
	assert.ErrorContains(err, "corrupt ledger")
	assert.Equal(OutcomeFailed, out.Status)
	assert.Len(f.Audit.Kind(notify.AuditFailed), 1)
	assert.Equal(0, f.Engine.Locks.Len())

	// the failed message is not remembered as seen
	f.Engine.Store = f.Store
	out, err = f.Engine.OnMessage(ctx, msg("u1", "m1", "idiot"))
	assert.NoError(err)
	assert.Equal(OutcomeSanctioned, out.Status)
	assert.Empty(f.Audit.Kind(notify.AuditDuplicate))
}

func TestCallerCancelWhileQueued(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	f := EngineTestFixture()
	f.Actuator.SetDelay("Kick", 300*time.Millisecond)

	first := make(chan *Outcome, 1)
	go func() {
		out, _ := f.Engine.OnMessage(context.Background(), msg("u1", "m1", "go away forever"))
		first <- out
	}()
	// the first event holds the ledger section while it kicks
	require.Eventually(func() bool { return f.Actuator.Count("Kick") == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	out, err := f.Engine.OnMessage(ctx, msg("u1", "m2", "go away forever"))
	require.NoError(err)
	assert.Equal(OutcomeSanctioned, out.Status)
	require.NotNil(out.Sanction)
	assert.Equal(ledger.SanctionBan, out.Sanction.Kind)
	assert.Error(ctx.Err())

	assert.Equal(OutcomeSanctioned, (<-first).Status)
	l, err := f.Store.Get(context.Background(), testKey)
	require.NoError(err)
	assert.Equal(2.0, l.Weight(ledger.TierSevere))
	assert.Len(l.SanctionHistory, 2)
	assert.Equal(0, f.Engine.Locks.Len())
}

func TestCallerCancelDuringAction(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	f := EngineTestFixture()
	f.Actuator.SetDelay("Kick", 200*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	out, err := f.Engine.OnMessage(ctx, msg("u1", "m1", "go away forever"))
	require.NoError(err)
	assert.Equal(OutcomeSanctioned, out.Status)
	assert.Nil(out.Err)
	assert.Equal(1, f.Actuator.Count("Kick"))
	assert.Len(f.Audit.Kind(notify.AuditFailed), 0)
}

func TestShutdown(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := EngineTestFixture()
	f.Actuator.SetDelay("DeleteMessage", 50*time.Millisecond)

	done := make(chan *Outcome, 1)
	go func() {
		out, _ := f.Engine.OnMessage(ctx, msg("u1", "m1", "idiot"))
		done <- out
	}()
	// let the event get in flight
	assert.Eventually(func() bool { return f.Actuator.Count("DeleteMessage") == 1 }, time.Second, time.Millisecond)

	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	assert.NoError(f.Engine.Shutdown(sctx))
	out := <-done
	assert.Equal(OutcomeSanctioned, out.Status)

	out, err := f.Engine.OnMessage(ctx, msg("u2", "m2", "idiot"))
	assert.ErrorIs(err, ErrShuttingDown)
	assert.Equal(OutcomeFailed, out.Status)
	assert.Len(f.Audit.Events(), 2)
}

func TestShutdownDeadline(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := EngineTestFixture()
	f.Engine.ActuatorTimeout = 5 * time.Second
	f.Actuator.SetDelay("DeleteMessage", time.Second)

	go f.Engine.OnMessage(ctx, msg("u1", "m1", "idiot"))
	assert.Eventually(func() bool { return f.Actuator.Count("DeleteMessage") == 1 }, time.Second, time.Millisecond)

	sctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(f.Engine.Shutdown(sctx), context.DeadlineExceeded)
}

func TestBanCircuitBreaker(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := EngineTestFixture()
	f.Engine.BanQuotaPerDay = 1

	out, err := f.Engine.OnMessage(ctx, msg("u1", "m1", "join the hate group"))
	assert.NoError(err)
	assert.Equal(OutcomeSanctioned, out.Status)

	out, err = f.Engine.OnMessage(ctx, msg("u2", "m2", "join the hate group"))
	assert.NoError(err)
	assert.Equal(OutcomeDegraded, out.Status)
	assert.ErrorIs(out.Err, ErrCircuitBreaker)
	assert.True(out.Permanent)
	assert.Equal(1, f.Actuator.Count("Ban"))
}

func TestPolicyReloadBetweenEvents(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := EngineTestFixture()

	out, err := f.Engine.OnMessage(ctx, msg("u1", "m1", "heck"))
	assert.NoError(err)
	assert.Equal("fixture-1", out.PolicyVersion)
	assert.Equal(ledger.TierMinor, out.Event.Tier)
}
