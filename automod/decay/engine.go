package decay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/bluesky-social/warden/automod/keylock"
	"github.com/bluesky-social/warden/automod/ledger"
	"github.com/bluesky-social/warden/automod/periodic"
	"github.com/bluesky-social/warden/automod/policy"
)

var ErrInvalidBoost = errors.New("decay boost must be a finite multiplier above 1.0")

// Name of the decay job, used for checkpoints and metrics.
const JobName = "decay"

// Periodically decays every non-permanent ledger. Shares the per-key lock table with the sanction coordinator,
// so a ledger is never decayed in the middle of handling an event.
type Engine struct {
	Store       ledger.Store
	Locks       *keylock.Table[ledger.Key]
	Policy      *policy.Holder
	Checkpoints periodic.CheckpointStore
	Logger      *slog.Logger
	PageSize    int
	Clock       func() time.Time

	boostLk sync.Mutex
	boosts  map[ledger.Key]float64
}

type PassStats struct {
	Scanned int
	Decayed int
	Raced   int
	// ledgers skipped because they could not be read or written
	Failed int
}

func NewEngine(store ledger.Store, locks *keylock.Table[ledger.Key], holder *policy.Holder, checkpoints periodic.CheckpointStore, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		Store:       store,
		Locks:       locks,
		Policy:      holder,
		Checkpoints: checkpoints,
		Logger:      logger.With("component", "decay"),
		PageSize:    500,
		Clock:       time.Now,
		boosts:      make(map[ledger.Key]float64),
	}
}

// Queues a decay speed-up for one ledger, applied (and consumed) by the next pass which visits it. If several
// boosts are queued for the same ledger, the largest wins.
func (e *Engine) SubmitBoost(key ledger.Key, multiplier float64) error {
	if !(multiplier > 1.0) || math.IsInf(multiplier, 0) {
		return ErrInvalidBoost
	}
	e.boostLk.Lock()
	defer e.boostLk.Unlock()
	if cur, ok := e.boosts[key]; !ok || multiplier > cur {
		e.boosts[key] = multiplier
	}
	boostsSubmitted.Inc()
	return nil
}

func (e *Engine) takeBoosts() map[ledger.Key]float64 {
	e.boostLk.Lock()
	defer e.boostLk.Unlock()
	out := e.boosts
	e.boosts = make(map[ledger.Key]float64)
	return out
}

// puts unconsumed boosts back for the next pass
func (e *Engine) restoreBoosts(pending map[ledger.Key]float64) {
	if len(pending) == 0 {
		return
	}
	e.boostLk.Lock()
	defer e.boostLk.Unlock()
	for k, m := range pending {
		if cur, ok := e.boosts[k]; !ok || m > cur {
			e.boosts[k] = m
		}
	}
}

func (e *Engine) PendingBoosts() int {
	e.boostLk.Lock()
	defer e.boostLk.Unlock()
	return len(e.boosts)
}

// Walks all ledgers once, resuming from the last checkpoint if a previous pass was interrupted. Ledgers which
// lose a race against a concurrent writer are skipped and counted, not treated as errors.
func (e *Engine) RunPass(ctx context.Context) (PassStats, error) {
	var stats PassStats
	p := e.Policy.Get()
	now := e.Clock()
	pending := e.takeBoosts()
	retry := make(map[ledger.Key]float64)

	cursor := ""
	if e.Checkpoints != nil {
		c, err := e.Checkpoints.GetCursor(ctx, JobName)
		if err != nil {
			e.restoreBoosts(pending)
			return stats, fmt.Errorf("reading decay checkpoint: %w", err)
		}
		cursor = c
	}
	if cursor != "" {
		e.Logger.Info("resuming decay pass", "cursor", cursor)
	}

	notPermanent := func(l *ledger.Ledger) bool { return !l.Permanent }
	visit := func(l *ledger.Ledger) error {
		stats.Scanned++
		key := l.Key()
		boost, boosted := pending[key]
		changed, err := e.decayKey(ctx, key, now, p, boost)
		var re *RaceError
		if errors.As(err, &re) {
			stats.Raced++
			ledgersDecayed.WithLabelValues("race").Inc()
			e.Logger.Warn("skipping ledger updated concurrently, will retry next pass", "key", key.String())
			if boosted {
				retry[key] = boost
				delete(pending, key)
			}
			return nil
		}
		if err != nil {
			return err
		}
		delete(pending, key)
		if changed {
			stats.Decayed++
			ledgersDecayed.WithLabelValues("decayed").Inc()
		} else {
			ledgersDecayed.WithLabelValues("unchanged").Inc()
		}
		return nil
	}
	checkpoint := func(cur string) error {
		if e.Checkpoints == nil {
			return nil
		}
		return e.Checkpoints.SetCursor(ctx, JobName, cur)
	}
	skip := func(key ledger.Key, err error) {
		stats.Failed++
		ledgersDecayed.WithLabelValues("failed").Inc()
		e.Logger.Error("skipping ledger which could not be decayed", "key", key.String(), "err", err)
		if boost, ok := pending[key]; ok {
			retry[key] = boost
			delete(pending, key)
		}
	}

	err := ledger.ScanAll(ctx, e.Store, cursor, e.PageSize, notPermanent, visit, checkpoint, skip)
	e.restoreBoosts(retry)
	if err != nil {
		e.restoreBoosts(pending)
		return stats, err
	}
	// a resumed pass never visited the keys before its starting cursor
	if cursor != "" {
		e.restoreBoosts(pending)
	}
	e.Logger.Info("decay pass finished", "scanned", stats.Scanned, "decayed", stats.Decayed, "raced", stats.Raced, "failed", stats.Failed, "policy", p.Version)
	return stats, nil
}

func (e *Engine) decayKey(ctx context.Context, key ledger.Key, now time.Time, p *policy.Policy, boost float64) (bool, error) {
	unlock, err := e.Locks.Lock(ctx, key)
	if err != nil {
		return false, err
	}
	defer unlock()

	l, err := e.Store.Load(ctx, key)
	if err != nil {
		return false, err
	}
	// became permanent since the page was read
	if l.Permanent {
		return false, nil
	}
	changed := Apply(l, now, p, boost)
	if err := e.Store.Save(ctx, l); err != nil {
		if errors.Is(err, ledger.ErrStaleLedger) {
			return false, &RaceError{Key: key, Err: err}
		}
		return false, err
	}
	return changed, nil
}

// Periodic job wrapper around RunPass.
func (e *Engine) Pass(ctx context.Context) error {
	_, err := e.RunPass(ctx)
	return err
}
