package decay

import (
	"fmt"
	"math"
	"time"

	"github.com/bluesky-social/warden/automod/ledger"
	"github.com/bluesky-social/warden/automod/policy"
)

// A decay pass lost a race against a concurrent writer of the same ledger. The ledger is left as the other
// writer saved it, and decayed again on the next pass.
type RaceError struct {
	Key ledger.Key
	Err error
}

func (e *RaceError) Error() string {
	return fmt.Sprintf("decay race on ledger %s: %v", e.Key, e.Err)
}

func (e *RaceError) Unwrap() error {
	return e.Err
}

// Decays the ledger's weights in place for the time elapsed since its last decay, and moves LastDecayAt forward
// to "now". Returns true if any weight changed.
//
// Each tier's weight is multiplied by factor^(elapsed_days * boost), and clamped to zero below the policy epsilon.
// A boost above 1.0 speeds up decay for this one application; other values are treated as 1.0. Permanent
// ledgers are never modified.
func Apply(l *ledger.Ledger, now time.Time, p *policy.Policy, boost float64) bool {
	if l.Permanent {
		return false
	}
	if !(boost > 1.0) || math.IsInf(boost, 0) {
		boost = 1.0
	}

	base := l.LastDecayAt
	if base.IsZero() {
		base = l.LastViolationAt
	}
	elapsed := 0.0
	if !base.IsZero() && now.After(base) {
		elapsed = now.Sub(base).Hours() / 24
	}

	changed := false
	eps := p.Epsilon()
	for t, w := range l.WeightByTier {
		if w == 0 {
			continue
		}
		nw := w
		if elapsed > 0 {
			nw = w * math.Pow(p.Tier(t).Factor(), elapsed*boost)
		}
		if nw < eps {
			nw = 0
		}
		if nw != w {
			l.WeightByTier[t] = nw
			changed = true
		}
	}
	if now.After(l.LastDecayAt) {
		l.LastDecayAt = now
	}
	return changed
}
