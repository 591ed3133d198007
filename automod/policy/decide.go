package policy

import (
	"time"

	"github.com/bluesky-social/warden/automod/ledger"
)

// Outcome of applying one violation to a ledger. Weights is the full post-violation weight map; the caller
// persists it and appends a SanctionRecord when Kind is non-empty.
type Decision struct {
	Kind         ledger.SanctionKind
	Duration     *time.Duration
	Weights      map[ledger.Tier]float64
	SetPermanent bool
	// weight of the threshold which fired; zero for permanent-category bans and no-action decisions
	Threshold float64
}

func (d Decision) HasSanction() bool {
	return d.Kind != ledger.SanctionNone
}

// Computes the post-violation weights and resulting sanction for an event. Pure: the ledger is not modified.
//
// A sanction fires when the event moves the tier's weight to a higher threshold level than it had before. Once at
// the top level, every further violation repeats the top action (unless RepeatTopThreshold is disabled). A
// violation in a permanent category always bans and marks the ledger permanent.
func Decide(p *Policy, l *ledger.Ledger, evt *ledger.ViolationEvent) Decision {
	tp := p.Tier(evt.Tier)

	weights := make(map[ledger.Tier]float64, len(l.WeightByTier)+1)
	for t, w := range l.WeightByTier {
		weights[t] = w
	}
	prev := weights[evt.Tier]
	next := prev + tp.increment()
	weights[evt.Tier] = next

	d := Decision{Weights: weights}
	if tp.isPermanent(evt.Category) {
		d.Kind = ledger.SanctionBan
		d.SetPermanent = true
		return d
	}

	before := level(tp.Thresholds, prev)
	after := level(tp.Thresholds, next)
	switch {
	case after > before:
	case after >= 0 && after == len(tp.Thresholds)-1 && p.repeatTop():
	default:
		return d
	}
	th := tp.Thresholds[after]
	d.Kind = th.Action
	d.Duration = th.duration()
	d.Threshold = th.Weight
	return d
}

// index of the last threshold met by weight w, or -1. Thresholds are sorted ascending with ties ordered by
// severity, so the last met is the most severe.
func level(thresholds []Threshold, w float64) int {
	lvl := -1
	for i, th := range thresholds {
		if w >= th.Weight {
			lvl = i
		}
	}
	return lvl
}
