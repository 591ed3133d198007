package countstore

import (
	"context"
	"fmt"

	"github.com/bluesky-social/warden/automod/ledger"
)

// Per-community moderation activity, by period.
type Summary struct {
	CommunityID string `json:"community_id"`
	// tier name -> period -> count
	Violations map[string]map[string]int `json:"violations"`
	// sanction kind -> period -> count
	Sanctions map[string]map[string]int `json:"sanctions"`
	// period -> distinct users with a violation
	Offenders map[string]int `json:"offenders"`
}

func communityVal(communityID, sub string) string {
	return communityID + "/" + sub
}

func RecordViolation(ctx context.Context, cs CountStore, evt *ledger.ViolationEvent) error {
	if err := cs.Increment(ctx, CountViolations, communityVal(evt.CommunityID, evt.Tier.String())); err != nil {
		return fmt.Errorf("incrementing violation count: %w", err)
	}
	if err := cs.IncrementDistinct(ctx, DistinctOffenders, evt.CommunityID, evt.UserID); err != nil {
		return fmt.Errorf("incrementing offender count: %w", err)
	}
	return nil
}

func RecordSanction(ctx context.Context, cs CountStore, communityID string, kind ledger.SanctionKind) error {
	if err := cs.Increment(ctx, CountSanctions, communityVal(communityID, string(kind))); err != nil {
		return fmt.Errorf("incrementing sanction count: %w", err)
	}
	return nil
}

func Summarize(ctx context.Context, cs CountStore, communityID string) (*Summary, error) {
	s := &Summary{
		CommunityID: communityID,
		Violations:  make(map[string]map[string]int),
		Sanctions:   make(map[string]map[string]int),
		Offenders:   make(map[string]int),
	}
	for _, p := range Periods {
		for _, t := range ledger.Tiers {
			c, err := cs.GetCount(ctx, CountViolations, communityVal(communityID, t.String()), p)
			if err != nil {
				return nil, err
			}
			if s.Violations[t.String()] == nil {
				s.Violations[t.String()] = make(map[string]int)
			}
			s.Violations[t.String()][p] = c
		}
		for _, k := range []ledger.SanctionKind{ledger.SanctionWarn, ledger.SanctionTimeout, ledger.SanctionKick, ledger.SanctionBan} {
			c, err := cs.GetCount(ctx, CountSanctions, communityVal(communityID, string(k)), p)
			if err != nil {
				return nil, err
			}
			if s.Sanctions[string(k)] == nil {
				s.Sanctions[string(k)] = make(map[string]int)
			}
			s.Sanctions[string(k)][p] = c
		}
		c, err := cs.GetCountDistinct(ctx, DistinctOffenders, communityID, p)
		if err != nil {
			return nil, err
		}
		s.Offenders[p] = c
	}
	return s, nil
}

// Short form used in audit messages: hourly and daily violation counts for one tier, plus distinct offenders
// today.
func Recent(ctx context.Context, cs CountStore, communityID string, tier ledger.Tier) (map[string]int, error) {
	out := make(map[string]int, 3)
	for _, p := range []string{PeriodHour, PeriodDay} {
		c, err := cs.GetCount(ctx, CountViolations, communityVal(communityID, tier.String()), p)
		if err != nil {
			return nil, err
		}
		out[tier.String()+"-"+p] = c
	}
	c, err := cs.GetCountDistinct(ctx, DistinctOffenders, communityID, PeriodDay)
	if err != nil {
		return nil, err
	}
	out["offenders-day"] = c
	return out, nil
}
