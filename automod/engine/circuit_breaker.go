package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/bluesky-social/warden/automod/countstore"
)

var ErrCircuitBreaker = errors.New("ban circuit breaker tripped")

const quotaCounter = "automod-quota"

// Limits how many bans are sent to the platform per community per day, so a bad policy push can't mass-ban a
// community. Tripped bans are still recorded, and surface as degraded outcomes for manual review.
func (e *Engine) circuitBreakBan(ctx context.Context, communityID string) error {
	if e.BanQuotaPerDay <= 0 || e.Counters == nil {
		return nil
	}
	val := communityID + "/ban"
	c, err := e.Counters.GetCount(ctx, quotaCounter, val, countstore.PeriodDay)
	if err != nil {
		return fmt.Errorf("checking ban quota: %w", err)
	}
	if c >= e.BanQuotaPerDay {
		circuitBreakerTrips.WithLabelValues("ban").Inc()
		e.Logger.Warn("CIRCUIT BREAKER: automod bans", "community", communityID, "quota", e.BanQuotaPerDay)
		return ErrCircuitBreaker
	}
	return e.Counters.Increment(ctx, quotaCounter, val)
}
