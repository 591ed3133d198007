package actuator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bluesky-social/warden/automod/ledger"
)

var (
	// The call did not complete within the configured bound. It may still complete on the platform side.
	ErrTimeout = errors.New("moderation actuator call timed out")
	// The platform refused the action, eg for lack of permissions.
	ErrRejected = errors.New("moderation action rejected")
)

// Performs moderation actions on the chat platform.
//
// Calls are not assumed to be idempotent: callers invoke each action at most once per SanctionRecord.
type Actuator interface {
	DeleteMessage(ctx context.Context, communityID, messageID string) error
	ApplyTimeout(ctx context.Context, communityID, userID string, dur time.Duration) error
	LiftTimeout(ctx context.Context, communityID, userID string) error
	Kick(ctx context.Context, communityID, userID string) error
	// A nil duration is a permanent ban.
	Ban(ctx context.Context, communityID, userID string, dur *time.Duration) error
}

// Runs "fn" with a deadline of "timeout" and returns as soon as either finishes. On timeout, returns ErrTimeout
// without waiting for "fn" to return; its context is cancelled.
func Call(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("actuator panic: %v", r)
			}
		}()
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
	}
}

// Performs the platform side of a newly issued sanction. Warnings have no platform action; they are only
// delivered through the audit stream.
func Apply(ctx context.Context, a Actuator, rec *ledger.SanctionRecord) error {
	switch rec.Kind {
	case ledger.SanctionWarn:
		return nil
	case ledger.SanctionTimeout:
		if rec.ExpiresAt == nil {
			return fmt.Errorf("timeout record %s has no expiry", rec.ID)
		}
		return a.ApplyTimeout(ctx, rec.CommunityID, rec.UserID, rec.ExpiresAt.Sub(rec.IssuedAt))
	case ledger.SanctionKick:
		return a.Kick(ctx, rec.CommunityID, rec.UserID)
	case ledger.SanctionBan:
		var dur *time.Duration
		if rec.ExpiresAt != nil {
			d := rec.ExpiresAt.Sub(rec.IssuedAt)
			dur = &d
		}
		return a.Ban(ctx, rec.CommunityID, rec.UserID, dur)
	default:
		return fmt.Errorf("unhandled sanction kind: %q", rec.Kind)
	}
}
