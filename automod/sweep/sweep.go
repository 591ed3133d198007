package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bluesky-social/warden/automod/actuator"
	"github.com/bluesky-social/warden/automod/keylock"
	"github.com/bluesky-social/warden/automod/ledger"
	"github.com/bluesky-social/warden/automod/notify"
	"github.com/bluesky-social/warden/automod/periodic"
)

// Name of the sweep job, used for checkpoints and metrics.
const JobName = "sweep"

// Deactivates expired sanctions, lifting expired timeouts on the platform.
//
// Expired bans and kicks are only marked inactive: the platform action already completed.
type Sweeper struct {
	Store           ledger.Store
	Locks           *keylock.Table[ledger.Key]
	Actuator        actuator.Actuator
	Notifier        notify.Notifier
	Checkpoints     periodic.CheckpointStore
	Logger          *slog.Logger
	PageSize        int
	Clock           func() time.Time
	ActuatorTimeout time.Duration
}

type PassStats struct {
	Ledgers    int
	Expired    int
	Lifted     int
	LiftFailed int
	// ledgers skipped because they could not be read or written
	Failed int
}

func NewSweeper(store ledger.Store, locks *keylock.Table[ledger.Key], act actuator.Actuator, notifier notify.Notifier, checkpoints periodic.CheckpointStore, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		Store:           store,
		Locks:           locks,
		Actuator:        act,
		Notifier:        notifier,
		Checkpoints:     checkpoints,
		Logger:          logger.With("component", "sweep"),
		PageSize:        500,
		Clock:           time.Now,
		ActuatorTimeout: 10 * time.Second,
	}
}

func (s *Sweeper) RunPass(ctx context.Context) (PassStats, error) {
	var stats PassStats
	now := s.Clock()

	cursor := ""
	if s.Checkpoints != nil {
		c, err := s.Checkpoints.GetCursor(ctx, JobName)
		if err != nil {
			return stats, fmt.Errorf("reading sweep checkpoint: %w", err)
		}
		cursor = c
	}

	hasExpired := func(l *ledger.Ledger) bool { return l.HasExpired(now) }
	visit := func(l *ledger.Ledger) error {
		stats.Ledgers++
		err := s.sweepKey(ctx, l.Key(), now, &stats)
		if errors.Is(err, ledger.ErrStaleLedger) {
			sweptRecords.WithLabelValues("race").Inc()
			s.Logger.Warn("skipping ledger updated concurrently, will retry next pass", "key", l.Key().String())
			return nil
		}
		return err
	}
	checkpoint := func(cur string) error {
		if s.Checkpoints == nil {
			return nil
		}
		return s.Checkpoints.SetCursor(ctx, JobName, cur)
	}
	skip := func(key ledger.Key, err error) {
		stats.Failed++
		sweptRecords.WithLabelValues("failed").Inc()
		s.Logger.Error("skipping ledger which could not be swept", "key", key.String(), "err", err)
	}

	if err := ledger.ScanAll(ctx, s.Store, cursor, s.PageSize, hasExpired, visit, checkpoint, skip); err != nil {
		return stats, err
	}
	if stats.Expired > 0 || stats.Failed > 0 {
		s.Logger.Info("sweep pass finished", "ledgers", stats.Ledgers, "expired", stats.Expired, "lifted", stats.Lifted, "liftFailed", stats.LiftFailed, "failed", stats.Failed)
	}
	return stats, nil
}

func (s *Sweeper) sweepKey(ctx context.Context, key ledger.Key, now time.Time, stats *PassStats) error {
	unlock, err := s.Locks.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	l, err := s.Store.Load(ctx, key)
	if err != nil {
		return err
	}
	var expired []ledger.SanctionRecord
	for i := range l.SanctionHistory {
		rec := &l.SanctionHistory[i]
		if !rec.ExpiredAt(now) {
			continue
		}
		rec.Deactivate(ledger.DeactivatedExpired, now)
		expired = append(expired, *rec)
	}
	if len(expired) == 0 {
		return nil
	}
	if err := s.Store.Save(ctx, l); err != nil {
		return err
	}

	// only after the deactivation is durable, so a timeout is lifted at most once
	for _, rec := range expired {
		stats.Expired++
		sweptRecords.WithLabelValues(string(rec.Kind)).Inc()
		success := true
		var errMsg string
		if rec.Kind == ledger.SanctionTimeout {
			err := actuator.Call(ctx, s.ActuatorTimeout, func(ctx context.Context) error {
				return s.Actuator.LiftTimeout(ctx, rec.CommunityID, rec.UserID)
			})
			if err != nil {
				stats.LiftFailed++
				success = false
				errMsg = err.Error()
				s.Logger.Error("failed to lift expired timeout", "err", err, "community", rec.CommunityID, "user", rec.UserID, "sanctionID", rec.ID)
			} else {
				stats.Lifted++
			}
		}
		s.emit(ctx, &rec, now, success, errMsg)
	}
	return nil
}

func (s *Sweeper) emit(ctx context.Context, rec *ledger.SanctionRecord, now time.Time, success bool, errMsg string) {
	if s.Notifier == nil {
		return
	}
	evt := notify.AuditEvent{
		Kind:            notify.AuditExpired,
		CommunityID:     rec.CommunityID,
		UserID:          rec.UserID,
		Tier:            rec.ReasonTier,
		Category:        rec.ReasonCategory,
		Action:          rec.Kind,
		SanctionID:      rec.ID,
		SourceMessageID: rec.SourceMessageID,
		Timestamp:       now,
		Success:         success,
		Error:           errMsg,
	}
	if err := s.Notifier.EmitAudit(ctx, evt); err != nil {
		s.Logger.Error("failed to emit audit event", "err", err, "sanctionID", rec.ID)
	}
}

// Periodic job wrapper around RunPass.
func (s *Sweeper) Pass(ctx context.Context) error {
	_, err := s.RunPass(ctx)
	return err
}
