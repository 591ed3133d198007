package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bluesky-social/warden/automod/actuator"
	"github.com/bluesky-social/warden/automod/classifier"
	"github.com/bluesky-social/warden/automod/countstore"
	"github.com/bluesky-social/warden/automod/dedupe"
	"github.com/bluesky-social/warden/automod/keylock"
	"github.com/bluesky-social/warden/automod/ledger"
	"github.com/bluesky-social/warden/automod/notify"
	"github.com/bluesky-social/warden/automod/policy"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var (
	ErrShuttingDown = errors.New("engine is shutting down")
	ErrInvalidEvent = errors.New("invalid violation event")
)

// Sanction coordinator: turns classified messages into ledger updates, sanctions, platform actions, and audit
// events.
//
// Events for the same (community, user) are processed one at a time in arrival order; events for different keys
// run fully in parallel.
//
// TODO: careful when initializing: Store, Locks, Policy, Actuator and Notifier must not be nil.
type Engine struct {
	Logger   *slog.Logger
	Store    ledger.Store
	Locks    *keylock.Table[ledger.Key]
	Policy   *policy.Holder
	Actuator actuator.Actuator
	Notifier notify.Notifier
	// optional
	Counters countstore.CountStore
	// optional; when set, a redelivered source message is answered with a duplicate outcome
	Dedupe dedupe.Store
	// bound on each platform action; zero means DefaultActuatorTimeout
	ActuatorTimeout time.Duration
	// maximum bans sent to the platform per community per day; zero disables the breaker
	BanQuotaPerDay int
	Clock          func() time.Time

	lk       sync.RWMutex
	closing  bool
	inflight sync.WaitGroup
}

const DefaultActuatorTimeout = 5 * time.Second

// An incoming chat message.
type Message struct {
	CommunityID string    `json:"community_id"`
	UserID      string    `json:"user_id"`
	MessageID   string    `json:"message_id"`
	Text        string    `json:"text"`
	Timestamp   time.Time `json:"timestamp"`
}

func (e *Engine) now() time.Time {
	if e.Clock != nil {
		return e.Clock()
	}
	return time.Now()
}

func (e *Engine) actuatorTimeout() time.Duration {
	if e.ActuatorTimeout > 0 {
		return e.ActuatorTimeout
	}
	return DefaultActuatorTimeout
}

// Classifies a message and, if it matched any tier, handles the resulting violation. Messages which don't
// match (or can't be classified) return immediately without touching the ledger.
func (e *Engine) OnMessage(ctx context.Context, msg Message) (*Outcome, error) {
	p := e.Policy.Get()
	matches, err := p.Classifier().Classify(msg.Text)
	if err != nil {
		// fail open: never block message flow on classification
		classifyErrors.Inc()
		e.Logger.Debug("unclassifiable message", "err", err, "community", msg.CommunityID, "user", msg.UserID, "messageID", msg.MessageID)
		return &Outcome{Status: OutcomeNoMatch, PolicyVersion: p.Version}, nil
	}
	top, ok := classifier.Highest(matches)
	if !ok {
		messagesClassified.WithLabelValues("none").Inc()
		return &Outcome{Status: OutcomeNoMatch, PolicyVersion: p.Version}, nil
	}
	messagesClassified.WithLabelValues(top.Tier.String()).Inc()

	occurred := msg.Timestamp
	if occurred.IsZero() {
		occurred = e.now()
	}
	evt := &ledger.ViolationEvent{
		CommunityID:     msg.CommunityID,
		UserID:          msg.UserID,
		Tier:            top.Tier,
		Category:        top.Category,
		Categories:      classifier.Categories(matches),
		OccurredAt:      occurred,
		SourceMessageID: msg.MessageID,
	}
	return e.handle(ctx, evt, p)
}

// Applies one violation event: deletes the source message, updates the ledger, issues and applies any
// resulting sanction, and emits exactly one audit event.
//
// A non-nil error is returned only when the event could not be recorded (failed outcome). A sanction recorded
// without its platform action succeeding is a degraded outcome, not an error.
//
// Cancelling ctx does not abort the event; its values (trace span, logger fields) are still used.
func (e *Engine) HandleEvent(ctx context.Context, evt *ledger.ViolationEvent) (*Outcome, error) {
	return e.handle(ctx, evt, e.Policy.Get())
}

func (e *Engine) enter() bool {
	e.lk.RLock()
	defer e.lk.RUnlock()
	if e.closing {
		return false
	}
	e.inflight.Add(1)
	return true
}

// Stops accepting events and waits for in-flight events to complete, up to the context deadline.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.lk.Lock()
	e.closing = true
	e.lk.Unlock()

	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.Logger.Info("engine drained")
		return nil
	case <-ctx.Done():
		e.Logger.Warn("engine shutdown deadline reached with events in flight")
		return ctx.Err()
	}
}

func validateEvent(evt *ledger.ViolationEvent) error {
	if evt == nil {
		return fmt.Errorf("%w: missing event", ErrInvalidEvent)
	}
	if evt.CommunityID == "" || evt.UserID == "" {
		return fmt.Errorf("%w: community and user are required", ErrInvalidEvent)
	}
	if !evt.Tier.Valid() {
		return fmt.Errorf("%w: tier %q", ErrInvalidEvent, evt.Tier)
	}
	return nil
}

func (e *Engine) handle(ctx context.Context, evt *ledger.ViolationEvent, p *policy.Policy) (out *Outcome, err error) {
	// once accepted, an event runs to completion even if the caller goes away; only actuator timeouts and the shutdown deadline bound it
	ctx = context.WithoutCancel(ctx)
	start := time.Now()
	out = &Outcome{Event: evt, PolicyVersion: p.Version}
	logger := e.Logger
	if evt != nil {
		logger = logger.With("community", evt.CommunityID, "user", evt.UserID, "messageID", evt.SourceMessageID)
	}

	if !e.enter() {
		out.fail(ErrShuttingDown)
		e.finish(ctx, logger, out, start)
		return out, ErrShuttingDown
	}
	defer e.inflight.Done()

	ctx, span := otel.Tracer("engine").Start(ctx, "HandleEvent")
	defer span.End()

	// every outcome, including panics, produces exactly one audit event
	defer func() {
		if r := recover(); r != nil {
			logger.Error("automod event execution exception", "err", r)
			out.Sanction = nil
			out.fail(fmt.Errorf("panic handling event: %v", r))
			err = out.Err
			if evt != nil {
				e.forget(ctx, logger, evt)
			}
		}
		span.SetAttributes(attribute.String("status", string(out.Status)))
		e.finish(ctx, logger, out, start)
	}()

	if err := validateEvent(evt); err != nil {
		out.fail(err)
		return out, err
	}
	if evt.OccurredAt.IsZero() {
		cp := *evt
		cp.OccurredAt = e.now()
		evt = &cp
		out.Event = evt
	}

	if e.Dedupe != nil && evt.SourceMessageID != "" {
		first, err := e.Dedupe.MarkSeen(ctx, evt.CommunityID, evt.SourceMessageID)
		if err != nil {
			logger.Warn("dedupe check failed, processing event anyway", "err", err)
		} else if !first {
			out.Status = OutcomeDuplicate
			return out, nil
		}
	}

	// deletion is independent of everything below, and best-effort
	out.MessageDeleted = e.deleteMessage(ctx, logger, evt)

	if err := e.apply(ctx, logger, evt, p, out); err != nil {
		out.fail(err)
		e.forget(ctx, logger, evt)
		return out, err
	}
	return out, nil
}

func (e *Engine) deleteMessage(ctx context.Context, logger *slog.Logger, evt *ledger.ViolationEvent) bool {
	if evt.SourceMessageID == "" {
		return false
	}
	err := actuator.Call(ctx, e.actuatorTimeout(), func(ctx context.Context) error {
		return e.Actuator.DeleteMessage(ctx, evt.CommunityID, evt.SourceMessageID)
	})
	if err != nil {
		actuatorErrors.WithLabelValues("delete_message").Inc()
		logger.Warn("failed to delete violating message", "err", err)
		return false
	}
	return true
}

// lets a redelivery of a failed event be processed
func (e *Engine) forget(ctx context.Context, logger *slog.Logger, evt *ledger.ViolationEvent) {
	if e.Dedupe == nil || evt.SourceMessageID == "" {
		return
	}
	if err := e.Dedupe.Forget(ctx, evt.CommunityID, evt.SourceMessageID); err != nil {
		logger.Warn("failed to clear dedupe marker", "err", err)
	}
}

// The per-key section: load, decide, record, save, act.
func (e *Engine) apply(ctx context.Context, logger *slog.Logger, evt *ledger.ViolationEvent, p *policy.Policy, out *Outcome) error {
	key := evt.Key()
	unlock, err := e.Locks.Lock(ctx, key)
	if err != nil {
		return fmt.Errorf("waiting for ledger %s: %w", key, err)
	}
	defer unlock()

	l, err := e.Store.Load(ctx, key)
	if err != nil {
		return fmt.Errorf("loading ledger: %w", err)
	}

	d := policy.Decide(p, l, evt)
	l.WeightByTier = d.Weights
	if evt.OccurredAt.After(l.LastViolationAt) {
		l.LastViolationAt = evt.OccurredAt
	}
	if l.LastDecayAt.IsZero() {
		l.LastDecayAt = evt.OccurredAt
	}
	if d.SetPermanent {
		l.Permanent = true
	}

	var rec *ledger.SanctionRecord
	if d.HasSanction() {
		now := e.now()
		r := ledger.NewSanctionRecord(evt, d.Kind, d.Duration, now)
		// a new restriction replaces any running timeout
		if r.Kind == ledger.SanctionTimeout || r.Kind == ledger.SanctionBan {
			for i := range l.SanctionHistory {
				prev := &l.SanctionHistory[i]
				if prev.Active && prev.Kind == ledger.SanctionTimeout {
					prev.Deactivate(ledger.DeactivatedSuperseded, now)
					out.Superseded = append(out.Superseded, prev.ID)
				}
			}
		}
		l.SanctionHistory = append(l.SanctionHistory, r)
		rec = &r
	}

	if err := e.Store.Save(ctx, l); err != nil {
		return fmt.Errorf("saving ledger: %w", err)
	}
	out.Weights = l.WeightByTier
	out.Threshold = d.Threshold
	out.Permanent = l.Permanent
	e.countViolation(ctx, logger, evt)

	if rec == nil {
		out.Status = OutcomeRecorded
		return nil
	}
	out.Sanction = rec
	e.countSanction(ctx, logger, evt.CommunityID, rec.Kind)

	// the record is durable; the platform action is attempted exactly once, and failure only degrades the outcome
	if err := e.act(ctx, rec); err != nil {
		actuatorErrors.WithLabelValues(string(rec.Kind)).Inc()
		logger.Warn("sanction recorded but not applied", "err", err, "action", rec.Kind, "sanctionID", rec.ID)
		out.Status = OutcomeDegraded
		out.Err = err
		return nil
	}
	out.Status = OutcomeSanctioned
	return nil
}

func (e *Engine) act(ctx context.Context, rec *ledger.SanctionRecord) error {
	if rec.Kind == ledger.SanctionBan {
		if err := e.circuitBreakBan(ctx, rec.CommunityID); err != nil {
			return err
		}
	}
	return actuator.Call(ctx, e.actuatorTimeout(), func(ctx context.Context) error {
		return actuator.Apply(ctx, e.Actuator, rec)
	})
}

func (e *Engine) countViolation(ctx context.Context, logger *slog.Logger, evt *ledger.ViolationEvent) {
	if e.Counters == nil {
		return
	}
	if err := countstore.RecordViolation(ctx, e.Counters, evt); err != nil {
		logger.Error("failed to update violation counters", "err", err)
	}
}

func (e *Engine) countSanction(ctx context.Context, logger *slog.Logger, communityID string, kind ledger.SanctionKind) {
	if e.Counters == nil {
		return
	}
	if err := countstore.RecordSanction(ctx, e.Counters, communityID, kind); err != nil {
		logger.Error("failed to update sanction counters", "err", err)
	}
}

// Read-only view of a ledger.
func (e *Engine) GetLedger(ctx context.Context, key ledger.Key) (*ledger.Ledger, error) {
	return e.Store.Get(ctx, key)
}
