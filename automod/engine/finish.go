package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/bluesky-social/warden/automod/countstore"
	"github.com/bluesky-social/warden/automod/ledger"
	"github.com/bluesky-social/warden/automod/notify"
)

var auditKinds = map[OutcomeStatus]notify.AuditKind{
	OutcomeRecorded:   notify.AuditViolation,
	OutcomeSanctioned: notify.AuditSanction,
	OutcomeDegraded:   notify.AuditDegraded,
	OutcomeFailed:     notify.AuditFailed,
	OutcomeDuplicate:  notify.AuditDuplicate,
}

// Records metrics, the canonical log line, and the single audit event for a handled event.
func (e *Engine) finish(ctx context.Context, logger *slog.Logger, out *Outcome, start time.Time) {
	dur := time.Since(start)
	eventProcessCount.WithLabelValues(string(out.Status)).Inc()
	eventProcessDuration.WithLabelValues(string(out.Status)).Observe(dur.Seconds())
	if out.Sanction != nil {
		sanctionsIssued.WithLabelValues(string(out.Sanction.Kind)).Inc()
	}
	e.canonicalLogLine(logger, out, dur)

	evt := e.auditEvent(ctx, logger, out)
	if err := e.Notifier.EmitAudit(ctx, evt); err != nil {
		logger.Error("failed to emit audit event", "err", err, "kind", evt.Kind)
	}
}

func (e *Engine) canonicalLogLine(logger *slog.Logger, out *Outcome, dur time.Duration) {
	attrs := []any{
		"status", out.Status,
		"policy", out.PolicyVersion,
		"deleted", out.MessageDeleted,
		"duration", dur,
	}
	if out.Event != nil {
		attrs = append(attrs, "tier", out.Event.Tier.String(), "category", out.Event.Category)
		if out.Weights != nil {
			attrs = append(attrs, "weight", out.Weights[out.Event.Tier])
		}
	}
	if out.Sanction != nil {
		attrs = append(attrs, "action", out.Sanction.Kind, "sanctionID", out.Sanction.ID)
		if d := out.sanctionDuration(); d != nil {
			attrs = append(attrs, "actionDuration", d.String())
		}
	}
	if len(out.Superseded) > 0 {
		attrs = append(attrs, "superseded", len(out.Superseded))
	}
	if out.Permanent {
		attrs = append(attrs, "permanent", true)
	}
	if out.Err != nil {
		attrs = append(attrs, "err", out.Err)
	}
	logger.Info("canonical-event-line", attrs...)
}

func (e *Engine) auditEvent(ctx context.Context, logger *slog.Logger, out *Outcome) notify.AuditEvent {
	kind, ok := auditKinds[out.Status]
	if !ok {
		kind = notify.AuditFailed
	}
	evt := notify.AuditEvent{
		Kind:          kind,
		Timestamp:     e.now(),
		Success:       out.Status != OutcomeFailed && out.Status != OutcomeDegraded,
		PolicyVersion: out.PolicyVersion,
	}
	if out.Event != nil {
		evt.CommunityID = out.Event.CommunityID
		evt.UserID = out.Event.UserID
		evt.Tier = out.Event.Tier
		evt.Category = out.Event.Category
		evt.SourceMessageID = out.Event.SourceMessageID
	}
	if out.Sanction != nil {
		evt.Action = out.Sanction.Kind
		evt.SanctionID = out.Sanction.ID
		evt.Duration = out.sanctionDuration()
	}
	if out.Err != nil {
		evt.Error = out.Err.Error()
	}
	if e.Counters != nil && evt.Actionable() && out.Event != nil && out.Event.Tier != ledger.TierNone {
		counts, err := countstore.Recent(ctx, e.Counters, out.Event.CommunityID, out.Event.Tier)
		if err != nil {
			logger.Warn("failed to read community counters", "err", err)
		} else {
			evt.Counts = counts
		}
	}
	return evt
}
