package notify

import (
	"context"
	"errors"
	"time"

	"github.com/bluesky-social/warden/automod/ledger"
)

type AuditKind string

const (
	// Event handled, sanction issued and applied.
	AuditSanction AuditKind = "sanction"
	// Event handled, no sanction issued.
	AuditViolation AuditKind = "violation"
	// Sanction recorded, but the platform action failed or timed out.
	AuditDegraded AuditKind = "degraded"
	// Event could not be handled, eg the ledger store was unavailable.
	AuditFailed AuditKind = "failed"
	// Event was a redelivery of an already handled message.
	AuditDuplicate AuditKind = "duplicate"
	// An expired sanction was lifted by the sweeper.
	AuditExpired AuditKind = "expired"
)

type AuditEvent struct {
	Kind            AuditKind           `json:"kind"`
	CommunityID     string              `json:"community_id"`
	UserID          string              `json:"user_id"`
	Tier            ledger.Tier         `json:"tier"`
	Category        string              `json:"category,omitempty"`
	Action          ledger.SanctionKind `json:"action,omitempty"`
	Duration        *time.Duration      `json:"duration,omitempty"`
	SanctionID      string              `json:"sanction_id,omitempty"`
	SourceMessageID string              `json:"source_message_id,omitempty"`
	Timestamp       time.Time           `json:"timestamp"`
	Success         bool                `json:"success"`
	Error           string              `json:"error,omitempty"`
	PolicyVersion   string              `json:"policy_version,omitempty"`
	// recent violation counts for the community, by counter name
	Counts map[string]int `json:"counts,omitempty"`
}

// Reports whether moderators should be alerted about the event.
func (e *AuditEvent) Actionable() bool {
	switch e.Kind {
	case AuditDegraded, AuditFailed:
		return true
	case AuditSanction:
		return e.Action != ledger.SanctionWarn
	}
	return false
}

// Receives audit events. Implementations must be safe for concurrent use.
type Notifier interface {
	EmitAudit(ctx context.Context, evt AuditEvent) error
}

// Fans out to every notifier, returning the joined errors.
type Multi []Notifier

func (m Multi) EmitAudit(ctx context.Context, evt AuditEvent) error {
	var errs []error
	for _, n := range m {
		if err := n.EmitAudit(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
