package ledger

import (
	"fmt"
	"maps"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Identifies a single ledger: one per (community, user) pair.
type Key struct {
	CommunityID string `json:"community_id"`
	UserID      string `json:"user_id"`
}

// Cursor-safe string form of the key. Sorts by community, then user.
func (k Key) String() string {
	return url.PathEscape(k.CommunityID) + "/" + url.PathEscape(k.UserID)
}

func ParseKey(raw string) (Key, error) {
	parts := strings.SplitN(raw, "/", 2)
	if len(parts) != 2 {
		return Key{}, fmt.Errorf("invalid ledger key: %q", raw)
	}
	c, err := url.PathUnescape(parts[0])
	if err != nil {
		return Key{}, fmt.Errorf("invalid ledger key: %w", err)
	}
	u, err := url.PathUnescape(parts[1])
	if err != nil {
		return Key{}, fmt.Errorf("invalid ledger key: %w", err)
	}
	return Key{CommunityID: c, UserID: u}, nil
}

// A single classified violation. Produced once per matched message and never mutated.
type ViolationEvent struct {
	CommunityID string `json:"community_id"`
	UserID      string `json:"user_id"`
	Tier        Tier   `json:"tier"`
	Category    string `json:"category"`
	// Every category matched by the message, highest tier first. Only used for audit.
	Categories      []string  `json:"categories,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`
	SourceMessageID string    `json:"source_message_id"`
}

func (e *ViolationEvent) Key() Key {
	return Key{CommunityID: e.CommunityID, UserID: e.UserID}
}

const (
	DeactivatedExpired    = "expired"
	DeactivatedSuperseded = "superseded"
	DeactivatedManual     = "manual"
)

type SanctionRecord struct {
	ID          string       `json:"id"`
	CommunityID string       `json:"community_id"`
	UserID      string       `json:"user_id"`
	Kind        SanctionKind `json:"kind"`
	IssuedAt    time.Time    `json:"issued_at"`
	// nil means the sanction does not expire
	ExpiresAt          *time.Time `json:"expires_at,omitempty"`
	ReasonTier         Tier       `json:"reason_tier"`
	ReasonCategory     string     `json:"reason_category,omitempty"`
	SourceMessageID    string     `json:"source_message_id,omitempty"`
	Active             bool       `json:"active"`
	DeactivatedAt      *time.Time `json:"deactivated_at,omitempty"`
	DeactivationReason string     `json:"deactivation_reason,omitempty"`
}

// Builds the record for a sanction issued in response to "evt".
//
// Warnings, and kicks without a cooldown, have no lasting effect and are recorded already inactive.
func NewSanctionRecord(evt *ViolationEvent, kind SanctionKind, dur *time.Duration, issuedAt time.Time) SanctionRecord {
	rec := SanctionRecord{
		ID:              uuid.NewString(),
		CommunityID:     evt.CommunityID,
		UserID:          evt.UserID,
		Kind:            kind,
		IssuedAt:        issuedAt,
		ReasonTier:      evt.Tier,
		ReasonCategory:  evt.Category,
		SourceMessageID: evt.SourceMessageID,
		Active:          true,
	}
	if dur != nil {
		exp := issuedAt.Add(*dur)
		rec.ExpiresAt = &exp
	}
	if kind == SanctionWarn || (kind == SanctionKick && dur == nil) {
		rec.Active = false
	}
	return rec
}

// Reports whether the record is active with an expiry at or before "now".
func (r *SanctionRecord) ExpiredAt(now time.Time) bool {
	return r.Active && r.ExpiresAt != nil && !r.ExpiresAt.After(now)
}

func (r *SanctionRecord) Deactivate(reason string, at time.Time) {
	if !r.Active {
		return
	}
	r.Active = false
	r.DeactivatedAt = &at
	r.DeactivationReason = reason
}

// Per-account violation history within one community. This is the aggregate root persisted by a Store.
type Ledger struct {
	CommunityID     string           `json:"community_id"`
	UserID          string           `json:"user_id"`
	WeightByTier    map[Tier]float64 `json:"weight_by_tier"`
	LastViolationAt time.Time        `json:"last_violation_at"`
	LastDecayAt     time.Time        `json:"last_decay_at"`
	// Append-only. Only the active/deactivation fields of an existing record ever change.
	SanctionHistory []SanctionRecord `json:"sanction_history"`
	// Once set, never cleared. Disables decay for the whole ledger.
	Permanent bool `json:"permanent"`
	// Incremented by every successful Save; used for optimistic concurrency.
	Version uint64 `json:"version"`
}

func NewLedger(key Key) *Ledger {
	return &Ledger{
		CommunityID:     key.CommunityID,
		UserID:          key.UserID,
		WeightByTier:    map[Tier]float64{},
		SanctionHistory: []SanctionRecord{},
	}
}

func (l *Ledger) Key() Key {
	return Key{CommunityID: l.CommunityID, UserID: l.UserID}
}

func (l *Ledger) Weight(t Tier) float64 {
	return l.WeightByTier[t]
}

func (l *Ledger) ActiveSanctions() []SanctionRecord {
	out := []SanctionRecord{}
	for _, r := range l.SanctionHistory {
		if r.Active {
			out = append(out, r)
		}
	}
	return out
}

// Reports whether any active sanction has expired as of "now".
func (l *Ledger) HasExpired(now time.Time) bool {
	for i := range l.SanctionHistory {
		if l.SanctionHistory[i].ExpiredAt(now) {
			return true
		}
	}
	return false
}

// Deep copy, so stores never share mutable state with callers.
func (l *Ledger) Clone() *Ledger {
	out := *l
	out.WeightByTier = maps.Clone(l.WeightByTier)
	if out.WeightByTier == nil {
		out.WeightByTier = map[Tier]float64{}
	}
	out.SanctionHistory = make([]SanctionRecord, len(l.SanctionHistory))
	for i, r := range l.SanctionHistory {
		out.SanctionHistory[i] = r.clone()
	}
	return &out
}

func (r SanctionRecord) clone() SanctionRecord {
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		r.ExpiresAt = &t
	}
	if r.DeactivatedAt != nil {
		t := *r.DeactivatedAt
		r.DeactivatedAt = &t
	}
	return r
}

// Checks the invariants a stored ledger must satisfy against the previously stored version.
func checkTransition(prev, next *Ledger) error {
	for t, w := range next.WeightByTier {
		if w < 0 {
			return fmt.Errorf("%w: negative weight for tier %s", ErrInvalidLedger, t)
		}
	}
	if prev == nil {
		return nil
	}
	if prev.Permanent && !next.Permanent {
		return fmt.Errorf("%w: permanent flag cannot be cleared", ErrInvalidLedger)
	}
	if len(next.SanctionHistory) < len(prev.SanctionHistory) {
		return fmt.Errorf("%w: sanction history is append-only", ErrInvalidLedger)
	}
	for i, r := range prev.SanctionHistory {
		if next.SanctionHistory[i].ID != r.ID {
			return fmt.Errorf("%w: sanction history is append-only", ErrInvalidLedger)
		}
	}
	return nil
}
