package engine

import (
	"time"

	"github.com/bluesky-social/warden/automod/ledger"
)

type OutcomeStatus string

const (
	// message matched no tier; nothing recorded
	OutcomeNoMatch OutcomeStatus = "no_match"
	// violation recorded, no sanction issued
	OutcomeRecorded OutcomeStatus = "recorded"
	// sanction issued and applied on the platform
	OutcomeSanctioned OutcomeStatus = "sanctioned"
	// sanction issued and recorded, but the platform action failed
	OutcomeDegraded OutcomeStatus = "degraded"
	// event could not be recorded
	OutcomeFailed OutcomeStatus = "failed"
	// redelivery of an already handled message
	OutcomeDuplicate OutcomeStatus = "duplicate"
)

type Outcome struct {
	Status         OutcomeStatus           `json:"status"`
	Event          *ledger.ViolationEvent  `json:"event,omitempty"`
	Sanction       *ledger.SanctionRecord  `json:"sanction,omitempty"`
	Superseded     []string                `json:"superseded,omitempty"`
	Weights        map[ledger.Tier]float64 `json:"weights,omitempty"`
	Threshold      float64                 `json:"threshold,omitempty"`
	Permanent      bool                    `json:"permanent,omitempty"`
	MessageDeleted bool                    `json:"message_deleted"`
	PolicyVersion  string                  `json:"policy_version,omitempty"`
	Err            error                   `json:"-"`
}

func (o *Outcome) fail(err error) {
	o.Status = OutcomeFailed
	o.Err = err
}

func (o *Outcome) sanctionDuration() *time.Duration {
	if o.Sanction == nil || o.Sanction.ExpiresAt == nil {
		return nil
	}
	d := o.Sanction.ExpiresAt.Sub(o.Sanction.IssuedAt)
	return &d
}
