package automod

import (
	"github.com/bluesky-social/warden/automod/countstore"
	"github.com/bluesky-social/warden/automod/engine"
	"github.com/bluesky-social/warden/automod/ledger"
	"github.com/bluesky-social/warden/automod/notify"
	"github.com/bluesky-social/warden/automod/policy"
)

type Engine = engine.Engine
type Message = engine.Message
type Outcome = engine.Outcome
type OutcomeStatus = engine.OutcomeStatus

type Policy = policy.Policy
type Decision = policy.Decision

type Tier = ledger.Tier
type Key = ledger.Key
type Ledger = ledger.Ledger
type ViolationEvent = ledger.ViolationEvent
type SanctionRecord = ledger.SanctionRecord
type SanctionKind = ledger.SanctionKind

type Notifier = notify.Notifier
type AuditEvent = notify.AuditEvent

var (
	TierMinor    = ledger.TierMinor
	TierModerate = ledger.TierModerate
	TierSevere   = ledger.TierSevere
	TierExtreme  = ledger.TierExtreme

	SanctionWarn    = ledger.SanctionWarn
	SanctionTimeout = ledger.SanctionTimeout
	SanctionKick    = ledger.SanctionKick
	SanctionBan     = ledger.SanctionBan

	PeriodTotal = countstore.PeriodTotal
	PeriodDay   = countstore.PeriodDay
	PeriodHour  = countstore.PeriodHour

	Decide        = policy.Decide
	DefaultPolicy = policy.DefaultPolicy
)
