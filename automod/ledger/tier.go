package ledger

import (
	"fmt"
	"strings"
)

// Ordered severity of violating content. The zero value means "no violation".
type Tier int

const (
	TierNone Tier = iota
	TierMinor
	TierModerate
	TierSevere
	TierExtreme
)

// All non-zero tiers, lowest first.
var Tiers = []Tier{TierMinor, TierModerate, TierSevere, TierExtreme}

func (t Tier) String() string {
	switch t {
	case TierMinor:
		return "minor"
	case TierModerate:
		return "moderate"
	case TierSevere:
		return "severe"
	case TierExtreme:
		return "extreme"
	default:
		return "none"
	}
}

func (t Tier) Valid() bool {
	return t >= TierMinor && t <= TierExtreme
}

func ParseTier(raw string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "minor":
		return TierMinor, nil
	case "moderate":
		return TierModerate, nil
	case "severe":
		return TierSevere, nil
	case "extreme":
		return TierExtreme, nil
	}
	return TierNone, fmt.Errorf("unknown severity tier: %q", raw)
}

func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Tier) UnmarshalText(b []byte) error {
	if string(b) == "none" {
		*t = TierNone
		return nil
	}
	v, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Kind of moderation action recorded against an account.
type SanctionKind string

const (
	SanctionNone    SanctionKind = ""
	SanctionWarn    SanctionKind = "warn"
	SanctionTimeout SanctionKind = "timeout"
	SanctionKick    SanctionKind = "kick"
	SanctionBan     SanctionKind = "ban"
)

// Relative severity of sanction kinds, used to break threshold ties.
func (k SanctionKind) Rank() int {
	switch k {
	case SanctionWarn:
		return 1
	case SanctionTimeout:
		return 2
	case SanctionKick:
		return 3
	case SanctionBan:
		return 4
	default:
		return 0
	}
}

func ParseSanctionKind(raw string) (SanctionKind, error) {
	k := SanctionKind(strings.ToLower(strings.TrimSpace(raw)))
	if k.Rank() == 0 {
		return SanctionNone, fmt.Errorf("unknown sanction kind: %q", raw)
	}
	return k, nil
}
