package policy

import (
	"fmt"
	"math"
	"os"
	"slices"
	"sort"
	"time"

	"github.com/bluesky-social/warden/automod/classifier"
	"github.com/bluesky-social/warden/automod/ledger"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// Matches every category of a tier in PermanentCategories.
const AllCategories = "*"

// Weight at or below which decayed weight is clamped to zero.
const DefaultDecayEpsilon = 1e-6

type Threshold struct {
	Weight float64             `yaml:"weight" json:"weight" validate:"gt=0"`
	Action ledger.SanctionKind `yaml:"action" json:"action" validate:"required,oneof=warn timeout kick ban"`
	// zero means no expiry; required for timeouts
	Duration time.Duration `yaml:"duration" json:"duration,omitempty" validate:"gte=0"`
}

func (t Threshold) duration() *time.Duration {
	if t.Duration <= 0 {
		return nil
	}
	d := t.Duration
	return &d
}

// more severe sorts later
func (t Threshold) less(o Threshold) bool {
	if t.Weight != o.Weight {
		return t.Weight < o.Weight
	}
	if t.Action.Rank() != o.Action.Rank() {
		return t.Action.Rank() < o.Action.Rank()
	}
	// a permanent (zero duration) action is the most severe of its kind
	if (t.Duration == 0) != (o.Duration == 0) {
		return o.Duration == 0
	}
	return t.Duration < o.Duration
}

type TierPolicy struct {
	// Weight added per violation at this tier. Zero means 1.0.
	Weight float64 `yaml:"weight" json:"weight" validate:"gte=0"`
	// Per-day multiplicative decay. Zero means derive from HalfLifeDays.
	DecayFactor float64 `yaml:"decay_factor" json:"decay_factor,omitempty" validate:"gte=0,lte=1"`
	// Days for the weight to halve. Zero (with no DecayFactor) disables decay for the tier.
	HalfLifeDays float64 `yaml:"half_life_days" json:"half_life_days,omitempty" validate:"gte=0"`
	// Categories whose violations ban immediately and mark the ledger permanent.
	PermanentCategories []string                            `yaml:"permanent_categories" json:"permanent_categories,omitempty"`
	Categories          map[string]classifier.CategoryRules `yaml:"categories" json:"categories"`
	Thresholds          []Threshold                         `yaml:"thresholds" json:"thresholds" validate:"dive"`
}

// Per-day decay multiplier for the tier, in (0, 1].
func (tp *TierPolicy) Factor() float64 {
	if tp.DecayFactor > 0 {
		return tp.DecayFactor
	}
	if tp.HalfLifeDays > 0 {
		return math.Pow(0.5, 1/tp.HalfLifeDays)
	}
	return 1.0
}

func (tp *TierPolicy) increment() float64 {
	if tp.Weight == 0 {
		return 1.0
	}
	return tp.Weight
}

func (tp *TierPolicy) isPermanent(category string) bool {
	return slices.Contains(tp.PermanentCategories, AllCategories) || slices.Contains(tp.PermanentCategories, category)
}

// Moderation policy: phrase tables, weights, decay, and escalation thresholds for each tier.
//
// A Policy must be compiled (LoadFile, Parse, and DefaultPolicy all do this) before use, and is immutable afterwards.
type Policy struct {
	Version string                 `yaml:"version" json:"version" validate:"required"`
	Tiers   map[string]*TierPolicy `yaml:"tiers" json:"tiers" validate:"required,min=1,dive,keys,oneof=minor moderate severe extreme,endkeys,required"`
	// At the top threshold level, each further violation repeats the top action. Defaults to true.
	RepeatTopThreshold *bool         `yaml:"repeat_top_threshold" json:"repeat_top_threshold,omitempty"`
	DecayEpsilon       float64       `yaml:"decay_epsilon" json:"decay_epsilon,omitempty" validate:"gte=0"`
	DecayInterval      time.Duration `yaml:"decay_interval" json:"decay_interval,omitempty" validate:"gte=0"`
	SweepInterval      time.Duration `yaml:"sweep_interval" json:"sweep_interval,omitempty" validate:"gte=0"`

	tiers      map[ledger.Tier]*TierPolicy
	classifier *classifier.Classifier
}

func Parse(raw []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parsing policy: %w", err)
	}
	if err := p.Compile(); err != nil {
		return nil, err
	}
	return &p, nil
}

func LoadFile(path string) (*Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	p, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Validates the policy and builds the derived lookup tables and classifier.
func (p *Policy) Compile() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("invalid policy: %w", err)
	}
	tiers := make(map[ledger.Tier]*TierPolicy, len(p.Tiers))
	table := classifier.PhraseTable{}
	for name, tp := range p.Tiers {
		t, err := ledger.ParseTier(name)
		if err != nil {
			return err
		}
		for i, th := range tp.Thresholds {
			if th.Action == ledger.SanctionTimeout && th.Duration <= 0 {
				return fmt.Errorf("invalid policy: tier %s threshold %d: timeout requires a duration", name, i)
			}
			if th.Action == ledger.SanctionWarn && th.Duration > 0 {
				return fmt.Errorf("invalid policy: tier %s threshold %d: warnings can't have a duration", name, i)
			}
		}
		for _, c := range tp.PermanentCategories {
			if c == AllCategories {
				continue
			}
			if _, ok := tp.Categories[c]; !ok {
				return fmt.Errorf("invalid policy: tier %s: permanent category %q is not defined", name, c)
			}
		}
		sorted := slices.Clone(tp.Thresholds)
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].less(sorted[j]) })
		tp.Thresholds = sorted
		tiers[t] = tp
		if len(tp.Categories) > 0 {
			table[t] = tp.Categories
		}
	}
	c, err := classifier.New(table)
	if err != nil {
		return fmt.Errorf("invalid policy: %w", err)
	}
	p.tiers = tiers
	p.classifier = c
	return nil
}

func (p *Policy) Classifier() *classifier.Classifier {
	return p.classifier
}

// Returns the tier configuration; tiers absent from the policy get a zero config (weight 1.0, no decay, no thresholds).
func (p *Policy) Tier(t ledger.Tier) *TierPolicy {
	if tp, ok := p.tiers[t]; ok {
		return tp
	}
	return &TierPolicy{}
}

func (p *Policy) IsPermanent(t ledger.Tier, category string) bool {
	return p.Tier(t).isPermanent(category)
}

func (p *Policy) Epsilon() float64 {
	if p.DecayEpsilon > 0 {
		return p.DecayEpsilon
	}
	return DefaultDecayEpsilon
}

func (p *Policy) repeatTop() bool {
	return p.RepeatTopThreshold == nil || *p.RepeatTopThreshold
}
