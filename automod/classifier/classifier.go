package classifier

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/bluesky-social/warden/automod/keyword"
	"github.com/bluesky-social/warden/automod/ledger"
)

// Returned for input which can't be treated as text. Callers treat it as "no match".
var ErrMalformedText = errors.New("malformed message text")

// Matching rules for a single category within a tier.
type CategoryRules struct {
	// Matched on token boundaries, after case folding and unicode normalization.
	Phrases []string `yaml:"phrases" json:"phrases"`
	// Matched as substrings of the slugified text (all punctuation and spacing removed).
	Substrings []string `yaml:"substrings" json:"substrings,omitempty"`
	// Regular expressions matched against the slugified text.
	Patterns []string `yaml:"patterns" json:"patterns,omitempty"`
}

// Phrase configuration keyed by tier, then category name.
type PhraseTable map[ledger.Tier]map[string]CategoryRules

// A single (tier, category) hit.
type Match struct {
	Tier     ledger.Tier `json:"tier"`
	Category string      `json:"category"`
	// the configured phrase or pattern which matched first
	Trigger string `json:"trigger"`
}

type compiledCategory struct {
	tier       ledger.Tier
	category   string
	phrases    [][]string
	rawPhrases []string
	substrings []string
	patterns   []*regexp.Regexp
}

// Maps message text to the severity tiers and categories it triggers.
//
// A Classifier is immutable once built: Classify has no side effects and is safe to call from many goroutines.
type Classifier struct {
	cats []compiledCategory
}

func New(table PhraseTable) (*Classifier, error) {
	c := &Classifier{}
	for tier, cats := range table {
		if !tier.Valid() {
			return nil, fmt.Errorf("phrase table: invalid tier %d", tier)
		}
		for name, rules := range cats {
			cc := compiledCategory{
				tier:     tier,
				category: name,
			}
			for _, p := range rules.Phrases {
				toks := keyword.TokenizePhrase(p)
				if len(toks) == 0 {
					return nil, fmt.Errorf("phrase table: %s/%s: phrase %q has no tokens", tier, name, p)
				}
				cc.phrases = append(cc.phrases, toks)
				cc.rawPhrases = append(cc.rawPhrases, p)
			}
			for _, sub := range rules.Substrings {
				slug := keyword.Slugify(sub)
				if slug == "" {
					return nil, fmt.Errorf("phrase table: %s/%s: substring %q is empty after normalization", tier, name, sub)
				}
				cc.substrings = append(cc.substrings, slug)
			}
			for _, pat := range rules.Patterns {
				re, err := regexp.Compile(pat)
				if err != nil {
					return nil, fmt.Errorf("phrase table: %s/%s: %w", tier, name, err)
				}
				cc.patterns = append(cc.patterns, re)
			}
			c.cats = append(c.cats, cc)
		}
	}
	sort.Slice(c.cats, func(i, j int) bool {
		if c.cats[i].tier != c.cats[j].tier {
			return c.cats[i].tier > c.cats[j].tier
		}
		return c.cats[i].category < c.cats[j].category
	})
	return c, nil
}

func checkText(text string) error {
	if !utf8.ValidString(text) {
		return fmt.Errorf("%w: invalid utf-8", ErrMalformedText)
	}
	if strings.ContainsRune(text, 0) {
		return fmt.Errorf("%w: contains NUL", ErrMalformedText)
	}
	return nil
}

// Returns every matched (tier, category), highest tier first; nil when nothing matched.
func (c *Classifier) Classify(text string) ([]Match, error) {
	if err := checkText(text); err != nil {
		return nil, err
	}
	if text == "" {
		return nil, nil
	}
	tokens := keyword.TokenizeText(text)
	slug := ""
	slugDone := false

	var out []Match
	for _, cc := range c.cats {
		trigger, ok := cc.match(tokens, func() string {
			if !slugDone {
				slug = keyword.Slugify(text)
				slugDone = true
			}
			return slug
		})
		if ok {
			out = append(out, Match{Tier: cc.tier, Category: cc.category, Trigger: trigger})
		}
	}
	return out, nil
}

func (cc *compiledCategory) match(tokens []string, slug func() string) (string, bool) {
	for i, p := range cc.phrases {
		if keyword.ContainsPhrase(tokens, p) {
			return cc.rawPhrases[i], true
		}
	}
	if len(cc.substrings) == 0 && len(cc.patterns) == 0 {
		return "", false
	}
	s := slug()
	for _, sub := range cc.substrings {
		if strings.Contains(s, sub) {
			return sub, true
		}
	}
	for _, re := range cc.patterns {
		if re.MatchString(s) {
			return re.String(), true
		}
	}
	return "", false
}

// The match which drives escalation: the first (highest tier) entry. Ties within a tier resolve to the alphabetically first category.
func Highest(matches []Match) (Match, bool) {
	if len(matches) == 0 {
		return Match{}, false
	}
	return matches[0], true
}

// Category names of all matches, in match order.
func Categories(matches []Match) []string {
	out := make([]string, len(matches))
	for i, m := range matches {
		out[i] = m.Category
	}
	return out
}
