package keyword

import (
	"regexp"
)

var nonSlugChars = regexp.MustCompile(`[^\pL\pN]+`)

// Takes an arbitrary string (eg, free-form text) and returns a folded version with all non-letter, non-digit characters removed.
//
// Used for substring matching, where spacing and punctuation tricks ("i.d.i.o.t") should not evade a match.
func Slugify(orig string) string {
	return nonSlugChars.ReplaceAllString(FoldText(orig), "")
}
