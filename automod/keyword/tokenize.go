package keyword

import (
	"log/slog"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	nonTokenChars = regexp.MustCompile(`[^\pL\pN\s]+`)
)

// Folds free-form text: lower-case, NFD decomposition with combining marks removed, then NFC.
//
// "Gdańsk" becomes "gdansk". Characters which are not letters, digits, or whitespace are left in place; see TokenizeText for splitting.
func FoldText(text string) string {
	// this function needs to be re-defined in every function call to prevent a race condition
	normFunc := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	lower := strings.ToLower(text)
	folded, _, err := transform.String(normFunc, lower)
	if err != nil {
		slog.Warn("unicode normalization error", "err", err)
		return lower
	}
	return folded
}

// Splits free-form text in to tokens, including lower-case, unicode normalization, and some unicode folding.
//
// Punctuation is treated as a token boundary, so "idiot!!" and "idiot" produce the same token. Never returns nil.
func TokenizeText(text string) []string {
	split := nonTokenChars.ReplaceAllString(FoldText(text), " ")
	return strings.Fields(split)
}

// Tokenizes a configured phrase the same way message text is tokenized, so that a phrase matches on token boundaries.
func TokenizePhrase(phrase string) []string {
	return TokenizeText(phrase)
}
