package keyword

import "slices"

// Helper to check a single token against a list of tokens
func TokenInSet(tok string, set []string) bool {
	return slices.Contains(set, tok)
}

// Checks whether the token sequence "phrase" appears contiguously in "tokens".
//
// Both sides are expected to come from TokenizeText/TokenizePhrase. An empty phrase never matches.
func ContainsPhrase(tokens, phrase []string) bool {
	if len(phrase) == 0 || len(phrase) > len(tokens) {
		return false
	}
	if len(phrase) == 1 {
		return TokenInSet(phrase[0], tokens)
	}
	for i := 0; i+len(phrase) <= len(tokens); i++ {
		if slices.Equal(tokens[i:i+len(phrase)], phrase) {
			return true
		}
	}
	return false
}
