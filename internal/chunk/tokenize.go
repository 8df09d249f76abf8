package chunk

import "strings"

// DefaultMaxTokenLength bounds the length of a single substring token
// generated for full-text search (§4.4, §4.10), and -- since search tokenizes
// its query identically to indexing (§4.10) -- the length of a query
// substring that can match directly (§8 scenario 7: "the query itself is
// ≤ that max").
const DefaultMaxTokenLength = 32

// defaultStopwords mirrors the small, common-English stopword list full-text
// engines in this space ship; a substring that is *exactly* one of these
// whole words is skipped so it doesn't dominate every query's result set.
// Substrings that merely contain a stopword as part of a longer run (e.g.
// "hel", which contains the stopword "he") are unaffected.
var defaultStopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"by": {}, "for": {}, "from": {}, "has": {}, "he": {}, "in": {}, "is": {},
	"it": {}, "its": {}, "of": {}, "on": {}, "that": {}, "the": {}, "to": {},
	"was": {}, "were": {}, "will": {}, "with": {},
}

// TokenSet is a deduplicated set of lower-cased substring tokens.
type TokenSet map[string]struct{}

// Tokenize generates the distinct substrings of value (lower-cased), up to
// maxLen runes long, with whitespace-only and exact-stopword substrings
// removed (§4.4). Substrings are taken over the whole value -- including
// internal whitespace -- rather than word-by-word, so a query like
// "llo wo" can match a value like "hello world" by spanning the word
// boundary (§8 scenario 7). Search ([TokenizeAndRequireAll] in
// internal/query) tokenizes its query with this exact function, so any
// token generated from a query that is itself an indexed token of a value
// is, by construction, a substring of that indexed token and therefore
// itself indexed -- "contains every token" reduces to "contains the query".
func Tokenize(value string, maxLen int) TokenSet {
	if maxLen <= 0 {
		maxLen = DefaultMaxTokenLength
	}

	runes := []rune(strings.ToLower(value))
	out := TokenSet{}

	for start := 0; start < len(runes); start++ {
		maxEnd := start + maxLen
		if maxEnd > len(runes) {
			maxEnd = len(runes)
		}

		for end := start + 1; end <= maxEnd; end++ {
			tok := string(runes[start:end])
			if strings.TrimSpace(tok) == "" {
				continue
			}

			if _, stop := defaultStopwords[tok]; stop {
				continue
			}

			out[tok] = struct{}{}
		}
	}

	return out
}
