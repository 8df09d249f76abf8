package query

import (
	"sort"

	"github.com/concoursedb/concourse/internal/chunk"
	"github.com/concoursedb/concourse/internal/tval"
)

// CorpusSource resolves the CorpusRecord entries for one (key, token) pair
// as of version t (§4.10), the full-text analogue of [IndexSource].
type CorpusSource interface {
	CorpusRecords(key tval.Key, token string, t uint64) []tval.Identifier
}

// TokenizeAndRequireAll implements full-text search (§4.10): the query
// string is tokenized identically to how indexing tokenized the field
// values it will be matched against, then a record survives only if it
// holds every one of the query's tokens under key -- the AND-of-tokens
// reduction the defaultStopwords/substring scheme in
// [chunk.Tokenize] is built to support (a token drawn from an indexed
// value is, by construction, itself indexed, so "contains every token"
// reduces to "contains the query").
func TokenizeAndRequireAll(source CorpusSource, key tval.Key, search string, maxTokenLen int, t uint64) []tval.Identifier {
	tokens := chunk.Tokenize(search, maxTokenLen)
	if len(tokens) == 0 {
		return nil
	}

	var result []tval.Identifier

	first := true

	for tok := range tokens {
		ids := source.CorpusRecords(key, tok, t)

		if first {
			result = append([]tval.Identifier(nil), ids...)
			first = false

			continue
		}

		result = intersect(result, ids)

		if len(result) == 0 {
			return nil
		}
	}

	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })

	return result
}
