package record

import (
	"sort"

	"github.com/concoursedb/concourse/internal/tval"
)

// CorpusRecords returns every record currently containing this
// CorpusRecord's (key, token) as of version t -- the unit full-text search
// (§4.10) intersects across a query's tokens.
func (r *Record) CorpusRecords(t uint64) []tval.Identifier {
	var out []tval.Identifier

	for _, g := range r.groups {
		if g.presentAt(t) {
			out = append(out, g.record)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })

	return out
}
