package record

import (
	"sort"

	"github.com/concoursedb/concourse/internal/tval"
)

// Entry pairs a distinct value with the records currently holding it under
// an IndexRecord's key, as of some version -- the unit the query evaluator
// (§4.10) scans when matching an operator against a key.
type Entry struct {
	Value   tval.Value
	Records []tval.Identifier
}

// Entries returns every distinct value present under this IndexRecord's key
// as of version t, each paired with the records currently holding it, sorted
// by [tval.Compare] so range operators (LT/LE/GT/GE/BETWEEN) can binary
// search or short-circuit a scan (§4.10).
func (r *Record) Entries(t uint64) []Entry {
	byValue := make(map[string]*Entry)
	order := make([]string, 0, len(r.groups))

	for _, g := range r.groups {
		if !g.presentAt(t) {
			continue
		}

		key := string(tval.CanonicalBytes(g.value))

		e, ok := byValue[key]
		if !ok {
			e = &Entry{Value: g.value}
			byValue[key] = e
			order = append(order, key)
		}

		e.Records = append(e.Records, g.record)
	}

	out := make([]Entry, 0, len(order))
	for _, k := range order {
		e := byValue[k]
		sort.Slice(e.Records, func(i, j int) bool { return e.Records[i] < e.Records[j] })
		out = append(out, *e)
	}

	sort.Slice(out, func(i, j int) bool { return tval.Compare(out[i].Value, out[j].Value) < 0 })

	return out
}

// Records returns every record currently holding value under this
// IndexRecord's key, as of version t.
func (r *Record) Records(value tval.Value, t uint64) []tval.Identifier {
	var out []tval.Identifier

	for _, g := range r.groups {
		if !tval.Equal(g.value, value) {
			continue
		}

		if g.presentAt(t) {
			out = append(out, g.record)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })

	return out
}
