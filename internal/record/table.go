package record

import (
	"sort"

	"github.com/concoursedb/concourse/internal/tval"
)

// Get returns the set of values currently present (as of version t) under
// key (§4.5: `get(key) at version=NOW` / `get(key, version)`, unified here
// by always taking an explicit version -- callers wanting "now" pass the
// latest version they know of).
func (r *Record) Get(key tval.Key, t uint64) []tval.Value {
	var out []tval.Value

	for _, g := range r.groups {
		if g.key != key {
			continue
		}

		if g.presentAt(t) {
			out = append(out, g.value)
		}
	}

	sort.Slice(out, func(i, j int) bool { return tval.Compare(out[i], out[j]) < 0 })

	return out
}

// Browse returns every key currently holding at least one present value, as
// of version t (§4.5: `browse() -> all currently-present {key -> values}`).
func (r *Record) Browse(t uint64) map[tval.Key][]tval.Value {
	out := make(map[tval.Key][]tval.Value)

	for _, g := range r.groups {
		if !g.presentAt(t) {
			continue
		}

		out[g.key] = append(out[g.key], g.value)
	}

	for k := range out {
		vs := out[k]
		sort.Slice(vs, func(i, j int) bool { return tval.Compare(vs[i], vs[j]) < 0 })
		out[k] = vs
	}

	return out
}

// Audit returns every toggle recorded for this record, optionally filtered
// to one key, in ascending version order as (version, description) pairs
// (§4.5: `audit(key?, record?) -> ordered (version, human-readable
// change)`).
func (r *Record) Audit(key tval.Key) []AuditEntry {
	var entries []AuditEntry

	for _, g := range r.groups {
		if !keyMatches(key, g.key) {
			continue
		}

		for _, e := range g.entries {
			entries = append(entries, AuditEntry{
				Version:     e.version,
				Description: auditLine(e.action, g.key, g.value),
			})
		}
	}

	return sortedAuditEntries(entries)
}
