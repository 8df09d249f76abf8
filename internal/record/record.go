// Package record implements the in-memory materialization of revisions for
// one locator (§2.7, §4.5): TableRecord, IndexRecord, and CorpusRecord. A
// Record is built once by replaying matching chunk ranges plus any relevant
// buffer revisions, then answers reads without touching disk again until
// evicted.
package record

import (
	"fmt"
	"sort"

	"github.com/concoursedb/concourse/internal/chunk"
	"github.com/concoursedb/concourse/internal/tval"
	"github.com/concoursedb/concourse/internal/write"
)

// versionEntry is one toggle of a group's presence.
type versionEntry struct {
	version uint64
	action  write.Action
}

// group accumulates the revisions that share one presence dimension --
// (key, value) for a TableRecord, (value, record) for an IndexRecord,
// record for a CorpusRecord -- in ascending version order (§4.5's "insertion
// order ... equals version order").
type group struct {
	key     tval.Key
	value   tval.Value
	record  tval.Identifier
	entries []versionEntry
}

// presentAt reports whether the group is present at version t: the §3
// odd-parity rule, "currently present iff the count of matching revisions
// ... is odd", bounded to revisions at or before t.
func (g *group) presentAt(t uint64) bool {
	count := 0

	for _, e := range g.entries {
		if e.version <= t {
			count++
		}
	}

	return count%2 == 1
}

// latestVersionAt returns the version of the last toggle at or before t, and
// whether any toggle existed at all.
func (g *group) latestVersionAt(t uint64) (uint64, bool) {
	var (
		latest uint64
		found  bool
	)

	for _, e := range g.entries {
		if e.version <= t && e.version >= latest {
			latest = e.version
			found = true
		}
	}

	return latest, found
}

// Record is the shared implementation behind TableRecord, IndexRecord, and
// CorpusRecord: which presence dimension forms a group's key is the only
// thing that differs between the three, so -- following the tagged-variant
// idiom internal/chunk already commits to (§9) -- one type dispatches on a
// [chunk.Kind] tag rather than three parallel implementations.
//
// Record is not safe for concurrent Append calls; [Cache] holds a Record
// behind a lock while it is being built (§4.5: "mutation through append
// occurs only during construction or on buffer-transport").
type Record struct {
	kind   chunk.Kind
	groups map[string]*group
}

func newRecord(k chunk.Kind) *Record {
	return &Record{kind: k, groups: make(map[string]*group)}
}

// NewTableRecord returns an empty TableRecord for the given record locator.
func NewTableRecord() *Record { return newRecord(chunk.KindTable) }

// NewIndexRecord returns an empty IndexRecord for the given key locator.
func NewIndexRecord() *Record { return newRecord(chunk.KindIndex) }

// NewCorpusRecord returns an empty CorpusRecord for the given (key, token)
// locator.
func NewCorpusRecord() *Record { return newRecord(chunk.KindCorpus) }

// Kind reports which of the three record flavors r is.
func (r *Record) Kind() chunk.Kind { return r.kind }

// groupKey computes the string key identifying w's presence dimension for
// r's kind: (key, value) for table, (value, record) for index, record alone
// for corpus (the key/token are already fixed by the record's locator).
func (r *Record) groupKey(w write.Write) string {
	switch r.kind {
	case chunk.KindTable:
		return string(w.Key) + "\x00" + string(tval.CanonicalBytes(w.Value))
	case chunk.KindIndex:
		return string(tval.CanonicalBytes(w.Value)) + "\x00" + fmt.Sprint(uint64(w.Record))
	case chunk.KindCorpus:
		return fmt.Sprint(uint64(w.Record))
	default:
		return ""
	}
}

// Append adds w's toggle to its group (§4.5). Called by the Engine while
// loading a Record from chunk and buffer revisions, in ascending version
// order within each group.
func (r *Record) Append(w write.Write) {
	gk := r.groupKey(w)

	g, ok := r.groups[gk]
	if !ok {
		g = &group{key: w.Key, value: w.Value, record: w.Record}
		r.groups[gk] = g
	}

	g.entries = append(g.entries, versionEntry{version: w.Version, action: w.Action})
}

// Len reports the number of distinct presence groups tracked (informational,
// used by cache size accounting).
func (r *Record) Len() int { return len(r.groups) }

// auditLine renders one human-readable change description for an audit
// trail entry (§4.5's `audit -> ordered (version, human-readable change)`),
// in the register Concourse's own audit log uses: "ADD key AS value".
func auditLine(action write.Action, key tval.Key, value tval.Value) string {
	return fmt.Sprintf("%s %s AS %s", action, key, value)
}

// AuditEntry pairs a version with its rendered description, the unit
// [Record]'s audit methods return (§4.5).
type AuditEntry struct {
	Version     uint64
	Description string
}

func sortedAuditEntries(entries []AuditEntry) []AuditEntry {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Version < entries[j].Version })
	return entries
}

// keyMatches reports whether a group's key matches an optional filter; an
// empty filter matches everything.
func keyMatches(filter, key tval.Key) bool {
	return filter == "" || filter == key
}
