package engine

import (
	"fmt"

	"github.com/concoursedb/concourse/internal/chunk"
	"github.com/concoursedb/concourse/internal/query"
	"github.com/concoursedb/concourse/internal/record"
	"github.com/concoursedb/concourse/internal/tval"
	"github.com/concoursedb/concourse/internal/write"
)

// view is the merged Buffer+Database read surface an operation consults
// (§4.7's "reads fan out across Buffer and Database"): committed Buffer
// revisions not yet transported, plus every covering segment, plus
// (inside a transaction) the operation's own staged-but-uncommitted
// writes (§4.9).
type view struct {
	env     *environment
	version uint64
	overlay []write.Write // an in-flight transaction's own pending writes, if any
}

func (env *environment) viewAt(version uint64, overlay []write.Write) view {
	return view{env: env, version: version, overlay: overlay}
}

func (v view) tableRecord(id tval.Identifier) (*record.Handle, error) {
	extra, err := v.env.buf.RecordRevisions(id)
	if err != nil {
		return nil, fmt.Errorf("engine: read buffer revisions for record %d: %w", id, err)
	}

	extra = append(extra, v.overlayFor(id, "")...)

	return v.env.db.TableRecord(id, extra, v.version)
}

func (v view) indexRecord(key tval.Key) (*record.Handle, error) {
	extra, err := v.env.buf.KeyRevisions(key)
	if err != nil {
		return nil, fmt.Errorf("engine: read buffer revisions for key %q: %w", key, err)
	}

	extra = append(extra, v.overlayForKey(key)...)

	return v.env.db.IndexRecord(key, extra, v.version)
}

func (v view) corpusRecord(key tval.Key, token string) (*record.Handle, error) {
	extra, err := v.env.buf.TokenRevisions(key, token)
	if err != nil {
		return nil, fmt.Errorf("engine: read buffer revisions for token %q under %q: %w", token, key, err)
	}

	extra = append(extra, v.overlayForToken(key, token)...)

	return v.env.db.CorpusRecord(key, token, extra, v.version)
}

// overlayFor filters the transaction's own pending writes to those
// matching record (and, if key != "", also key), for merging into a
// TableRecord build.
func (v view) overlayFor(id tval.Identifier, key tval.Key) []write.Write {
	var out []write.Write

	for _, w := range v.overlay {
		if w.Record != id {
			continue
		}

		if key != "" && w.Key != key {
			continue
		}

		out = append(out, w)
	}

	return out
}

func (v view) overlayForKey(key tval.Key) []write.Write {
	var out []write.Write

	for _, w := range v.overlay {
		if w.Key == key {
			out = append(out, w)
		}
	}

	return out
}

func (v view) overlayForToken(key tval.Key, token string) []write.Write {
	var out []write.Write

	for _, w := range v.overlay {
		if w.Key != key || w.Value.Kind() != tval.KindString {
			continue
		}

		if _, ok := chunk.Tokenize(w.Value.AsString(), chunk.DefaultMaxTokenLength)[token]; ok {
			out = append(out, w)
		}
	}

	return out
}

// indexSource adapts view to [query.IndexSource].
type indexSource struct{ v view }

func (s indexSource) Entries(key tval.Key, t uint64) []record.Entry {
	h, err := s.v.at(t).indexRecord(key)
	if err != nil {
		return nil
	}
	defer h.Release()

	return h.Record.Entries(t)
}

// corpusSource adapts view to [query.CorpusSource].
type corpusSource struct{ v view }

func (s corpusSource) CorpusRecords(key tval.Key, token string, t uint64) []tval.Identifier {
	h, err := s.v.at(t).corpusRecord(key, token)
	if err != nil {
		return nil
	}
	defer h.Release()

	return h.Record.CorpusRecords(t)
}

func (v view) at(t uint64) view {
	v.version = t
	return v
}

// rangeLocker adapts an optional range-registration callback (an
// [internal/txn.Transaction] when a view belongs to one) to
// [query.RangeLocker].
type rangeLocker struct {
	register func(key tval.Key, lo, hi tval.Value, loInclusive, hiInclusive bool)
}

func (r rangeLocker) LockRange(key tval.Key, lo, hi tval.Value, loInclusive, hiInclusive bool) {
	if r.register != nil {
		r.register(key, lo, hi, loInclusive, hiInclusive)
	}
}

var _ query.IndexSource = indexSource{}
var _ query.CorpusSource = corpusSource{}
