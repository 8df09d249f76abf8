// Package chunk implements the three immutable, sorted revision blocks a
// segment bundles (§2.5, §4.4): TableChunk, IndexChunk, and CorpusChunk.
// Rather than one type per kind with duplicated logic, a single Chunk type
// carries a [Kind] tag and dispatches locator/sort-key extraction through
// small per-kind functions (§9: "replace inheritance with tagged variants").
package chunk

import (
	"bytes"
	"encoding/binary"
	"strings"

	"github.com/concoursedb/concourse/internal/tval"
)

// Kind tags which of the three chunk flavors a Chunk is.
type Kind uint8

const (
	// KindTable stores record-oriented revisions, locator = record id.
	KindTable Kind = iota + 1
	// KindIndex stores value-oriented revisions, locator = key name.
	KindIndex
	// KindCorpus stores substring-token revisions, locator = (key, token).
	KindCorpus
)

func (k Kind) String() string {
	switch k {
	case KindTable:
		return "table"
	case KindIndex:
		return "index"
	case KindCorpus:
		return "corpus"
	default:
		return "unknown"
	}
}

// TableLocator computes the TableChunk locator for record, exported so
// callers outside this package (internal/database, internal/engine) can
// address the same revisions [Chunk.Insert] filed them under without
// duplicating the encoding.
func TableLocator(record tval.Identifier) []byte { return tableLocator(record) }

// IndexLocator computes the IndexChunk locator for key.
func IndexLocator(key tval.Key) []byte { return indexLocator(key) }

// CorpusLocator computes the CorpusChunk locator for a (key, token) pair.
func CorpusLocator(key tval.Key, token string) []byte { return corpusLocator(key, token) }

// tableLocator computes a TableChunk locator: the record id, big-endian.
func tableLocator(record tval.Identifier) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(record))

	return buf
}

func indexLocator(key tval.Key) []byte { return []byte(key) }

func corpusLocator(key tval.Key, token string) []byte {
	// Trailing whitespace on the field key is trimmed before composing the
	// locator (§4.4's "correctness fix"), both at write time and
	// (defensively, for segments written before the fix) at read time --
	// see [normalizeCorpusKey] used by the reader.
	trimmed := normalizeCorpusKey(key)
	buf := make([]byte, 0, len(trimmed)+1+len(token))
	buf = append(buf, []byte(trimmed)...)
	buf = append(buf, 0)
	buf = append(buf, []byte(token)...)

	return buf
}

func normalizeCorpusKey(key tval.Key) string {
	return strings.TrimRight(string(key), " \t\n\r\f\v")
}

// less reports the chunk-kind-specific sort order between two tagged
// revisions (§4.4's per-kind sort key), used to sort a chunk's revisions
// before sealing.
func less(k Kind, a, b taggedRevision) bool {
	switch k {
	case KindTable:
		return lessTable(a, b)
	case KindIndex:
		return lessIndex(a, b)
	case KindCorpus:
		return lessCorpus(a, b)
	default:
		return false
	}
}

// lessTable implements TableChunk's sort key: (record, key, value,
// version).
func lessTable(a, b taggedRevision) bool {
	if c := bytes.Compare(a.locator, b.locator); c != 0 {
		return c < 0
	}

	if a.w.Key != b.w.Key {
		return a.w.Key < b.w.Key
	}

	if c := bytes.Compare(tval.CanonicalBytes(a.w.Value), tval.CanonicalBytes(b.w.Value)); c != 0 {
		return c < 0
	}

	return a.w.Version < b.w.Version
}

// lessIndex implements IndexChunk's sort key: (key, value, record,
// version).
func lessIndex(a, b taggedRevision) bool {
	if c := bytes.Compare(a.locator, b.locator); c != 0 {
		return c < 0
	}

	if c := bytes.Compare(tval.CanonicalBytes(a.w.Value), tval.CanonicalBytes(b.w.Value)); c != 0 {
		return c < 0
	}

	if a.w.Record != b.w.Record {
		return a.w.Record < b.w.Record
	}

	return a.w.Version < b.w.Version
}

// lessCorpus sorts by (key, token) locator, then record, then version.
func lessCorpus(a, b taggedRevision) bool {
	if c := bytes.Compare(a.locator, b.locator); c != 0 {
		return c < 0
	}

	if a.w.Record != b.w.Record {
		return a.w.Record < b.w.Record
	}

	return a.w.Version < b.w.Version
}
