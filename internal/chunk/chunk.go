package chunk

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"sort"

	"github.com/concoursedb/concourse/internal/bloom"
	"github.com/concoursedb/concourse/internal/manifest"
	"github.com/concoursedb/concourse/internal/tval"
	"github.com/concoursedb/concourse/internal/write"
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// magic identifies a sealed chunk's on-disk framing; version allows the
// framing to evolve independently of the bloom/manifest sub-formats, which
// version themselves.
const (
	magic           = "CHNK"
	formatVersion   = 1
	headerSize      = 4 + 4 + 1 + 4 // magic + version + kind + revisionCount
	lengthFieldSize = 4
)

// taggedRevision pairs a write with the locator a chunk's [Kind] assigns it.
// A single STRING write fed to a CorpusChunk expands into one taggedRevision
// per token (§4.4), all sharing the write's (record, key, version, action)
// but carrying distinct locators; seq preserves insertion order as the
// final sort tie-breaker so Transfer is deterministic across runs.
type taggedRevision struct {
	locator []byte
	w       write.Write
	seq     int
}

// Chunk is a single chunk (table, index, or corpus) across its whole
// lifecycle: mutable while being built in memory (§4.4 "mutable phase"),
// then sealed into an immutable byte stream by [Chunk.Transfer].
//
// A Chunk must not be used concurrently: callers serialize inserts through a
// single builder goroutine per chunk (§4.4), matching [bloom.Filter]'s own
// concurrency contract.
type Chunk struct {
	kind   Kind
	filter *bloom.Filter
	revs   []taggedRevision
	sealed bool
}

// NewTableChunk returns an empty, mutable TableChunk sized for
// expectedInsertions revisions.
func NewTableChunk(expectedInsertions int) *Chunk { return newChunk(KindTable, expectedInsertions) }

// NewIndexChunk returns an empty, mutable IndexChunk sized for
// expectedInsertions revisions.
func NewIndexChunk(expectedInsertions int) *Chunk { return newChunk(KindIndex, expectedInsertions) }

// NewCorpusChunk returns an empty, mutable CorpusChunk sized for
// expectedInsertions *token* revisions (callers should over-estimate, since
// one write expands into many tokens).
func NewCorpusChunk(expectedInsertions int) *Chunk { return newChunk(KindCorpus, expectedInsertions) }

func newChunk(k Kind, expectedInsertions int) *Chunk {
	return &Chunk{
		kind:   k,
		filter: bloom.New(bloom.Spec{ExpectedInsertions: expectedInsertions}),
	}
}

// Kind reports which of the three chunk flavors c is.
func (c *Chunk) Kind() Kind { return c.kind }

// Insert adds w to the chunk, computing its locator(s) per the chunk's kind
// and populating the bloom filter as it goes (§4.2: "inserted during the
// mutable phase"). For [KindCorpus], a single write fans out into one
// revision per distinct substring token of its STRING value (§4.4); non-
// STRING values inserted into a corpus chunk are rejected, since full-text
// indexing is only ever driven off STRING writes (§4.10).
//
// Insert returns an error once the chunk has been sealed by [Chunk.Transfer].
func (c *Chunk) Insert(w write.Write) error {
	if c.sealed {
		return fmt.Errorf("chunk: insert after transfer")
	}

	switch c.kind {
	case KindTable:
		c.insertOne(tableLocator(w.Record), w)
	case KindIndex:
		c.insertOne(indexLocator(w.Key), w)
	case KindCorpus:
		if w.Value.Kind() != tval.KindString {
			return fmt.Errorf("chunk: corpus insert requires a STRING value, got %s", w.Value.Kind())
		}

		tokens := Tokenize(w.Value.AsString(), DefaultMaxTokenLength)
		for tok := range tokens {
			c.insertOne(corpusLocator(w.Key, tok), w)
		}
	default:
		return fmt.Errorf("chunk: unknown kind %v", c.kind)
	}

	return nil
}

func (c *Chunk) insertOne(locator []byte, w write.Write) {
	c.revs = append(c.revs, taggedRevision{locator: locator, w: w, seq: len(c.revs)})
	c.filter.Insert(bloom.CompositeOf(locator, string(w.Key), w.Value))
}

// MightContain consults the chunk's bloom filter for composite, without
// regard to whether the chunk has been sealed yet (§4.2: populated
// incrementally during the mutable phase, consulted identically after).
func (c *Chunk) MightContain(composite bloom.Composite) bool {
	return c.filter.MightContain(composite)
}

// Len reports the number of revisions (after any CorpusChunk token
// expansion) currently held.
func (c *Chunk) Len() int { return len(c.revs) }

// Transfer seals the chunk: revisions are sorted by the chunk kind's sort
// key (§4.4), the manifest and bloom filter are frozen, and the whole chunk
// is written to w in the framing:
//
//	magic(4) version(u32) kind(u8) revisionCount(u32)
//	bloomLen(u32) bloom_bytes
//	manifestLen(u32) manifest_bytes
//	revisionsLen(u64) revision_bytes
//	crc32c(u32)
//
// After Transfer, the Chunk is immutable; further [Chunk.Insert] calls fail.
func (c *Chunk) Transfer(w io.Writer) (int64, error) {
	if c.sealed {
		return 0, fmt.Errorf("chunk: transfer called twice")
	}

	sort.SliceStable(c.revs, func(i, j int) bool {
		if less(c.kind, c.revs[i], c.revs[j]) {
			return true
		}

		if less(c.kind, c.revs[j], c.revs[i]) {
			return false
		}

		return c.revs[i].seq < c.revs[j].seq
	})

	revBuf := new(bytes.Buffer)
	mb := manifest.NewBuilder()

	var curLoc []byte
	haveOpen := false

	for _, r := range c.revs {
		if !haveOpen || !bytes.Equal(curLoc, r.locator) {
			if haveOpen {
				if err := mb.PutEnd(uint64(revBuf.Len()), curLoc); err != nil {
					return 0, err
				}
			}

			mb.PutStart(uint64(revBuf.Len()), r.locator)
			curLoc = r.locator
			haveOpen = true
		}

		revBuf.Write(write.Encode(r.w))
	}

	if haveOpen {
		if err := mb.PutEnd(uint64(revBuf.Len()), curLoc); err != nil {
			return 0, err
		}
	}

	manifestBuf := new(bytes.Buffer)
	if _, err := mb.Flush(manifestBuf); err != nil {
		return 0, fmt.Errorf("chunk: flush manifest: %w", err)
	}

	bloomBytes := c.filter.Freeze()

	out := new(bytes.Buffer)
	out.WriteString(magic)

	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], formatVersion)
	out.Write(u32[:])
	out.WriteByte(byte(c.kind))
	binary.BigEndian.PutUint32(u32[:], uint32(len(c.revs)))
	out.Write(u32[:])

	binary.BigEndian.PutUint32(u32[:], uint32(len(bloomBytes)))
	out.Write(u32[:])
	out.Write(bloomBytes)

	binary.BigEndian.PutUint32(u32[:], uint32(manifestBuf.Len()))
	out.Write(u32[:])
	out.Write(manifestBuf.Bytes())

	var u64 [8]byte
	binary.BigEndian.PutUint64(u64[:], uint64(revBuf.Len()))
	out.Write(u64[:])
	out.Write(revBuf.Bytes())

	crc := crc32.Checksum(out.Bytes(), crcTable)
	binary.BigEndian.PutUint32(u32[:], crc)
	out.Write(u32[:])

	c.sealed = true

	n, err := w.Write(out.Bytes())

	return int64(n), err
}
