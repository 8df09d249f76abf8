package segment

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/concoursedb/concourse/internal/chunk"
)

// Segment is a loaded, immutable segment file: three chunk readers sharing
// a version range (§2.6). Safe for concurrent reads.
type Segment struct {
	minVersion, maxVersion uint64
	table, index, corpus   *chunk.Reader
}

// Load parses a segment's header and its three chunks out of r, which must
// span exactly size bytes starting at offset 0 (§6's on-disk layout).
// Each chunk's own [chunk.Load] call is handed the exact byte span the
// header's offsets imply, so a truncated or corrupt chunk is reported by
// that chunk's own CRC check rather than silently read past its bounds.
func Load(r io.ReaderAt, size int64) (*Segment, error) {
	if size < headerSize {
		return nil, fmt.Errorf("segment: region too small (%d bytes)", size)
	}

	hdr := make([]byte, headerSize)
	if _, err := r.ReadAt(hdr, 0); err != nil {
		return nil, fmt.Errorf("segment: read header: %w", err)
	}

	off := 0

	gotMagic := binary.BigEndian.Uint32(hdr[off:])
	off += 4

	if gotMagic != magic {
		return nil, fmt.Errorf("segment: bad magic %x", gotMagic)
	}

	version := binary.BigEndian.Uint16(hdr[off:])
	off += 2

	if version != formatVersion {
		return nil, fmt.Errorf("segment: unsupported format version %d", version)
	}

	minVersion := binary.BigEndian.Uint64(hdr[off:])
	off += 8
	maxVersion := binary.BigEndian.Uint64(hdr[off:])
	off += 8
	tableOff := binary.BigEndian.Uint64(hdr[off:])
	off += 8
	indexOff := binary.BigEndian.Uint64(hdr[off:])
	off += 8
	corpusOff := binary.BigEndian.Uint64(hdr[off:])

	if !(tableOff <= indexOff && indexOff <= corpusOff && corpusOff <= uint64(size)) {
		return nil, fmt.Errorf("segment: inconsistent chunk offsets (table=%d index=%d corpus=%d size=%d)",
			tableOff, indexOff, corpusOff, size)
	}

	table, err := chunk.Load(r, int64(tableOff), int64(indexOff-tableOff))
	if err != nil {
		return nil, fmt.Errorf("segment: load table chunk: %w", err)
	}

	index, err := chunk.Load(r, int64(indexOff), int64(corpusOff-indexOff))
	if err != nil {
		return nil, fmt.Errorf("segment: load index chunk: %w", err)
	}

	corpus, err := chunk.Load(r, int64(corpusOff), size-int64(corpusOff))
	if err != nil {
		return nil, fmt.Errorf("segment: load corpus chunk: %w", err)
	}

	return &Segment{
		minVersion: minVersion,
		maxVersion: maxVersion,
		table:      table,
		index:      index,
		corpus:     corpus,
	}, nil
}

// MinVersion returns the inclusive lower bound of the segment's version
// range (§2.6).
func (s *Segment) MinVersion() uint64 { return s.minVersion }

// MaxVersion returns the inclusive upper bound of the segment's version
// range (§2.6).
func (s *Segment) MaxVersion() uint64 { return s.maxVersion }

// Covers reports whether a read at version t should consult this segment
// (§4.7: "binary-search the segment list for those with min_version <= t").
func (s *Segment) Covers(t uint64) bool { return s.minVersion <= t }

// Table returns the segment's TableChunk reader.
func (s *Segment) Table() *chunk.Reader { return s.table }

// Index returns the segment's IndexChunk reader.
func (s *Segment) Index() *chunk.Reader { return s.index }

// Corpus returns the segment's CorpusChunk reader.
func (s *Segment) Corpus() *chunk.Reader { return s.corpus }
