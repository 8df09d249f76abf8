// Package manifest implements the sorted locator -> byte-range map that
// every chunk persists alongside its revisions (§4.3), so a read can seek
// straight to a locator's bytes instead of scanning the chunk.
package manifest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"sort"
)

// Range is a half-open byte interval [Start, End) inside a chunk's
// revisions block.
type Range struct {
	Start uint64
	End   uint64
}

// Len reports the number of bytes in the range.
func (r Range) Len() uint64 { return r.End - r.Start }

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// StreamingThreshold is the entry count above which [Builder.Flush] chooses
// the streaming (lazily read) encoding over the inline (fully materialized)
// one (§4.3).
const StreamingThreshold = 4096

type entry struct {
	locator []byte
	start   uint64
	end     uint64
}

// Builder accumulates locator -> range entries while a chunk is being
// written (§4.4's mutable phase), then freezes them with [Builder.Flush].
//
// Entries are recorded via [Builder.PutStart]/[Builder.PutEnd] bracketing
// the byte range a chunk writer produced for one locator's contiguous
// revision run (chunks are sorted by locator, so each locator's revisions
// occupy one contiguous span).
type Builder struct {
	entries []entry
	openLoc []byte
	openAt  uint64
	hasOpen bool
}

// NewBuilder returns an empty manifest Builder.
func NewBuilder() *Builder { return &Builder{} }

// PutStart records that locator's revisions begin at offset (within the
// chunk's revisions block).
func (b *Builder) PutStart(offset uint64, locator []byte) {
	loc := make([]byte, len(locator))
	copy(loc, locator)
	b.openLoc = loc
	b.openAt = offset
	b.hasOpen = true
}

// PutEnd records that the currently open locator's revisions end at offset
// (exclusive), closing the entry opened by the matching [Builder.PutStart].
// locator must match the currently open locator.
func (b *Builder) PutEnd(offset uint64, locator []byte) error {
	if !b.hasOpen {
		return fmt.Errorf("manifest: PutEnd without matching PutStart for %q", locator)
	}

	if !bytes.Equal(b.openLoc, locator) {
		return fmt.Errorf("manifest: PutEnd locator %q does not match open locator %q", locator, b.openLoc)
	}

	b.entries = append(b.entries, entry{locator: b.openLoc, start: b.openAt, end: offset})
	b.hasOpen = false
	b.openLoc = nil

	return nil
}

// EntryCount returns the number of closed entries recorded so far.
func (b *Builder) EntryCount() int { return len(b.entries) }

// Length returns the sum of byte sizes across all recorded entries (§8:
// used to verify `manifest.lookup(L) = [start,end)` accounts for exactly
// L's revision bytes).
func (b *Builder) Length() uint64 {
	var total uint64
	for _, e := range b.entries {
		total += e.end - e.start
	}

	return total
}

const (
	magicInline    = "MANI"
	magicStreaming = "MANS"
	formatVersion  = 1
)

// Flush seals the builder and writes the frozen manifest to w, choosing the
// inline encoding below [StreamingThreshold] entries and the streaming
// encoding above it (§4.3). Entries are written sorted by locator bytes.
// After Flush, the Builder must not be reused.
func (b *Builder) Flush(w io.Writer) (int64, error) {
	if b.hasOpen {
		return 0, fmt.Errorf("manifest: flush with an unclosed PutStart for %q", b.openLoc)
	}

	sort.Slice(b.entries, func(i, j int) bool {
		return bytes.Compare(b.entries[i].locator, b.entries[j].locator) < 0
	})

	if len(b.entries) <= StreamingThreshold {
		return flushInline(w, b.entries)
	}

	return flushStreaming(w, b.entries)
}

func flushInline(w io.Writer, entries []entry) (int64, error) {
	buf := new(bytes.Buffer)
	buf.WriteString(magicInline)

	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], formatVersion)
	buf.Write(tmp[:])
	binary.BigEndian.PutUint32(tmp[:], uint32(len(entries)))
	buf.Write(tmp[:])

	for _, e := range entries {
		var lenBuf [2]byte
		binary.BigEndian.PutUint16(lenBuf[:], uint16(len(e.locator)))
		buf.Write(lenBuf[:])
		buf.Write(e.locator)

		var rangeBuf [16]byte
		binary.BigEndian.PutUint64(rangeBuf[0:8], e.start)
		binary.BigEndian.PutUint64(rangeBuf[8:16], e.end)
		buf.Write(rangeBuf[:])
	}

	crc := crc32.Checksum(buf.Bytes(), crcTable)
	var crcBuf [4]byte
	binary.BigEndian.PutUint32(crcBuf[:], crc)
	buf.Write(crcBuf[:])

	n, err := w.Write(buf.Bytes())

	return int64(n), err
}

// streaming layout:
//
//	magic(4) version(u32) entryCount(u64) dirOffset(u64)
//	[revision of directory records, entryCount * 24 bytes]:
//	  locatorBlobOffset(u32) locatorLen(u32) start(u64) end(u64)
//	[locator blob: concatenated locator bytes]
//	crc32c(u32) over everything preceding it
func flushStreaming(w io.Writer, entries []entry) (int64, error) {
	buf := new(bytes.Buffer)
	buf.WriteString(magicStreaming)

	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], formatVersion)
	buf.Write(u32[:])

	var u64 [8]byte
	binary.BigEndian.PutUint64(u64[:], uint64(len(entries)))
	buf.Write(u64[:])

	dirOffsetPos := buf.Len()
	buf.Write(u64[:]) // placeholder for dirOffset, patched below

	dirOffset := uint64(buf.Len())

	blobOffsets := make([]uint32, len(entries))
	blob := new(bytes.Buffer)

	for i, e := range entries {
		blobOffsets[i] = uint32(blob.Len())
		blob.Write(e.locator)
	}

	for i, e := range entries {
		var rec [24]byte
		binary.BigEndian.PutUint32(rec[0:4], blobOffsets[i])
		binary.BigEndian.PutUint32(rec[4:8], uint32(len(e.locator)))
		binary.BigEndian.PutUint64(rec[8:16], e.start)
		binary.BigEndian.PutUint64(rec[16:24], e.end)
		buf.Write(rec[:])
	}

	buf.Write(blob.Bytes())

	out := buf.Bytes()
	binary.BigEndian.PutUint64(out[dirOffsetPos:dirOffsetPos+8], dirOffset)

	crc := crc32.Checksum(out, crcTable)
	var crcBuf [4]byte
	binary.BigEndian.PutUint32(crcBuf[:], crc)
	out = append(out, crcBuf[:]...)

	n, err := w.Write(out)

	return int64(n), err
}
