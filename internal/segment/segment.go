// Package segment implements the on-disk immutable artifact produced by one
// buffer transport (§2.6, §6): a bundle of the three sealed chunks (table,
// index, corpus) that together share a single [min_version, max_version]
// range.
package segment

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/concoursedb/concourse/internal/chunk"
)

// header layout (§6, big-endian):
//
//	magic(u32) format_version(u16) min_version(i64) max_version(i64)
//	table_off(u64) index_off(u64) corpus_off(u64)
const (
	magic         = 0x53474d31 // "SGM1"
	formatVersion = 1
	headerSize    = 4 + 2 + 8 + 8 + 8 + 8 + 8
)

// Write seals table, index, and corpus (each already populated via
// [chunk.Chunk.Insert]) and writes the complete segment framing to w,
// returning the total byte count written. minVersion/maxVersion are the
// inclusive version range spanned by the transport this segment resulted
// from (§2.6's invariant 4: `seg[i].max_version < seg[i+1].min_version`;
// enforced by the caller, internal/database, not here).
func Write(w io.Writer, table, index, corpus *chunk.Chunk, minVersion, maxVersion uint64) (int64, error) {
	var tableBuf, indexBuf, corpusBuf bytes.Buffer

	if _, err := table.Transfer(&tableBuf); err != nil {
		return 0, fmt.Errorf("segment: transfer table chunk: %w", err)
	}

	if _, err := index.Transfer(&indexBuf); err != nil {
		return 0, fmt.Errorf("segment: transfer index chunk: %w", err)
	}

	if _, err := corpus.Transfer(&corpusBuf); err != nil {
		return 0, fmt.Errorf("segment: transfer corpus chunk: %w", err)
	}

	tableOff := uint64(headerSize)
	indexOff := tableOff + uint64(tableBuf.Len())
	corpusOff := indexOff + uint64(indexBuf.Len())

	hdr := make([]byte, headerSize)
	off := 0
	binary.BigEndian.PutUint32(hdr[off:], magic)
	off += 4
	binary.BigEndian.PutUint16(hdr[off:], formatVersion)
	off += 2
	binary.BigEndian.PutUint64(hdr[off:], minVersion)
	off += 8
	binary.BigEndian.PutUint64(hdr[off:], maxVersion)
	off += 8
	binary.BigEndian.PutUint64(hdr[off:], tableOff)
	off += 8
	binary.BigEndian.PutUint64(hdr[off:], indexOff)
	off += 8
	binary.BigEndian.PutUint64(hdr[off:], corpusOff)

	var total int64

	for _, b := range [][]byte{hdr, tableBuf.Bytes(), indexBuf.Bytes(), corpusBuf.Bytes()} {
		n, err := w.Write(b)
		total += int64(n)

		if err != nil {
			return total, fmt.Errorf("segment: write: %w", err)
		}
	}

	return total, nil
}
