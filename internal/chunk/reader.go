package chunk

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/concoursedb/concourse/internal/bloom"
	"github.com/concoursedb/concourse/internal/manifest"
	"github.com/concoursedb/concourse/internal/write"
)

// Reader is a sealed, immutable chunk loaded from the bytes [Chunk.Transfer]
// produced (§4.3, §4.4). It is safe for concurrent reads.
type Reader struct {
	kind          Kind
	filter        *bloom.Filter
	manifest      manifest.Manifest
	r             io.ReaderAt
	revisionsBase int64
	revisionsLen  int64
	revisionCount int
}

// Load reads a sealed chunk's framing (magic, bloom filter, manifest) out of
// r, which must span exactly length bytes starting at offset. Revision
// bytes are left on r and read lazily by [Reader.Seek] and [Reader.All], so
// Load itself touches only the header, bloom filter, and manifest regions.
func Load(r io.ReaderAt, offset, length int64) (*Reader, error) {
	if length < int64(headerSize)+4 {
		return nil, fmt.Errorf("chunk: region too small (%d bytes)", length)
	}

	whole := make([]byte, length)
	if _, err := r.ReadAt(whole, offset); err != nil {
		return nil, fmt.Errorf("chunk: read region: %w", err)
	}

	body := whole[:len(whole)-4]
	wantCRC := binary.BigEndian.Uint32(whole[len(whole)-4:])

	if gotCRC := crc32.Checksum(body, crcTable); gotCRC != wantCRC {
		return nil, fmt.Errorf("chunk: crc mismatch: got %x want %x", gotCRC, wantCRC)
	}

	if string(whole[:4]) != magic {
		return nil, fmt.Errorf("chunk: bad magic %q", whole[:4])
	}

	version := binary.BigEndian.Uint32(whole[4:8])
	if version != formatVersion {
		return nil, fmt.Errorf("chunk: unsupported version %d", version)
	}

	kind := Kind(whole[8])

	revisionCount := int(binary.BigEndian.Uint32(whole[9:13]))

	off := int64(headerSize)

	bloomLen := int64(binary.BigEndian.Uint32(whole[off : off+4]))
	off += lengthFieldSize
	bloomBytes := whole[off : off+bloomLen]
	off += bloomLen

	filter, err := bloom.Load(bloomBytes)
	if err != nil {
		return nil, fmt.Errorf("chunk: load bloom filter: %w", err)
	}

	manifestLen := int64(binary.BigEndian.Uint32(whole[off : off+4]))
	off += lengthFieldSize

	man, err := manifest.Load(r, offset+off, manifestLen)
	if err != nil {
		return nil, fmt.Errorf("chunk: load manifest: %w", err)
	}

	off += manifestLen

	revisionsLen := int64(binary.BigEndian.Uint64(whole[off : off+8]))
	off += 8

	return &Reader{
		kind:          kind,
		filter:        filter,
		manifest:      man,
		r:             r,
		revisionsBase: offset + off,
		revisionsLen:  revisionsLen,
		revisionCount: revisionCount,
	}, nil
}

// Kind reports which of the three chunk flavors the reader holds.
func (rd *Reader) Kind() Kind { return rd.kind }

// Len reports the number of revisions in the chunk.
func (rd *Reader) Len() int { return rd.revisionCount }

// MightContain consults the chunk's bloom filter (§8: `!might_contain(c) =>
// chunk.seek(c) empty`).
func (rd *Reader) MightContain(composite bloom.Composite) bool {
	return rd.filter.MightContain(composite)
}

// Seek returns every revision stored under locator, in the chunk's sorted
// order, by looking the locator up in the manifest and decoding exactly the
// bytes in its range (§4.3: "seek straight to a locator's bytes"). A locator
// with no manifest entry returns (nil, nil): this is not an error, just
// absence -- callers wanting a cheap pre-check should consult
// [Reader.MightContain] first.
func (rd *Reader) Seek(locator []byte) ([]write.Write, error) {
	rng, ok := rd.manifest.Lookup(locator)
	if !ok {
		return nil, nil
	}

	buf := make([]byte, rng.Len())
	if _, err := rd.r.ReadAt(buf, rd.revisionsBase+int64(rng.Start)); err != nil {
		return nil, fmt.Errorf("chunk: read revision range: %w", err)
	}

	var out []write.Write

	for len(buf) > 0 {
		w, n, err := write.Decode(buf)
		if err != nil {
			return nil, fmt.Errorf("chunk: decode revision: %w", err)
		}

		out = append(out, w)
		buf = buf[n:]
	}

	return out, nil
}

// All iterates every revision in the chunk in stored (sorted) order,
// calling fn for each. Iteration stops and returns fn's error the first
// time it returns non-nil.
func (rd *Reader) All(fn func(write.Write) error) error {
	buf := make([]byte, rd.revisionsLen)
	if len(buf) > 0 {
		if _, err := rd.r.ReadAt(buf, rd.revisionsBase); err != nil {
			return fmt.Errorf("chunk: read revisions block: %w", err)
		}
	}

	for len(buf) > 0 {
		w, n, err := write.Decode(buf)
		if err != nil {
			return fmt.Errorf("chunk: decode revision: %w", err)
		}

		if err := fn(w); err != nil {
			return err
		}

		buf = buf[n:]
	}

	return nil
}
