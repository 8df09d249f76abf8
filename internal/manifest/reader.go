package manifest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"sort"
)

// Manifest answers [Manifest.Lookup] for a frozen, immutable manifest
// loaded via [Load]. Implementations are safe for concurrent reads.
type Manifest interface {
	// Lookup returns the byte range for locator, or (Range{}, false) if
	// locator has no entry (§4.3).
	Lookup(locator []byte) (Range, bool)

	// EntryCount returns the number of locators described.
	EntryCount() int
}

// Load reads a frozen manifest from r, starting at offset and spanning
// length bytes. Below [StreamingThreshold] entries the manifest was written
// inline and is read in one pass into a sorted slice; above it, Load
// returns a manifest that defers reading entries until the first
// [Manifest.Lookup] call, then reads only the directory records and
// locator bytes it actually needs via ReaderAt windows (§4.3) -- the
// "memory-mapped" read path described in spec.md is realized here as
// io.ReaderAt windows so the format is unchanged whether the caller backs r
// with a real mmap (as [internal/segment] does) or a plain file (§9's
// fallback note).
func Load(r io.ReaderAt, offset, length int64) (Manifest, error) {
	if length < 8 {
		return nil, fmt.Errorf("manifest: region too small (%d bytes)", length)
	}

	magicBuf := make([]byte, 4)
	if _, err := r.ReadAt(magicBuf, offset); err != nil {
		return nil, fmt.Errorf("manifest: read magic: %w", err)
	}

	switch string(magicBuf) {
	case magicInline:
		return loadInline(r, offset, length)
	case magicStreaming:
		return loadStreaming(r, offset, length)
	default:
		return nil, fmt.Errorf("manifest: bad magic %q", magicBuf)
	}
}

type inlineManifest struct {
	locators []([]byte)
	ranges   []Range
}

func loadInline(r io.ReaderAt, offset, length int64) (Manifest, error) {
	raw := make([]byte, length)
	if _, err := r.ReadAt(raw, offset); err != nil {
		return nil, fmt.Errorf("manifest: read inline region: %w", err)
	}

	if len(raw) < 12+4 {
		return nil, fmt.Errorf("manifest: truncated inline header")
	}

	body := raw[:len(raw)-4]
	wantCRC := binary.BigEndian.Uint32(raw[len(raw)-4:])

	if gotCRC := crc32.Checksum(body, crcTable); gotCRC != wantCRC {
		return nil, fmt.Errorf("manifest: inline crc mismatch: got %x want %x", gotCRC, wantCRC)
	}

	version := binary.BigEndian.Uint32(raw[4:8])
	if version != formatVersion {
		return nil, fmt.Errorf("manifest: unsupported inline version %d", version)
	}

	count := binary.BigEndian.Uint32(raw[8:12])

	off := 12
	locators := make([][]byte, 0, count)
	ranges := make([]Range, 0, count)

	for i := uint32(0); i < count; i++ {
		if off+2 > len(body) {
			return nil, fmt.Errorf("manifest: truncated inline entry %d", i)
		}

		locLen := int(binary.BigEndian.Uint16(body[off : off+2]))
		off += 2

		if off+locLen+16 > len(body) {
			return nil, fmt.Errorf("manifest: truncated inline entry %d", i)
		}

		loc := make([]byte, locLen)
		copy(loc, body[off:off+locLen])
		off += locLen

		start := binary.BigEndian.Uint64(body[off : off+8])
		end := binary.BigEndian.Uint64(body[off+8 : off+16])
		off += 16

		locators = append(locators, loc)
		ranges = append(ranges, Range{Start: start, End: end})
	}

	return &inlineManifest{locators: locators, ranges: ranges}, nil
}

func (m *inlineManifest) Lookup(locator []byte) (Range, bool) {
	i := sort.Search(len(m.locators), func(i int) bool {
		return bytes.Compare(m.locators[i], locator) >= 0
	})

	if i < len(m.locators) && bytes.Equal(m.locators[i], locator) {
		return m.ranges[i], true
	}

	return Range{}, false
}

func (m *inlineManifest) EntryCount() int { return len(m.locators) }

// streamingManifest defers directory + locator reads to the first Lookup,
// then binary-searches the directory with ReaderAt windows rather than
// materializing every locator up front.
type streamingManifest struct {
	r          io.ReaderAt
	dirStart   int64
	entryCount int
	blobStart  int64
}

func loadStreaming(r io.ReaderAt, offset, length int64) (Manifest, error) {
	head := make([]byte, 24)
	if _, err := r.ReadAt(head, offset); err != nil {
		return nil, fmt.Errorf("manifest: read streaming header: %w", err)
	}

	version := binary.BigEndian.Uint32(head[4:8])
	if version != formatVersion {
		return nil, fmt.Errorf("manifest: unsupported streaming version %d", version)
	}

	entryCount := binary.BigEndian.Uint64(head[8:16])
	dirOffset := binary.BigEndian.Uint64(head[16:24])

	dirStart := offset + int64(dirOffset)
	blobStart := dirStart + int64(entryCount)*24

	// Verify the footer CRC eagerly so corruption is reported at load time
	// (§7: corruption at load is never silently ignored), even though entry
	// reads are lazy.
	body := make([]byte, length-4)
	if _, err := r.ReadAt(body, offset); err != nil {
		return nil, fmt.Errorf("manifest: read streaming body: %w", err)
	}

	wantCRCBuf := make([]byte, 4)
	if _, err := r.ReadAt(wantCRCBuf, offset+length-4); err != nil {
		return nil, fmt.Errorf("manifest: read streaming footer: %w", err)
	}

	wantCRC := binary.BigEndian.Uint32(wantCRCBuf)
	if gotCRC := crc32.Checksum(body, crcTable); gotCRC != wantCRC {
		return nil, fmt.Errorf("manifest: streaming crc mismatch: got %x want %x", gotCRC, wantCRC)
	}

	return &streamingManifest{
		r:          r,
		dirStart:   dirStart,
		entryCount: int(entryCount),
		blobStart:  blobStart,
	}, nil
}

func (m *streamingManifest) dirRecord(i int) (blobOff, locLen uint32, rng Range, err error) {
	rec := make([]byte, 24)
	if _, err := m.r.ReadAt(rec, m.dirStart+int64(i)*24); err != nil {
		return 0, 0, Range{}, fmt.Errorf("manifest: read directory record %d: %w", i, err)
	}

	blobOff = binary.BigEndian.Uint32(rec[0:4])
	locLen = binary.BigEndian.Uint32(rec[4:8])
	rng = Range{
		Start: binary.BigEndian.Uint64(rec[8:16]),
		End:   binary.BigEndian.Uint64(rec[16:24]),
	}

	return blobOff, locLen, rng, nil
}

func (m *streamingManifest) locatorAt(blobOff, locLen uint32) ([]byte, error) {
	buf := make([]byte, locLen)
	if _, err := m.r.ReadAt(buf, m.blobStart+int64(blobOff)); err != nil {
		return nil, fmt.Errorf("manifest: read locator blob: %w", err)
	}

	return buf, nil
}

func (m *streamingManifest) Lookup(locator []byte) (Range, bool) {
	lo, hi := 0, m.entryCount

	for lo < hi {
		mid := (lo + hi) / 2

		blobOff, locLen, rng, err := m.dirRecord(mid)
		if err != nil {
			return Range{}, false
		}

		loc, err := m.locatorAt(blobOff, locLen)
		if err != nil {
			return Range{}, false
		}

		switch bytes.Compare(loc, locator) {
		case 0:
			return rng, true
		case -1:
			lo = mid + 1
		default:
			hi = mid
		}
	}

	return Range{}, false
}

func (m *streamingManifest) EntryCount() int { return m.entryCount }
