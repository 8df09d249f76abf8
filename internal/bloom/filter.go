package bloom

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"
	"sync/atomic"
)

// DefaultFalsePositiveRate is the fixed false-positive target used unless a
// [Spec] overrides it (§4.2).
const DefaultFalsePositiveRate = 0.03

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Spec describes the sizing parameters needed to reconstruct a [Filter]
// from frozen bytes via [Load], or to size a new one via [New].
type Spec struct {
	ExpectedInsertions int
	FalsePositiveRate  float64 // 0 means [DefaultFalsePositiveRate]
}

// Filter is a fixed-size bitset Bloom filter over [Composite] keys.
//
// Concurrency: [Filter.MightContain] never blocks and never takes a lock --
// it loads bitset words with atomic reads, so it is safe to call while an
// [Filter.Insert] is concurrently setting bits elsewhere (§4.2). Once a bit
// is set it is never cleared, so a concurrent reader can only ever observe a
// filter that is "behind" (more conservative, never unsound): soundness
// (§8: `!might_contain(c) => chunk.seek(c) empty`) cannot be violated by
// racing with Insert. [Filter.Insert] itself is not safe to call
// concurrently with other Inserts; callers serialize writers (a chunk has a
// single builder goroutine per §4.4).
type Filter struct {
	bits   []atomic.Uint64
	m      uint64 // number of bits
	k      int    // number of hash functions
	frozen atomic.Bool
	count  atomic.Int64 // informational: number of Insert calls observed
}

// New sizes a Filter for spec.ExpectedInsertions at spec.FalsePositiveRate
// (or [DefaultFalsePositiveRate]).
func New(spec Spec) *Filter {
	fp := spec.FalsePositiveRate
	if fp <= 0 {
		fp = DefaultFalsePositiveRate
	}

	n := spec.ExpectedInsertions
	if n < 1 {
		n = 1
	}

	m := optimalBits(n, fp)
	k := optimalHashCount(m, n)

	words := (m + 63) / 64

	return &Filter{
		bits: make([]atomic.Uint64, words),
		m:    uint64(m),
		k:    k,
	}
}

func optimalBits(n int, fp float64) int {
	m := -float64(n) * math.Log(fp) / (math.Ln2 * math.Ln2)
	if m < 64 {
		m = 64
	}

	return int(math.Ceil(m))
}

func optimalHashCount(m, n int) int {
	k := int(math.Round(float64(m) / float64(n) * math.Ln2))
	if k < 1 {
		k = 1
	}

	if k > 30 {
		k = 30
	}

	return k
}

// Insert records c as present. Not safe for concurrent calls with other
// Inserts or with Freeze (§4.2 "writes exclusive with respect to freeze").
func (f *Filter) Insert(c Composite) {
	if f.frozen.Load() {
		return
	}

	h1, h2 := c.hashes()

	for i := 0; i < f.k; i++ {
		bit := (h1 + uint64(i)*h2) % f.m
		word, mask := bit/64, uint64(1)<<(bit%64)
		f.bits[word].Or(mask)
	}

	f.count.Add(1)
}

// MightContain reports whether c may be present. A false return is a sound
// guarantee of absence (§8); a true return may be a false positive at the
// configured rate.
func (f *Filter) MightContain(c Composite) bool {
	h1, h2 := c.hashes()

	for i := 0; i < f.k; i++ {
		bit := (h1 + uint64(i)*h2) % f.m
		word, mask := bit/64, uint64(1)<<(bit%64)

		if f.bits[word].Load()&mask == 0 {
			return false
		}
	}

	return true
}

// frozen file layout: magic(4) version(u32) m(u64) k(u32) count(i64)
// words(u64) [bit words, u64 each] crc32c(u32)
const (
	magic        = "BLM1"
	headerSize   = 4 + 4 + 8 + 4 + 8 + 8
	footerCRCLen = 4
)

// Freeze seals the filter: subsequent Insert calls are no-ops, and the
// filter's bytes are returned for persistence in the chunk's bloom section,
// which the chunk writes directly after its header (§4.4).
func (f *Filter) Freeze() []byte {
	f.frozen.Store(true)

	buf := make([]byte, headerSize+len(f.bits)*8+footerCRCLen)

	off := 0
	copy(buf[off:], magic)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], 1)
	off += 4
	binary.BigEndian.PutUint64(buf[off:], f.m)
	off += 8
	binary.BigEndian.PutUint32(buf[off:], uint32(f.k))
	off += 4
	binary.BigEndian.PutUint64(buf[off:], uint64(f.count.Load()))
	off += 8
	binary.BigEndian.PutUint64(buf[off:], uint64(len(f.bits)))
	off += 8

	for _, w := range f.bits {
		binary.BigEndian.PutUint64(buf[off:], w.Load())
		off += 8
	}

	crc := crc32.Checksum(buf[:off], crcTable)
	binary.BigEndian.PutUint32(buf[off:], crc)

	return buf
}

// Load reconstructs a frozen Filter from bytes written by [Filter.Freeze].
// The returned filter is already frozen (read-only).
func Load(data []byte) (*Filter, error) {
	if len(data) < headerSize+footerCRCLen {
		return nil, fmt.Errorf("bloom: truncated filter (%d bytes)", len(data))
	}

	if string(data[:4]) != magic {
		return nil, fmt.Errorf("bloom: bad magic %q", data[:4])
	}

	body := data[:len(data)-footerCRCLen]
	wantCRC := binary.BigEndian.Uint32(data[len(data)-footerCRCLen:])

	if gotCRC := crc32.Checksum(body, crcTable); gotCRC != wantCRC {
		return nil, fmt.Errorf("bloom: crc mismatch: got %x want %x", gotCRC, wantCRC)
	}

	off := 4
	version := binary.BigEndian.Uint32(data[off:])
	off += 4

	if version != 1 {
		return nil, fmt.Errorf("bloom: unsupported version %d", version)
	}

	m := binary.BigEndian.Uint64(data[off:])
	off += 8
	k := binary.BigEndian.Uint32(data[off:])
	off += 4
	count := binary.BigEndian.Uint64(data[off:])
	off += 8
	words := binary.BigEndian.Uint64(data[off:])
	off += 8

	if headerSize+int(words)*8+footerCRCLen != len(data) {
		return nil, fmt.Errorf("bloom: word count %d inconsistent with length %d", words, len(data))
	}

	f := &Filter{
		bits: make([]atomic.Uint64, words),
		m:    m,
		k:    int(k),
	}
	f.count.Store(int64(count))
	f.frozen.Store(true)

	for i := uint64(0); i < words; i++ {
		f.bits[i].Store(binary.BigEndian.Uint64(data[off:]))
		off += 8
	}

	return f, nil
}
