// Package bloom implements the space-efficient probabilistic membership
// filter (§4.2) that every chunk (table/index/corpus) uses to short-circuit
// a manifest lookup for a composite that cannot possibly be present.
package bloom

import (
	"hash/fnv"

	"github.com/concoursedb/concourse/internal/tval"
)

// Composite is the concatenation of canonicalized field bytes used as a
// bloom-filter key (GLOSSARY). Fields are canonicalized via
// [tval.CanonicalBytes] so that e.g. INT64(18) and FLOAT64(18.0) produce the
// same composite.
type Composite struct {
	bytes []byte
	// h1/h2 cache the two base hashes once computed. Filter.Insert and
	// Filter.MightContain take a Composite by value, so the cache they fill
	// belongs to their own copy: a caller's Composite is rehashed on every
	// such call.
	h1, h2 uint64
	hashed bool
}

// NewComposite builds a Composite from already-canonicalized field byte
// slices, joined with a length-prefixed separator so that e.g. fields
// ("ab", "c") and ("a", "bc") never collide.
func NewComposite(fields ...[]byte) Composite {
	size := 0
	for _, f := range fields {
		size += len(f) + 4
	}

	buf := make([]byte, 0, size)

	for _, f := range fields {
		var lenBytes [4]byte
		l := uint32(len(f))
		lenBytes[0] = byte(l >> 24)
		lenBytes[1] = byte(l >> 16)
		lenBytes[2] = byte(l >> 8)
		lenBytes[3] = byte(l)
		buf = append(buf, lenBytes[:]...)
		buf = append(buf, f...)
	}

	return Composite{bytes: buf}
}

// CompositeOf is a convenience constructor building a Composite directly
// from [tval.Value]s and raw locator bytes, canonicalizing each value.
func CompositeOf(locator []byte, key string, value tval.Value) Composite {
	return NewComposite(locator, []byte(key), tval.CanonicalBytes(value))
}

func (c *Composite) hashes() (uint64, uint64) {
	if c.hashed {
		return c.h1, c.h2
	}

	h1 := fnv.New64a()
	_, _ = h1.Write(c.bytes)
	sum1 := h1.Sum64()

	// A second, independent-enough hash is derived by seeding FNV-1a with
	// the first sum, following the same "one real hash family, double
	// hashing" idiom [pkg/slotcache/format.go] already commits to
	// (slc1HashAlgFNV1a64) rather than introducing a second hash primitive.
	h2 := fnv.New64a()
	_, _ = h2.Write(c.bytes)
	var seed [8]byte
	for i := range seed {
		seed[i] = byte(sum1 >> (8 * i))
	}
	_, _ = h2.Write(seed[:])
	sum2 := h2.Sum64()

	c.h1, c.h2, c.hashed = sum1, sum2, true

	return sum1, sum2
}
