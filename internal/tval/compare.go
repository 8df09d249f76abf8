package tval

import "bytes"

// Compare returns -1, 0, or 1 as a is less than, equal to, or greater than
// b, establishing the total order of §4.1: numerics compare by magnitude
// (mixed types allowed), everything else falls back to a fixed type rank,
// and -infinity/NULL/+infinity sentinels bound the order as documented on
// [NegInfinity], [Null], and [PosInfinity].
func Compare(a, b Value) int {
	if a.kind == KindNegInfinity || b.kind == KindNegInfinity {
		if a.kind == b.kind {
			return 0
		}

		if a.kind == KindNegInfinity {
			return -1
		}

		return 1
	}

	if a.kind == KindPosInfinity || b.kind == KindPosInfinity {
		if a.kind == b.kind {
			return 0
		}

		if a.kind == KindPosInfinity {
			return 1
		}

		return -1
	}

	if a.kind == KindNull || b.kind == KindNull {
		if a.kind == b.kind {
			return 0
		}

		if a.kind == KindNull {
			return -1
		}

		return 1
	}

	if a.kind.numeric() && b.kind.numeric() {
		return compareNumeric(a, b)
	}

	if a.kind.numeric() != b.kind.numeric() {
		return rankCompare(a.kind, b.kind)
	}

	switch a.kind {
	case KindBool:
		return compareBool(a.b, b.b)
	case KindString, KindTag:
		return bytes.Compare([]byte(a.s), []byte(b.s))
	case KindLink:
		return compareUint64(a.u64, b.u64)
	case KindBlob:
		return bytes.Compare(a.blob, b.blob)
	case KindTimestamp:
		return compareInt64(a.i64, b.i64)
	default:
		return rankCompare(a.kind, b.kind)
	}
}

// compareNumeric compares two numeric-kind values by mathematical
// magnitude. Two int64-representable values are compared exactly (avoiding
// float64 precision loss for large magnitudes); otherwise both sides are
// widened to float64.
func compareNumeric(a, b Value) int {
	aInt := a.kind == KindInt32 || a.kind == KindInt64
	bInt := b.kind == KindInt32 || b.kind == KindInt64

	if aInt && bInt {
		return compareInt64(a.i64, b.i64)
	}

	return compareFloat64(a.asFloat64Numeric(), b.asFloat64Numeric())
}

func compareBool(a, b bool) int {
	if a == b {
		return 0
	}

	if !a {
		return -1
	}

	return 1
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareFloat64(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func rankCompare(a, b Kind) int {
	ar, br := a.typeRank(), b.typeRank()

	switch {
	case ar < br:
		return -1
	case ar > br:
		return 1
	default:
		return 0
	}
}

// Equal reports whether a and b are equal under the canonical-bytes
// equality rule (§4.1, §8): numerically equal & losslessly representable
// values are equal regardless of declared kind.
func Equal(a, b Value) bool {
	return bytes.Equal(CanonicalBytes(a), CanonicalBytes(b))
}
