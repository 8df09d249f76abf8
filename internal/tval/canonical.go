package tval

import (
	"encoding/binary"
	"math"
	"strconv"
)

// MaxDoubleRepresentedInteger is the largest magnitude integer exactly
// representable by a float64 mantissa (2^53). Per §4.1, a floating value
// whose magnitude is within this bound and whose fractional part is zero is
// canonicalized to its integer form.
const MaxDoubleRepresentedInteger = 1 << 53

// Canonical tag bytes. These are the first byte of [CanonicalBytes]'s
// output; they are an internal encoding detail, not the wire type byte
// (see [Kind] / encode.go for that).
const (
	tagNumericInt  byte = 'N'
	tagNumericFlt  byte = 'F'
	tagString      byte = 'S'
	tagBool        byte = 'B'
	tagLink        byte = 'L'
	tagBlob        byte = 'X'
	tagTimestamp   byte = 'T'
	tagNull        byte = 0x00
	tagNegInfinity byte = 0x01
	tagPosInfinity byte = 0xFF
)

// CanonicalBytes returns the canonical byte form of v, used for bloom/
// composite equality. Two values that are numerically equal and losslessly
// representable collapse to identical canonical bytes regardless of their
// declared [Kind] (e.g. INT64(18), FLOAT64(18.0), and TAG("18") all share
// canonical bytes). TAG and STRING share canonical bytes iff their
// code-point sequences match and the TAG does not parse as a canonical
// integer literal.
func CanonicalBytes(v Value) []byte {
	if asInt, ok := canonicalInteger(v); ok {
		buf := make([]byte, 9)
		buf[0] = tagNumericInt
		binary.BigEndian.PutUint64(buf[1:], uint64(asInt))

		return buf
	}

	switch v.kind {
	case KindFloat32, KindFloat64:
		buf := make([]byte, 9)
		buf[0] = tagNumericFlt
		binary.BigEndian.PutUint64(buf[1:], math.Float64bits(v.f64))

		return buf
	case KindString, KindTag:
		buf := make([]byte, 1+len(v.s))
		buf[0] = tagString
		copy(buf[1:], v.s)

		return buf
	case KindBool:
		b := byte(0)
		if v.b {
			b = 1
		}

		return []byte{tagBool, b}
	case KindLink:
		buf := make([]byte, 9)
		buf[0] = tagLink
		binary.BigEndian.PutUint64(buf[1:], v.u64)

		return buf
	case KindBlob:
		buf := make([]byte, 1+len(v.blob))
		buf[0] = tagBlob
		copy(buf[1:], v.blob)

		return buf
	case KindTimestamp:
		buf := make([]byte, 9)
		buf[0] = tagTimestamp
		binary.BigEndian.PutUint64(buf[1:], uint64(v.i64))

		return buf
	case KindNull:
		return []byte{tagNull}
	case KindNegInfinity:
		return []byte{tagNegInfinity}
	case KindPosInfinity:
		return []byte{tagPosInfinity}
	default:
		return nil
	}
}

// canonicalInteger reports the canonical integer form of v and true, if v is
// a numeric (or integer-literal TAG) value whose mathematical value
// is an integer within [MaxDoubleRepresentedInteger] magnitude.
func canonicalInteger(v Value) (int64, bool) {
	switch v.kind {
	case KindInt32, KindInt64:
		return v.i64, true
	case KindFloat32, KindFloat64:
		f := v.f64
		if math.Abs(f) > MaxDoubleRepresentedInteger {
			return 0, false
		}

		if f != math.Trunc(f) {
			return 0, false
		}

		return int64(f), true
	case KindTag:
		// A TAG whose text is a canonical integer literal (optional leading
		// '-', no leading zeros other than "0" itself) joins the numeric
		// canonical group per §4.1's literal example ("18"-as-tag shares
		// bytes with INT 18).
		i, ok := parseCanonicalIntLiteral(v.s)
		if !ok {
			return 0, false
		}

		if i > MaxDoubleRepresentedInteger || i < -MaxDoubleRepresentedInteger {
			return 0, false
		}

		return i, true
	default:
		return 0, false
	}
}

func parseCanonicalIntLiteral(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}

	digits := s

	if s[0] == '-' {
		digits = s[1:]
	}

	if digits == "" {
		return 0, false
	}

	if len(digits) > 1 && digits[0] == '0' {
		return 0, false // leading zero: not a canonical literal
	}

	for i := 0; i < len(digits); i++ {
		if digits[i] < '0' || digits[i] > '9' {
			return 0, false
		}
	}

	i, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}

	return i, true
}
