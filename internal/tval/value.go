package tval

import (
	"fmt"
	"time"
)

// Identifier is a record id: a 64-bit unsigned integer (§3).
type Identifier uint64

// Key is UTF-8 key text (§3). Validity (bounded length, no embedded NUL) is
// enforced by [ValidateKey].
type Key string

const (
	// MaxKeyLength bounds a Key's encoded length.
	MaxKeyLength = 4096
)

// ValidateKey reports whether k is a legal Key: non-empty, bounded, valid
// UTF-8, no embedded NUL.
func ValidateKey(k Key) error {
	if len(k) == 0 {
		return fmt.Errorf("key: empty")
	}

	if len(k) > MaxKeyLength {
		return fmt.Errorf("key: exceeds max length %d", MaxKeyLength)
	}

	for i := 0; i < len(k); i++ {
		if k[i] == 0 {
			return fmt.Errorf("key: embedded NUL byte")
		}
	}

	return nil
}

// Value is a tagged scalar (§3). The zero Value is not meaningful; construct
// with one of the New* functions.
type Value struct {
	kind Kind
	b    bool
	i64  int64
	u64  uint64
	f64  float64
	s    string
	blob []byte
}

// Kind returns the dynamic type of v.
func (v Value) Kind() Kind { return v.kind }

// NewBool constructs a BOOL value.
func NewBool(b bool) Value { return Value{kind: KindBool, b: b} }

// NewInt32 constructs an INT32 value.
func NewInt32(i int32) Value { return Value{kind: KindInt32, i64: int64(i)} }

// NewInt64 constructs an INT64 value.
func NewInt64(i int64) Value { return Value{kind: KindInt64, i64: i} }

// NewFloat32 constructs a FLOAT32 value. The value is widened to float64
// internally; float32<->float64 widening/narrowing is lossless so this does
// not affect round-tripping (see [Value.AsFloat32]).
func NewFloat32(f float32) Value { return Value{kind: KindFloat32, f64: float64(f)} }

// NewFloat64 constructs a FLOAT64 value.
func NewFloat64(f float64) Value { return Value{kind: KindFloat64, f64: f} }

// NewString constructs a full-text-indexed STRING value.
func NewString(s string) Value { return Value{kind: KindString, s: s} }

// NewTag constructs a TAG value (string, not full-text indexed).
func NewTag(s string) Value { return Value{kind: KindTag, s: s} }

// NewLink constructs a LINK value referencing another record.
func NewLink(id Identifier) Value { return Value{kind: KindLink, u64: uint64(id)} }

// NewBlob constructs a BLOB value. The byte slice is retained, not copied;
// callers must not mutate it afterward.
func NewBlob(b []byte) Value { return Value{kind: KindBlob, blob: b} }

// NewTimestamp constructs a TIMESTAMP value from a microsecond-resolution
// instant.
func NewTimestamp(t time.Time) Value {
	return Value{kind: KindTimestamp, i64: t.UnixMicro()}
}

// Null returns the NULL sentinel value, used in range queries.
func Null() Value { return Value{kind: KindNull} }

// NegInfinity returns the -infinity sentinel value, used as a BETWEEN lower
// bound.
func NegInfinity() Value { return Value{kind: KindNegInfinity} }

// PosInfinity returns the +infinity sentinel value, used as a BETWEEN upper
// bound.
func PosInfinity() Value { return Value{kind: KindPosInfinity} }

// AsBool returns the bool payload; only meaningful when Kind() == KindBool.
func (v Value) AsBool() bool { return v.b }

// AsInt64 returns the integer payload widened to int64; meaningful for
// KindInt32 and KindInt64.
func (v Value) AsInt64() int64 { return v.i64 }

// AsFloat64 returns the float payload widened to float64; meaningful for
// KindFloat32 and KindFloat64.
func (v Value) AsFloat64() float64 { return v.f64 }

// AsFloat32 narrows the float payload back to float32; meaningful for
// KindFloat32.
func (v Value) AsFloat32() float32 { return float32(v.f64) }

// AsString returns the string payload; meaningful for KindString and
// KindTag.
func (v Value) AsString() string { return v.s }

// AsLink returns the referenced record id; meaningful for KindLink.
func (v Value) AsLink() Identifier { return Identifier(v.u64) }

// AsBlob returns the byte payload; meaningful for KindBlob. The returned
// slice aliases internal storage and must not be mutated.
func (v Value) AsBlob() []byte { return v.blob }

// AsTime returns the microsecond-resolution instant; meaningful for
// KindTimestamp.
func (v Value) AsTime() time.Time { return time.UnixMicro(v.i64).UTC() }

func (v Value) String() string {
	switch v.kind {
	case KindBool:
		return fmt.Sprintf("%v", v.b)
	case KindInt32, KindInt64:
		return fmt.Sprintf("%d", v.i64)
	case KindFloat32:
		return fmt.Sprintf("%v", float32(v.f64))
	case KindFloat64:
		return fmt.Sprintf("%v", v.f64)
	case KindString, KindTag:
		return v.s
	case KindLink:
		return fmt.Sprintf("@%d", v.u64)
	case KindBlob:
		return fmt.Sprintf("blob(%d bytes)", len(v.blob))
	case KindTimestamp:
		return v.AsTime().Format(time.RFC3339Nano)
	case KindNull:
		return "null"
	case KindNegInfinity:
		return "-inf"
	case KindPosInfinity:
		return "+inf"
	default:
		return "?"
	}
}

// asFloat64Numeric returns the mathematical value of a numeric-kind Value
// as a float64, used for magnitude comparisons across numeric kinds.
func (v Value) asFloat64Numeric() float64 {
	switch v.kind {
	case KindInt32, KindInt64:
		return float64(v.i64)
	case KindFloat32, KindFloat64:
		return v.f64
	default:
		return 0
	}
}
