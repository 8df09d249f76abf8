package tval

import (
	"encoding/binary"
	"fmt"
	"math"
)

// WireType returns the single-byte type tag persisted in the revision
// format (§6: `[type u8][value_len u32][value_bytes]`).
func WireType(k Kind) byte { return byte(k) }

// KindFromWire maps a persisted type byte back to a [Kind].
func KindFromWire(b byte) (Kind, error) {
	k := Kind(b)

	switch k {
	case KindBool, KindInt32, KindInt64, KindFloat32, KindFloat64,
		KindString, KindTag, KindLink, KindBlob, KindTimestamp,
		KindNull, KindNegInfinity, KindPosInfinity:
		return k, nil
	default:
		return 0, fmt.Errorf("tval: unknown wire type byte %d", b)
	}
}

// Encode returns the bit-exact value_bytes payload for persistence (§6).
// Pair with [WireType] for the type byte.
func Encode(v Value) []byte {
	switch v.kind {
	case KindBool:
		if v.b {
			return []byte{1}
		}

		return []byte{0}
	case KindInt32:
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, uint32(int32(v.i64)))

		return buf
	case KindInt64:
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(v.i64))

		return buf
	case KindFloat32:
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, math.Float32bits(float32(v.f64)))

		return buf
	case KindFloat64:
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, math.Float64bits(v.f64))

		return buf
	case KindString, KindTag:
		return []byte(v.s)
	case KindLink:
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, v.u64)

		return buf
	case KindBlob:
		out := make([]byte, len(v.blob))
		copy(out, v.blob)

		return out
	case KindTimestamp:
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(v.i64))

		return buf
	case KindNull, KindNegInfinity, KindPosInfinity:
		return nil
	default:
		return nil
	}
}

// EncodedLen returns the exact length Encode(v) would produce, without
// allocating.
func EncodedLen(v Value) int {
	switch v.kind {
	case KindBool:
		return 1
	case KindInt32, KindFloat32:
		return 4
	case KindInt64, KindFloat64, KindLink, KindTimestamp:
		return 8
	case KindString, KindTag:
		return len(v.s)
	case KindBlob:
		return len(v.blob)
	default:
		return 0
	}
}

// Decode reconstructs a Value from its wire type byte and value_bytes
// payload. Decode(Encode(v)) == v for all v (round-trip, §8).
func Decode(typeByte byte, payload []byte) (Value, error) {
	k, err := KindFromWire(typeByte)
	if err != nil {
		return Value{}, err
	}

	switch k {
	case KindBool:
		if len(payload) != 1 {
			return Value{}, fmt.Errorf("tval: decode BOOL: want 1 byte, got %d", len(payload))
		}

		return NewBool(payload[0] != 0), nil
	case KindInt32:
		if len(payload) != 4 {
			return Value{}, fmt.Errorf("tval: decode INT32: want 4 bytes, got %d", len(payload))
		}

		return NewInt32(int32(binary.BigEndian.Uint32(payload))), nil
	case KindInt64:
		if len(payload) != 8 {
			return Value{}, fmt.Errorf("tval: decode INT64: want 8 bytes, got %d", len(payload))
		}

		return NewInt64(int64(binary.BigEndian.Uint64(payload))), nil
	case KindFloat32:
		if len(payload) != 4 {
			return Value{}, fmt.Errorf("tval: decode FLOAT32: want 4 bytes, got %d", len(payload))
		}

		return NewFloat32(math.Float32frombits(binary.BigEndian.Uint32(payload))), nil
	case KindFloat64:
		if len(payload) != 8 {
			return Value{}, fmt.Errorf("tval: decode FLOAT64: want 8 bytes, got %d", len(payload))
		}

		return NewFloat64(math.Float64frombits(binary.BigEndian.Uint64(payload))), nil
	case KindString:
		return NewString(string(payload)), nil
	case KindTag:
		return NewTag(string(payload)), nil
	case KindLink:
		if len(payload) != 8 {
			return Value{}, fmt.Errorf("tval: decode LINK: want 8 bytes, got %d", len(payload))
		}

		return NewLink(Identifier(binary.BigEndian.Uint64(payload))), nil
	case KindBlob:
		out := make([]byte, len(payload))
		copy(out, payload)

		return NewBlob(out), nil
	case KindTimestamp:
		if len(payload) != 8 {
			return Value{}, fmt.Errorf("tval: decode TIMESTAMP: want 8 bytes, got %d", len(payload))
		}

		micros := int64(binary.BigEndian.Uint64(payload))

		return Value{kind: KindTimestamp, i64: micros}, nil
	case KindNull:
		return Null(), nil
	case KindNegInfinity:
		return NegInfinity(), nil
	case KindPosInfinity:
		return PosInfinity(), nil
	default:
		return Value{}, fmt.Errorf("tval: unhandled kind %v", k)
	}
}
