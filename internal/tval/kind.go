// Package tval implements Concourse's tagged scalar value model: the
// canonical byte encoding and total order that every key/value composite in
// the storage engine is built from.
package tval

import "fmt"

// Kind tags the dynamic type carried by a [Value].
type Kind uint8

// Kind values. The numeric assignment doubles as the wire type byte used in
// the revision format (§6): [record][key][type u8][value_len][value_bytes].
const (
	KindBool Kind = iota + 1
	KindInt32
	KindInt64
	KindFloat32
	KindFloat64
	KindString
	KindTag
	KindLink
	KindBlob
	KindTimestamp
	KindNull
	KindNegInfinity
	KindPosInfinity
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "BOOL"
	case KindInt32:
		return "INT32"
	case KindInt64:
		return "INT64"
	case KindFloat32:
		return "FLOAT32"
	case KindFloat64:
		return "FLOAT64"
	case KindString:
		return "STRING"
	case KindTag:
		return "TAG"
	case KindLink:
		return "LINK"
	case KindBlob:
		return "BLOB"
	case KindTimestamp:
		return "TIMESTAMP"
	case KindNull:
		return "NULL"
	case KindNegInfinity:
		return "NEG_INFINITY"
	case KindPosInfinity:
		return "POS_INFINITY"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// numeric reports whether values of this kind participate in magnitude-based
// cross-type comparison and canonical numeric collapsing (§4.1).
func (k Kind) numeric() bool {
	switch k {
	case KindInt32, KindInt64, KindFloat32, KindFloat64:
		return true
	default:
		return false
	}
}

// typeRank orders kinds that are not mutually comparable by magnitude. Used
// as the tie-breaker in [Compare] once numeric comparison doesn't apply.
// The exact order is a design choice (spec.md leaves it to "type rank");
// it only needs to be total and stable across the engine's lifetime.
func (k Kind) typeRank() int {
	switch k {
	case KindNegInfinity:
		return 0
	case KindNull:
		return 1
	case KindBool:
		return 2
	case KindLink:
		return 3
	case KindTimestamp:
		return 4
	case KindString:
		return 5
	case KindTag:
		return 6
	case KindBlob:
		return 7
	case KindInt32, KindInt64, KindFloat32, KindFloat64:
		return 8
	case KindPosInfinity:
		return 9
	default:
		return 10
	}
}
