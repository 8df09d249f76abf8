// Package write defines the immutable unit of change the whole engine is
// built from (§2.2, §3): a (record, key, value, version, action) tuple, and
// its Revision form once a chunk has assigned it a locator.
package write

import (
	"encoding/binary"
	"fmt"

	"github.com/concoursedb/concourse/internal/tval"
)

// Action distinguishes an additive write from a retracting one (§3).
type Action uint8

const (
	// ActionAdd asserts that (record, key, value) becomes present.
	ActionAdd Action = 1
	// ActionRemove asserts that (record, key, value) becomes absent.
	ActionRemove Action = 2
)

func (a Action) String() string {
	switch a {
	case ActionAdd:
		return "ADD"
	case ActionRemove:
		return "REMOVE"
	default:
		return fmt.Sprintf("Action(%d)", uint8(a))
	}
}

// Write is the immutable (record, key, value, version, action) tuple (§3).
// Version is a strictly monotonic microsecond timestamp assigned by the
// Engine's clock (§4.8); it is never reused across two distinct writes.
type Write struct {
	Record  tval.Identifier
	Key     tval.Key
	Value   tval.Value
	Version uint64
	Action  Action
}

// New constructs a Write, validating the key per [tval.ValidateKey].
func New(record tval.Identifier, key tval.Key, value tval.Value, version uint64, action Action) (Write, error) {
	if err := tval.ValidateKey(key); err != nil {
		return Write{}, fmt.Errorf("write: %w", err)
	}

	if action != ActionAdd && action != ActionRemove {
		return Write{}, fmt.Errorf("write: invalid action %d", action)
	}

	return Write{Record: record, Key: key, Value: value, Version: version, Action: action}, nil
}

// Encode serializes w using the revision layout of §6:
//
//	[record i64][key_len u16][key_utf8][type u8][value_len u32][value_bytes][version i64][action u8]
//
// This is the exact byte layout persisted in both chunk revision blocks and
// buffer pages (the buffer additionally length-prefixes the whole thing,
// see internal/buffer).
func Encode(w Write) []byte {
	keyBytes := []byte(w.Key)
	valueBytes := tval.Encode(w.Value)

	size := 8 + 2 + len(keyBytes) + 1 + 4 + len(valueBytes) + 8 + 1
	buf := make([]byte, size)

	off := 0
	binary.BigEndian.PutUint64(buf[off:], uint64(w.Record))
	off += 8
	binary.BigEndian.PutUint16(buf[off:], uint16(len(keyBytes)))
	off += 2
	copy(buf[off:], keyBytes)
	off += len(keyBytes)
	buf[off] = tval.WireType(w.Value.Kind())
	off++
	binary.BigEndian.PutUint32(buf[off:], uint32(len(valueBytes)))
	off += 4
	copy(buf[off:], valueBytes)
	off += len(valueBytes)
	binary.BigEndian.PutUint64(buf[off:], w.Version)
	off += 8
	buf[off] = byte(w.Action)

	return buf
}

// Decode parses a Write from its §6 wire form and returns the number of
// bytes consumed.
func Decode(buf []byte) (Write, int, error) {
	if len(buf) < 8+2 {
		return Write{}, 0, fmt.Errorf("write: truncated header")
	}

	off := 0
	record := tval.Identifier(binary.BigEndian.Uint64(buf[off:]))
	off += 8

	keyLen := int(binary.BigEndian.Uint16(buf[off:]))
	off += 2

	if off+keyLen+1+4 > len(buf) {
		return Write{}, 0, fmt.Errorf("write: truncated key/value header")
	}

	key := tval.Key(buf[off : off+keyLen])
	off += keyLen

	typeByte := buf[off]
	off++

	valueLen := int(binary.BigEndian.Uint32(buf[off:]))
	off += 4

	if off+valueLen+8+1 > len(buf) {
		return Write{}, 0, fmt.Errorf("write: truncated value/footer")
	}

	value, err := tval.Decode(typeByte, buf[off:off+valueLen])
	if err != nil {
		return Write{}, 0, fmt.Errorf("write: decode value: %w", err)
	}

	off += valueLen

	version := binary.BigEndian.Uint64(buf[off:])
	off += 8

	action := Action(buf[off])
	off++

	w := Write{Record: record, Key: key, Value: value, Version: version, Action: action}

	return w, off, nil
}

// EncodedLen returns the exact encoded byte length of w without allocating
// the buffer, used by callers that need to budget page space before
// writing (internal/buffer).
func EncodedLen(w Write) int {
	return 8 + 2 + len(w.Key) + 1 + 4 + tval.EncodedLen(w.Value) + 8 + 1
}
