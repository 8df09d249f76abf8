// Package query evaluates the postfix symbol stream the external query-
// language parser produces (§4.11, out of scope per §1): a stack machine
// over record-id sets, with leaves resolved against an [IndexSource] (in
// practice, the Engine's merged Buffer+Database view of IndexRecords).
package query

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/concoursedb/concourse/internal/record"
	"github.com/concoursedb/concourse/internal/tval"
)

// Operator is one of the leaf comparison operators §4.11 lists.
type Operator int

const (
	EQ Operator = iota + 1
	NE
	LT
	LE
	GT
	GE
	BETWEEN
	REGEX
	NOT_REGEX
	LIKE
	NOT_LIKE
	LINKS_TO
)

func (o Operator) String() string {
	switch o {
	case EQ:
		return "EQ"
	case NE:
		return "NE"
	case LT:
		return "LT"
	case LE:
		return "LE"
	case GT:
		return "GT"
	case GE:
		return "GE"
	case BETWEEN:
		return "BETWEEN"
	case REGEX:
		return "REGEX"
	case NOT_REGEX:
		return "NOT_REGEX"
	case LIKE:
		return "LIKE"
	case NOT_LIKE:
		return "NOT_LIKE"
	case LINKS_TO:
		return "LINKS_TO"
	default:
		return fmt.Sprintf("Operator(%d)", int(o))
	}
}

// Conjunction joins two record-id sets on the stack.
type Conjunction int

const (
	AND Conjunction = iota + 1
	OR
)

// Symbol is one element of the postfix queue: an [Expression], a
// [ConjunctionSymbol], or a [TimestampSymbol].
type Symbol interface{ isSymbol() }

// Expression is a leaf predicate: key OP value1[, value2] (§4.11).
type Expression struct {
	Key    tval.Key
	Op     Operator
	Value1 tval.Value
	Value2 tval.Value // only meaningful for BETWEEN
}

func (Expression) isSymbol() {}

// ConjunctionSymbol combines the top two record-id sets on the stack.
type ConjunctionSymbol struct{ Conj Conjunction }

func (ConjunctionSymbol) isSymbol() {}

// TimestampSymbol pins the query to a point-in-time read (§4.11); at most
// one may appear in a queue, and it does not participate in the stack
// machine itself -- [At] extracts it before evaluation.
type TimestampSymbol struct{ Version uint64 }

func (TimestampSymbol) isSymbol() {}

// Queue is a postfix symbol stream as the parser emits it.
type Queue []Symbol

// At extracts the queue's [TimestampSymbol], if any, returning the
// remaining expression/conjunction symbols and the pinned version (or
// def if none was present).
func At(q Queue, def uint64) (Queue, uint64) {
	out := make(Queue, 0, len(q))
	version := def

	for _, s := range q {
		if ts, ok := s.(TimestampSymbol); ok {
			version = ts.Version
			continue
		}

		out = append(out, s)
	}

	return out, version
}

// IndexSource resolves the IndexRecord entries for a key, as of version t
// (§4.11: "leaf evaluation uses IndexRecord"). The Engine supplies an
// implementation backed by its merged Buffer+Database view.
type IndexSource interface {
	Entries(key tval.Key, t uint64) []record.Entry
}

// RangeLocker optionally receives a callback for every range-shaped leaf
// (LT/LE/GT/GE/BETWEEN) the evaluator resolves, so a caller (internal/txn)
// can register phantom-read protection for it (§4.9, §4.8). A nil
// RangeLocker means the caller is not inside a transaction and does not
// need this protection (e.g. ad-hoc reads outside a stage).
type RangeLocker interface {
	LockRange(key tval.Key, lo, hi tval.Value, loInclusive, hiInclusive bool)
}

// Eval evaluates postfix queue q against source at version t, maintaining a
// stack of record-id sets (§4.11), and returns the final result sorted by
// id. locker, if non-nil, is notified of every range-shaped leaf evaluated.
func Eval(q Queue, source IndexSource, t uint64, locker RangeLocker) ([]tval.Identifier, error) {
	var stack [][]tval.Identifier

	for _, sym := range q {
		switch s := sym.(type) {
		case Expression:
			ids, err := evalLeaf(s, source, t, locker)
			if err != nil {
				return nil, fmt.Errorf("query: %w", err)
			}

			stack = append(stack, ids)

		case ConjunctionSymbol:
			if len(stack) < 2 {
				return nil, fmt.Errorf("query: conjunction with fewer than 2 operands on stack")
			}

			b := stack[len(stack)-1]
			a := stack[len(stack)-2]
			stack = stack[:len(stack)-2]

			var combined []tval.Identifier
			switch s.Conj {
			case AND:
				combined = intersect(a, b)
			case OR:
				combined = union(a, b)
			default:
				return nil, fmt.Errorf("query: unknown conjunction %d", s.Conj)
			}

			stack = append(stack, combined)

		case TimestampSymbol:
			return nil, fmt.Errorf("query: unexpected TimestampSymbol mid-queue, call At first")

		default:
			return nil, fmt.Errorf("query: unknown symbol %T", sym)
		}
	}

	if len(stack) != 1 {
		return nil, fmt.Errorf("query: malformed postfix queue, stack has %d elements at end", len(stack))
	}

	out := append([]tval.Identifier(nil), stack[0]...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })

	return out, nil
}

func evalLeaf(e Expression, source IndexSource, t uint64, locker RangeLocker) ([]tval.Identifier, error) {
	entries := source.Entries(e.Key, t)

	switch e.Op {
	case EQ:
		return recordsWhere(entries, func(v tval.Value) bool { return tval.Equal(v, e.Value1) }), nil

	case NE:
		return recordsWhere(entries, func(v tval.Value) bool { return !tval.Equal(v, e.Value1) }), nil

	case LT:
		lockRange(locker, e.Key, tval.NegInfinity(), e.Value1, false, false)
		return recordsWhere(entries, func(v tval.Value) bool { return tval.Compare(v, e.Value1) < 0 }), nil

	case LE:
		lockRange(locker, e.Key, tval.NegInfinity(), e.Value1, false, true)
		return recordsWhere(entries, func(v tval.Value) bool { return tval.Compare(v, e.Value1) <= 0 }), nil

	case GT:
		lockRange(locker, e.Key, e.Value1, tval.PosInfinity(), false, false)
		return recordsWhere(entries, func(v tval.Value) bool { return tval.Compare(v, e.Value1) > 0 }), nil

	case GE:
		lockRange(locker, e.Key, e.Value1, tval.PosInfinity(), true, false)
		return recordsWhere(entries, func(v tval.Value) bool { return tval.Compare(v, e.Value1) >= 0 }), nil

	case BETWEEN:
		lockRange(locker, e.Key, e.Value1, e.Value2, true, true)
		return recordsWhere(entries, func(v tval.Value) bool {
			return tval.Compare(v, e.Value1) >= 0 && tval.Compare(v, e.Value2) <= 0
		}), nil

	case REGEX, NOT_REGEX:
		re, err := regexp.Compile(e.Value1.AsString())
		if err != nil {
			return nil, fmt.Errorf("compile regex %q: %w", e.Value1.AsString(), err)
		}

		want := e.Op == REGEX

		return recordsWhere(entries, func(v tval.Value) bool {
			return stringish(v) && re.MatchString(v.AsString()) == want
		}), nil

	case LIKE, NOT_LIKE:
		re, err := regexp.Compile(likeToRegexp(e.Value1.AsString()))
		if err != nil {
			return nil, fmt.Errorf("compile LIKE pattern %q: %w", e.Value1.AsString(), err)
		}

		want := e.Op == LIKE

		return recordsWhere(entries, func(v tval.Value) bool {
			return stringish(v) && re.MatchString(v.AsString()) == want
		}), nil

	case LINKS_TO:
		target := e.Value1.AsLink()
		return recordsWhere(entries, func(v tval.Value) bool {
			return v.Kind() == tval.KindLink && v.AsLink() == target
		}), nil

	default:
		return nil, fmt.Errorf("unsupported operator %s", e.Op)
	}
}

func lockRange(locker RangeLocker, key tval.Key, lo, hi tval.Value, loInc, hiInc bool) {
	if locker != nil {
		locker.LockRange(key, lo, hi, loInc, hiInc)
	}
}

func stringish(v tval.Value) bool {
	return v.Kind() == tval.KindString || v.Kind() == tval.KindTag
}

func recordsWhere(entries []record.Entry, match func(tval.Value) bool) []tval.Identifier {
	var out []tval.Identifier

	for _, e := range entries {
		if match(e.Value) {
			out = append(out, e.Records...)
		}
	}

	return out
}

// likeToRegexp translates a SQL-style LIKE pattern ('%' = any run, '_' = any
// single char) to an anchored regexp.
func likeToRegexp(pattern string) string {
	var b strings.Builder
	b.WriteByte('^')

	for _, r := range pattern {
		switch r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}

	b.WriteByte('$')

	return b.String()
}

func intersect(a, b []tval.Identifier) []tval.Identifier {
	set := make(map[tval.Identifier]struct{}, len(a))
	for _, id := range a {
		set[id] = struct{}{}
	}

	var out []tval.Identifier

	for _, id := range b {
		if _, ok := set[id]; ok {
			out = append(out, id)
			delete(set, id) // dedup the output too
		}
	}

	return out
}

func union(a, b []tval.Identifier) []tval.Identifier {
	set := make(map[tval.Identifier]struct{}, len(a)+len(b))
	out := make([]tval.Identifier, 0, len(a)+len(b))

	for _, id := range append(append([]tval.Identifier(nil), a...), b...) {
		if _, ok := set[id]; ok {
			continue
		}

		set[id] = struct{}{}
		out = append(out, id)
	}

	return out
}
