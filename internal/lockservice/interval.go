package lockservice

import "github.com/concoursedb/concourse/internal/tval"

// Bound is one endpoint of an [Interval]. Open/unbounded ends are expressed
// with the [tval.NegInfinity]/[tval.PosInfinity] sentinels (§3) rather than
// a separate "unbounded" flag, so comparisons always go through
// [tval.Compare].
type Bound struct {
	Value     tval.Value
	Inclusive bool
}

// Interval is an inclusive/exclusive range of values under one key (§4.8),
// the unit a range-read (BETWEEN, >, <, >=, <=) locks for phantom
// protection.
type Interval struct {
	Lo, Hi Bound
}

// Contains reports whether v falls within iv.
func (iv Interval) Contains(v tval.Value) bool {
	loCmp := tval.Compare(v, iv.Lo.Value)
	if loCmp < 0 || (loCmp == 0 && !iv.Lo.Inclusive) {
		return false
	}

	hiCmp := tval.Compare(v, iv.Hi.Value)
	if hiCmp > 0 || (hiCmp == 0 && !iv.Hi.Inclusive) {
		return false
	}

	return true
}

// Intersects reports whether iv and other share at least one value.
func (iv Interval) Intersects(other Interval) bool {
	// iv.Lo <= other.Hi and other.Lo <= iv.Hi, treating touching exclusive
	// endpoints as non-overlapping.
	if cmp := tval.Compare(iv.Lo.Value, other.Hi.Value); cmp > 0 {
		return false
	} else if cmp == 0 && !(iv.Lo.Inclusive && other.Hi.Inclusive) {
		return false
	}

	if cmp := tval.Compare(other.Lo.Value, iv.Hi.Value); cmp > 0 {
		return false
	} else if cmp == 0 && !(other.Lo.Inclusive && iv.Hi.Inclusive) {
		return false
	}

	return true
}

// Union returns the smallest interval spanning both iv and other. Callers
// should only call Union on intersecting (or adjacent) intervals; a union of
// disjoint intervals is not itself an interval and the result silently
// spans the gap, which is fine for this package's one use (merging the
// locks a single AtomicOperation holds on the same key).
func (iv Interval) Union(other Interval) Interval {
	lo := iv.Lo
	if cmp := tval.Compare(other.Lo.Value, iv.Lo.Value); cmp < 0 ||
		(cmp == 0 && other.Lo.Inclusive && !iv.Lo.Inclusive) {
		lo = other.Lo
	}

	hi := iv.Hi
	if cmp := tval.Compare(other.Hi.Value, iv.Hi.Value); cmp > 0 ||
		(cmp == 0 && other.Hi.Inclusive && !iv.Hi.Inclusive) {
		hi = other.Hi
	}

	return Interval{Lo: lo, Hi: hi}
}

// Intersection returns the overlapping portion of iv and other, and whether
// they overlap at all.
func (iv Interval) Intersection(other Interval) (Interval, bool) {
	if !iv.Intersects(other) {
		return Interval{}, false
	}

	lo := iv.Lo
	if cmp := tval.Compare(other.Lo.Value, iv.Lo.Value); cmp > 0 ||
		(cmp == 0 && !other.Lo.Inclusive && iv.Lo.Inclusive) {
		lo = other.Lo
	}

	hi := iv.Hi
	if cmp := tval.Compare(other.Hi.Value, iv.Hi.Value); cmp < 0 ||
		(cmp == 0 && !other.Hi.Inclusive && iv.Hi.Inclusive) {
		hi = other.Hi
	}

	return Interval{Lo: lo, Hi: hi}, true
}

// SymmetricDifference returns the parts of iv and other that do not overlap,
// as 0, 1, or 2 disjoint intervals (used when composing the net range a
// transaction still needs locked after subtracting an already-held range).
func (iv Interval) SymmetricDifference(other Interval) []Interval {
	inter, ok := iv.Intersection(other)
	if !ok {
		return []Interval{iv, other}
	}

	var out []Interval

	if left, ok := leftRemainder(iv, inter); ok {
		out = append(out, left)
	}

	if left, ok := leftRemainder(other, inter); ok {
		out = append(out, left)
	}

	if right, ok := rightRemainder(iv, inter); ok {
		out = append(out, right)
	}

	if right, ok := rightRemainder(other, inter); ok {
		out = append(out, right)
	}

	return out
}

func leftRemainder(full, cut Interval) (Interval, bool) {
	if tval.Compare(full.Lo.Value, cut.Lo.Value) == 0 && full.Lo.Inclusive == cut.Lo.Inclusive {
		return Interval{}, false
	}

	return Interval{Lo: full.Lo, Hi: Bound{Value: cut.Lo.Value, Inclusive: !cut.Lo.Inclusive}}, true
}

func rightRemainder(full, cut Interval) (Interval, bool) {
	if tval.Compare(full.Hi.Value, cut.Hi.Value) == 0 && full.Hi.Inclusive == cut.Hi.Inclusive {
		return Interval{}, false
	}

	return Interval{Lo: Bound{Value: cut.Hi.Value, Inclusive: !cut.Hi.Inclusive}, Hi: full.Hi}, true
}
