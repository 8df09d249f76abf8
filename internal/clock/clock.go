// Package clock implements the Engine's single monotonic microsecond
// version clock (§4.8, §9): "Time.now() provides strictly monotonic
// microsecond timestamps (serialized through a single atomic counter; if the
// wall clock has not advanced, increment by 1)." Per §9's "no process-wide
// state other than test-only singletons" note, the clock is a value owned by
// the Engine, not a package-level global.
package clock

import (
	"sync/atomic"
	"time"
)

// Clock hands out strictly increasing microsecond version numbers. The zero
// Clock is ready to use. Safe for concurrent use by multiple goroutines;
// concurrent callers serialize through [Clock.Next]'s atomic
// compare-and-swap loop (§3 invariant 1: "concurrent callers serialize
// through the clock").
type Clock struct {
	last atomic.Uint64
}

// New returns a Clock whose first [Clock.Next] call returns a version at or
// after the current wall-clock microsecond.
func New() *Clock { return &Clock{} }

// Now returns the current wall-clock time as a microsecond timestamp,
// exposed so callers (e.g. a future-dated query in §8 scenario 5) can derive
// an offset without reserving a version.
func Now() uint64 { return uint64(time.Now().UnixMicro()) }

// Next returns a version strictly greater than every version previously
// returned by this Clock (§3 invariant 1, §4.8, §5 "global version order").
// If the wall clock has not advanced since the last call, the returned
// version is the last version plus one rather than a repeat (§4.8).
func (c *Clock) Next() uint64 {
	for {
		prev := c.last.Load()
		wall := Now()

		next := wall
		if next <= prev {
			next = prev + 1
		}

		if c.last.CompareAndSwap(prev, next) {
			return next
		}
	}
}

// Ceiling returns the highest version this Clock has ever issued, without
// advancing it. Used by [internal/txn] to snapshot the Engine's
// version_ceiling at the start of an AtomicOperation (§4.9 step 1) without
// consuming a version of its own.
func (c *Clock) Ceiling() uint64 { return c.last.Load() }

// Observe advances the clock so that subsequent [Clock.Next] calls return
// versions strictly greater than v, without itself returning a version.
// Used during recovery (§4.6) to fast-forward the clock past the highest
// version found in replayed buffer pages and segments, preserving §3
// invariant 1 across a restart.
func (c *Clock) Observe(v uint64) {
	for {
		prev := c.last.Load()
		if v <= prev {
			return
		}

		if c.last.CompareAndSwap(prev, v) {
			return
		}
	}
}
