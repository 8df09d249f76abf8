package lockservice

import (
	"sync"

	"github.com/concoursedb/concourse/internal/tval"
)

// RangeLockService gives BETWEEN/>/</>=/<= read predicates phantom-read
// protection (§4.8, §8's "no phantom read" property): a reader locks the
// interval it queried; a writer checks the single point it is about to
// write against the live range locks with [RangeLockService.PointConflicts]
// (AtomicOperation.Stage does this when it stages the write), so a write
// that would change the result of a concurrently-held range read is
// detected. Writers take no point lock here: acquiring a range lock does
// not check it against writes already staged.
type RangeLockService struct {
	mu     sync.Mutex
	ranges map[tval.Key][]*rangeEntry
}

type rangeEntry struct {
	interval Interval
	refCount int
}

// NewRange returns an empty RangeLockService.
func NewRange() *RangeLockService {
	return &RangeLockService{ranges: make(map[tval.Key][]*rangeEntry)}
}

// RangeLease is a held reference to a registered range lock.
type RangeLease struct {
	svc      *RangeLockService
	key      tval.Key
	entry    *rangeEntry
	released bool
}

// AcquireRange registers a read's interval lock over key and returns a
// lease; the lock is released with [RangeLease.Release]. Multiple range
// locks over the same key may coexist (readers never conflict with other
// readers); only a point write conflicts with a live range.
func (s *RangeLockService) AcquireRange(key tval.Key, iv Interval) *RangeLease {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := &rangeEntry{interval: iv, refCount: 1}
	s.ranges[key] = append(s.ranges[key], e)

	return &RangeLease{svc: s, key: key, entry: e}
}

// Release drops this lease's range lock. Must be called exactly once.
func (l *RangeLease) Release() {
	if l.released {
		return
	}
	l.released = true

	s := l.svc
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.ranges[l.key]
	for i, e := range entries {
		if e == l.entry {
			s.ranges[l.key] = append(entries[:i], entries[i+1:]...)
			break
		}
	}

	if len(s.ranges[l.key]) == 0 {
		delete(s.ranges, l.key)
	}
}

// PointConflicts reports whether value under key falls within any currently
// live range lock, meaning a write of (key, value) would change the result
// of an in-flight range read (§4.9's phantom-protection check). Callers
// pass the set of range leases their own AtomicOperation already holds
// (ignore) so a transaction's own prior reads never conflict with its own
// subsequent writes.
func (s *RangeLockService) PointConflicts(key tval.Key, value tval.Value, ignore ...*RangeLease) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ignored := make(map[*rangeEntry]bool, len(ignore))
	for _, l := range ignore {
		if l != nil {
			ignored[l.entry] = true
		}
	}

	for _, e := range s.ranges[key] {
		if ignored[e] {
			continue
		}

		if e.interval.Contains(value) {
			return true
		}
	}

	return false
}

// Len reports the number of live range locks across all keys (informational
// / test use).
func (s *RangeLockService) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, es := range s.ranges {
		n += len(es)
	}

	return n
}
