// Package lockservice implements the per-token reference-counted lock
// registry (§4.8) AtomicOperations and Records acquire locks through, plus
// the parallel [RangeLockService] that gives BETWEEN/comparison predicates
// phantom-read protection (§4.8, §4.9, §8).
//
// Tokens are canonical hashes of (record), (record, key), or (key, value)
// -- callers compute them with [RecordToken], [RecordKeyToken], and
// [KeyValueToken] so two callers locking "the same thing" always collide on
// the same map entry.
package lockservice

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/concoursedb/concourse/internal/tval"
)

// Token is a canonical hash identifying one lockable unit.
type Token string

// RecordToken returns the token guarding an entire record (§4.8).
func RecordToken(record tval.Identifier) Token {
	return Token(fmt.Sprintf("r:%d", uint64(record)))
}

// RecordKeyToken returns the token guarding one (record, key) pair.
func RecordKeyToken(record tval.Identifier, key tval.Key) Token {
	return Token(fmt.Sprintf("rk:%d:%s", uint64(record), key))
}

// KeyValueToken returns the token guarding one (key, value) pair, used for
// IndexRecord/CorpusRecord-scoped locks.
func KeyValueToken(key tval.Key, value tval.Value) Token {
	return Token(fmt.Sprintf("kv:%s:%s", key, tval.CanonicalBytes(value)))
}

// tokenLock is the per-token entry: a reader/writer mutex plus a reference
// count. Entries are removed from the service once their refCount drops to
// zero (§4.8: "a background GC removes entries whose refcount drops to 0").
type tokenLock struct {
	mu       sync.RWMutex
	refCount int64
}

// LockService hands out per-token read/write locks, reference counted
// (§4.8). The zero value is not usable; construct with [New].
type LockService struct {
	mu      sync.Mutex
	entries map[Token]*tokenLock
}

// New returns an empty LockService.
func New() *LockService {
	return &LockService{entries: make(map[Token]*tokenLock)}
}

// Lease is a held reference to a token's lock. The caller must call exactly
// one of [Lease.Lock]/[Lease.RLock] followed by the matching
// [Lease.Unlock]/[Lease.RUnlock], then [Lease.Release] to drop the
// reference.
type Lease struct {
	svc     *LockService
	token   Token
	entry   *tokenLock
	held    bool
	shared  bool
	release sync.Once
}

// Acquire returns a [Lease] referencing token's entry, creating it if this
// is the first live reference. Acquire uses an increment-then-verify
// pattern rather than holding a single global mutex across every Acquire call: the entry is
// fetched-or-created and its refcount bumped optimistically, then re-checked
// against the map to make sure the background GC did not remove it in the
// interim; on a lost race, Acquire simply retries.
func (s *LockService) Acquire(token Token) *Lease {
	for {
		s.mu.Lock()
		e, ok := s.entries[token]
		if !ok {
			e = &tokenLock{}
			s.entries[token] = e
		}
		s.mu.Unlock()

		atomic.AddInt64(&e.refCount, 1)

		s.mu.Lock()
		cur, stillThere := s.entries[token]
		s.mu.Unlock()

		if stillThere && cur == e {
			return &Lease{svc: s, token: token, entry: e}
		}

		// Lost the race with GC: e was removed (or replaced) between our
		// lookup and our increment. Undo our refcount bump and retry.
		atomic.AddInt64(&e.refCount, -1)
	}
}

// Lock acquires the token's exclusive lock.
func (l *Lease) Lock() {
	l.entry.mu.Lock()
	l.held, l.shared = true, false
}

// TryLock attempts to acquire the token's exclusive lock without blocking,
// reporting whether it succeeded. A caller that already holds some other
// token's lock and needs this one too should prefer TryLock over Lock: two
// callers each blocking on Lock for a token the other already holds is a
// circular wait that never resolves (§8 scenario 4), whereas a failed
// TryLock lets the caller fail fast instead.
func (l *Lease) TryLock() bool {
	if !l.entry.mu.TryLock() {
		return false
	}

	l.held, l.shared = true, false

	return true
}

// Unlock releases the token's exclusive lock.
func (l *Lease) Unlock() {
	l.entry.mu.Unlock()
	l.held = false
}

// RLock acquires the token's shared lock.
func (l *Lease) RLock() {
	l.entry.mu.RLock()
	l.held, l.shared = true, true
}

// RUnlock releases the token's shared lock.
func (l *Lease) RUnlock() {
	l.entry.mu.RUnlock()
	l.held = false
}

// Release drops this lease's reference to the token's entry. It must be
// called exactly once, after any held lock has been released, and makes the
// entry eligible for the background [LockService.GC] to reclaim once no
// other lease holds a reference.
func (l *Lease) Release() {
	l.release.Do(func() {
		if l.held {
			if l.shared {
				l.entry.mu.RUnlock()
			} else {
				l.entry.mu.Unlock()
			}
			l.held = false
		}

		atomic.AddInt64(&l.entry.refCount, -1)
	})
}

// GC removes every entry whose reference count has dropped to zero. It is
// safe to call concurrently with [LockService.Acquire]: the increment-then-
// verify pattern in Acquire means a lost race here simply causes the caller
// to retry with a freshly created entry.
func (s *LockService) GC() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for token, e := range s.entries {
		if atomic.LoadInt64(&e.refCount) <= 0 {
			delete(s.entries, token)
		}
	}
}

// Len reports the number of live entries (informational/test use).
func (s *LockService) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.entries)
}
