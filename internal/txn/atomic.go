// Package txn implements the engine's two transaction shapes (§4.9): the
// short-lived, in-memory [AtomicOperation] (snapshot read, staged writes,
// lock-then-validate-then-apply commit) and the durable [Transaction] that
// wraps one in a backup file so a crash mid-commit is replayed to
// completion on the next open.
//
// Grounded on pkg/mddb/tx.go and internal/store/tx.go's own Tx: an
// exclusive lock held across Begin..Commit, write-then-apply, crash-safe
// replay on next Open. Where the teacher's Tx is single-writer (no
// concurrent transaction can exist, so no conflict is possible),
// AtomicOperation must additionally support concurrent operations, so a
// snapshot version ceiling plus per-token locking from
// [internal/lockservice] replaces the teacher's single global write lock.
package txn

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/concoursedb/concourse/internal/buffer"
	"github.com/concoursedb/concourse/internal/cerr"
	"github.com/concoursedb/concourse/internal/clock"
	"github.com/concoursedb/concourse/internal/database"
	"github.com/concoursedb/concourse/internal/lockservice"
	"github.com/concoursedb/concourse/internal/tval"
	"github.com/concoursedb/concourse/internal/write"
	"github.com/concoursedb/concourse/pkg/fs"
)

type state uint8

const (
	stateOpen state = iota
	stateCommitted
	stateAborted
)

// Deps bundles the per-environment collaborators an AtomicOperation needs
// (§4.9): the place staged writes land, the place committed reads are
// answered from, and the lock/clock services coordinating concurrent
// operations.
type Deps struct {
	Buffer *buffer.Buffer
	DB     *database.Database
	Locks  *lockservice.LockService
	Ranges *lockservice.RangeLockService
	Clock  *clock.Clock
	// FS is the filesystem a durable [Transaction] writes its backup file
	// through. It is unused by the short-lived AtomicOperation itself.
	FS fs.FS
}

type pendingWrite struct {
	record tval.Identifier
	key    tval.Key
	value  tval.Value
	action write.Action
}

// AtomicOperation is one in-flight transaction (§4.9): begin snapshots the
// clock's current ceiling, reads and writes are staged against per-(record,
// key) token locks held for the operation's whole lifetime (strict two-
// phase locking -- a reader's shared lock blocks a conflicting writer's
// exclusive lock for as long as the read is in scope, so no separate
// version-ceiling re-check is needed at commit), and Commit assigns every
// staged write the same freshly minted version before handing them to the
// Buffer.
type AtomicOperation struct {
	ID              uuid.UUID
	deps            Deps
	SnapshotCeiling uint64

	mu        sync.Mutex
	state     state
	pending   []pendingWrite
	committed []write.Write
	leases    map[lockservice.Token]*lockservice.Lease
	// exclusive records which leases were upgraded to Lock() (write) vs
	// RLock() (read-only), so Release knows which to call.
	exclusive map[lockservice.Token]bool
	// ranges holds every range lock this operation's reads have registered
	// (via RegisterRange, called from the query evaluator's RangeLocker
	// hook), so PointConflicts can exempt the operation's own prior reads
	// from its own subsequent writes, and so they are released on
	// Commit/Abort.
	ranges []*lockservice.RangeLease
}

// Begin starts a new AtomicOperation snapshotted at deps.Clock's current
// ceiling (§4.9: "reads within the operation observe writes at or before
// this snapshot, plus the operation's own staged writes").
func Begin(deps Deps) (*AtomicOperation, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("txn: generate operation id: %w", err)
	}

	return &AtomicOperation{
		ID:              id,
		deps:            deps,
		SnapshotCeiling: deps.Clock.Ceiling(),
		leases:          make(map[lockservice.Token]*lockservice.Lease),
		exclusive:       make(map[lockservice.Token]bool),
	}, nil
}

// leaseLocked acquires (or upgrades to) a lock on token. Upgrading an
// existing shared hold to exclusive cannot block on [lockservice.Lease.Lock]:
// two operations each holding a shared lock on the other's target token and
// both trying to upgrade would release-then-block in lockstep, a circular
// wait neither side ever escapes (§8 scenario 4, write skew). Instead the
// upgrade drops the shared hold and makes one non-blocking attempt at the
// exclusive lock; losing that race aborts this operation's lease on token
// entirely and reports the conflict, leaving the other side free to proceed
// and this one's caller to retry the whole operation.
func (op *AtomicOperation) leaseLocked(token lockservice.Token, wantExclusive bool) error {
	if existing, ok := op.leases[token]; ok {
		if wantExclusive && !op.exclusive[token] {
			existing.RUnlock()

			if !existing.TryLock() {
				delete(op.leases, token)
				delete(op.exclusive, token)
				existing.Release()

				return cerr.AtomicState()
			}

			op.exclusive[token] = true
		}

		return nil
	}

	lease := op.deps.Locks.Acquire(token)
	if wantExclusive {
		lease.Lock()
	} else {
		lease.RLock()
	}

	op.leases[token] = lease
	op.exclusive[token] = wantExclusive

	return nil
}

// RegisterRead records that the operation has observed (record, key),
// taking a shared lock on it for the remainder of the operation so no
// concurrent AtomicOperation can commit a conflicting write to the same
// pair in the meantime (§4.9, §8 scenarios 3-5).
func (op *AtomicOperation) RegisterRead(record tval.Identifier, key tval.Key) error {
	op.mu.Lock()
	defer op.mu.Unlock()

	if op.state != stateOpen {
		return fmt.Errorf("txn: register read: %w", cerr.AtomicState())
	}

	if err := op.leaseLocked(lockservice.RecordKeyToken(record, key), false); err != nil {
		return fmt.Errorf("txn: register read: %w", err)
	}

	return nil
}

// Stage buffers one write for (record, key) to be applied atomically at
// Commit, taking (or upgrading to) an exclusive lock on the pair so no
// concurrent operation can also stage a conflicting write to it before this
// one resolves.
//
// Before staging, it checks the write's (key, value) against every
// currently live range lock registered by *other* operations' in-flight
// range reads (§4.9, §8 scenario 3): a write that would change such a
// read's result is rejected here, eagerly, with the internal atomic-state
// conflict -- rather than letting it commit and invalidating the reader
// later, which would require plumbing a "doomed" flag back into an
// operation that may already have returned its read. This resolves §9 Open
// Question 3 in favor of writer-side rejection: the safety property (no
// committed write silently changes a held range read's answer) holds
// either way, but rejecting the writer needs no callback into an operation
// whose RegisterRange call may already have returned.
func (op *AtomicOperation) Stage(record tval.Identifier, key tval.Key, value tval.Value, action write.Action) error {
	op.mu.Lock()
	defer op.mu.Unlock()

	if op.state != stateOpen {
		return fmt.Errorf("txn: stage: %w", cerr.AtomicState())
	}

	if err := tval.ValidateKey(key); err != nil {
		return fmt.Errorf("txn: stage: %w", err)
	}

	if op.deps.Ranges != nil && op.deps.Ranges.PointConflicts(key, value, op.ranges...) {
		return fmt.Errorf("txn: stage: write would change a concurrently held range read: %w", cerr.AtomicState())
	}

	if err := op.leaseLocked(lockservice.RecordKeyToken(record, key), true); err != nil {
		return fmt.Errorf("txn: stage: %w", err)
	}

	op.pending = append(op.pending, pendingWrite{record: record, key: key, value: value, action: action})

	return nil
}

// RegisterRange records that the operation's read observed key over
// [lo, hi] (inclusive per loInclusive/hiInclusive), registering a range
// lock for the remainder of the operation so a concurrent write landing
// inside it is rejected by [AtomicOperation.Stage] (§4.9, §8 scenario 3).
// It implements [internal/query.RangeLocker] so the evaluator can call it
// directly while resolving a range-shaped leaf.
func (op *AtomicOperation) RegisterRange(key tval.Key, lo, hi tval.Value, loInclusive, hiInclusive bool) {
	op.mu.Lock()
	defer op.mu.Unlock()

	if op.state != stateOpen || op.deps.Ranges == nil {
		return
	}

	iv := lockservice.Interval{
		Lo: lockservice.Bound{Value: lo, Inclusive: loInclusive},
		Hi: lockservice.Bound{Value: hi, Inclusive: hiInclusive},
	}

	op.ranges = append(op.ranges, op.deps.Ranges.AcquireRange(key, iv))
}

// PendingWrites returns every write staged so far as [write.Write] values
// carrying the operation's snapshot ceiling as their version, so a merged
// read can overlay them on top of committed Buffer/Database revisions: an
// operation's own reads must observe its own not-yet-committed writes
// (§4.9: "reads ... plus the operation's own buffered writes").
func (op *AtomicOperation) PendingWrites() []write.Write {
	op.mu.Lock()
	defer op.mu.Unlock()

	out := make([]write.Write, 0, len(op.pending))
	for _, p := range op.pending {
		out = append(out, write.Write{
			Record:  p.record,
			Key:     p.key,
			Value:   p.value,
			Version: op.SnapshotCeiling,
			Action:  p.action,
		})
	}

	return out
}

// Pending returns the writes staged so far, for a [Transaction] to persist
// to its backup file before Commit applies them.
func (op *AtomicOperation) Pending() []pendingWrite {
	op.mu.Lock()
	defer op.mu.Unlock()

	return append([]pendingWrite(nil), op.pending...)
}

// Commit assigns every staged write the same new version and inserts each
// into the Buffer, then releases every lock the operation is holding. It
// returns the committed version.
func (op *AtomicOperation) Commit(ctx context.Context) (uint64, error) {
	return op.commitAt(ctx, 0)
}

// commitAt applies the operation's pending writes at version (or a freshly
// minted one if version == 0), used directly by Commit and by
// [Transaction.Commit], which must choose and persist the version before
// applying it.
func (op *AtomicOperation) commitAt(ctx context.Context, version uint64) (uint64, error) {
	op.mu.Lock()
	defer op.mu.Unlock()

	if op.state != stateOpen {
		return 0, fmt.Errorf("txn: commit: %w", cerr.AtomicState())
	}

	if version == 0 {
		version = op.deps.Clock.Next()
	} else {
		op.deps.Clock.Observe(version)
	}

	for _, p := range op.pending {
		w, err := write.New(p.record, p.key, p.value, version, p.action)
		if err != nil {
			op.abortLocked()
			return 0, fmt.Errorf("txn: commit: %w", err)
		}

		if err := op.deps.Buffer.Insert(ctx, w, true); err != nil {
			op.abortLocked()
			return 0, fmt.Errorf("txn: commit: %w", err)
		}

		op.committed = append(op.committed, w)
	}

	op.state = stateCommitted
	op.releaseLocked()

	return version, nil
}

// CommittedWrites returns every write this operation applied to the Buffer,
// each carrying its final commit version -- unlike [AtomicOperation.
// PendingWrites], which is only meaningful before Commit and stamps the
// operation's snapshot ceiling as a placeholder version for overlay
// purposes. Callers (the Engine's audit-log mirroring) use this after
// Commit returns to learn what was actually applied.
func (op *AtomicOperation) CommittedWrites() []write.Write {
	op.mu.Lock()
	defer op.mu.Unlock()

	return append([]write.Write(nil), op.committed...)
}

// Abort releases every lock the operation is holding without applying any
// staged write.
func (op *AtomicOperation) Abort() {
	op.mu.Lock()
	defer op.mu.Unlock()

	op.abortLocked()
}

func (op *AtomicOperation) abortLocked() {
	if op.state == stateOpen {
		op.state = stateAborted
	}

	op.releaseLocked()
}

func (op *AtomicOperation) releaseLocked() {
	for token, lease := range op.leases {
		if op.exclusive[token] {
			lease.Unlock()
		} else {
			lease.RUnlock()
		}

		lease.Release()
	}

	op.leases = make(map[lockservice.Token]*lockservice.Lease)
	op.exclusive = make(map[lockservice.Token]bool)

	for _, r := range op.ranges {
		r.Release()
	}

	op.ranges = nil
}
