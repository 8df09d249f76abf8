package txn

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/concoursedb/concourse/internal/buffer"
	"github.com/concoursedb/concourse/internal/cerr"
	"github.com/concoursedb/concourse/internal/clock"
	"github.com/concoursedb/concourse/internal/database"
	"github.com/concoursedb/concourse/internal/lockservice"
	"github.com/concoursedb/concourse/internal/tval"
	"github.com/concoursedb/concourse/internal/write"
	"github.com/concoursedb/concourse/pkg/fs"
)

func newDeps(t *testing.T) Deps {
	t.Helper()

	fsys := fs.NewReal()

	buf, err := buffer.Open(fsys, t.TempDir(), 1<<16, 8)
	require.NoError(t, err)
	t.Cleanup(func() { _ = buf.Close() })

	db, err := database.Open(fsys, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return Deps{
		Buffer: buf,
		DB:     db,
		Locks:  lockservice.New(),
		Ranges: lockservice.NewRange(),
		Clock:  clock.New(),
		FS:     fsys,
	}
}

func TestAtomicOperationCommitInsertsWrites(t *testing.T) {
	deps := newDeps(t)

	op, err := Begin(deps)
	require.NoError(t, err)

	require.NoError(t, op.Stage(1, "name", tval.NewTag("jeff"), write.ActionAdd))

	version, err := op.Commit(context.Background())
	require.NoError(t, err)
	require.Greater(t, version, uint64(0))

	revisions, err := deps.Buffer.RecordRevisions(1)
	require.NoError(t, err)
	require.Len(t, revisions, 1)
	require.Equal(t, version, revisions[0].Version)
}

func TestAtomicOperationStageAfterCommitFails(t *testing.T) {
	deps := newDeps(t)

	op, err := Begin(deps)
	require.NoError(t, err)

	require.NoError(t, op.Stage(1, "name", tval.NewTag("jeff"), write.ActionAdd))
	_, err = op.Commit(context.Background())
	require.NoError(t, err)

	err = op.Stage(1, "name", tval.NewTag("amy"), write.ActionAdd)
	require.Error(t, err)
}

func TestAtomicOperationConflictingStageBlocksUntilRelease(t *testing.T) {
	deps := newDeps(t)

	first, err := Begin(deps)
	require.NoError(t, err)
	require.NoError(t, first.Stage(1, "name", tval.NewTag("jeff"), write.ActionAdd))

	second, err := Begin(deps)
	require.NoError(t, err)

	done := make(chan struct{})

	go func() {
		defer close(done)
		require.NoError(t, second.Stage(1, "name", tval.NewTag("amy"), write.ActionAdd))
	}()

	select {
	case <-done:
		t.Fatal("second.Stage should have blocked on first's exclusive lock")
	case <-time.After(50 * time.Millisecond):
	}

	first.Abort()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second.Stage never unblocked after first.Abort")
	}
}

func TestAtomicOperationAbortAppliesNothing(t *testing.T) {
	deps := newDeps(t)

	op, err := Begin(deps)
	require.NoError(t, err)

	require.NoError(t, op.Stage(1, "name", tval.NewTag("jeff"), write.ActionAdd))
	op.Abort()

	revisions, err := deps.Buffer.RecordRevisions(1)
	require.NoError(t, err)
	require.Empty(t, revisions)
}

func TestAtomicOperationStageConflictsWithLiveRangeLock(t *testing.T) {
	deps := newDeps(t)

	reader, err := Begin(deps)
	require.NoError(t, err)

	reader.RegisterRange("age", tval.NewInt64(5), tval.NewInt64(20), true, true)

	writer, err := Begin(deps)
	require.NoError(t, err)

	err = writer.Stage(1, "age", tval.NewInt64(15), write.ActionAdd)
	require.Error(t, err)

	reader.Abort()

	require.NoError(t, writer.Stage(1, "age", tval.NewInt64(15), write.ActionAdd))
}

// TestAtomicOperationWriteSkewUpgradeDoesNotDeadlock drives the classic write-
// skew shape (§8 scenario 4): two operations each hold a shared lock on both
// of two records, then each tries to upgrade its lock on a different one of
// the two. Before the fix to leaseLocked this was a circular wait -- each
// side blocked forever on the exclusive lock the other held shared -- so the
// only thing this test strictly needs to prove is that both Stage calls
// return within the timeout. That both return a conflict rather than one
// silently winning is the stronger property: each side's upgrade attempt
// runs into the other side's still-held shared lock on the very record being
// upgraded, so neither may safely proceed without the other releasing first,
// and both correctly bail out and report ATOMIC_STATE instead of corrupting
// the invariant sum(balance) == 0.
func TestAtomicOperationWriteSkewUpgradeDoesNotDeadlock(t *testing.T) {
	deps := newDeps(t)

	op1, err := Begin(deps)
	require.NoError(t, err)

	op2, err := Begin(deps)
	require.NoError(t, err)

	require.NoError(t, op1.RegisterRead(1, "balance"))
	require.NoError(t, op1.RegisterRead(2, "balance"))
	require.NoError(t, op2.RegisterRead(1, "balance"))
	require.NoError(t, op2.RegisterRead(2, "balance"))

	var err1, err2 error
	done := make(chan struct{}, 2)

	go func() {
		err1 = op1.Stage(1, "balance", tval.NewInt64(-100), write.ActionAdd)
		done <- struct{}{}
	}()

	go func() {
		err2 = op2.Stage(2, "balance", tval.NewInt64(-100), write.ActionAdd)
		done <- struct{}{}
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("Stage deadlocked upgrading a shared lock held by a concurrent operation (write skew)")
		}
	}

	op1.Abort()
	op2.Abort()

	require.True(t, cerr.IsAtomicState(err1), "op1's upgrade must lose to op2's still-held shared lock on record 1")
	require.True(t, cerr.IsAtomicState(err2), "op2's upgrade must lose to op1's still-held shared lock on record 2")
}

func TestAtomicOperationPendingWritesOverlayOwnReads(t *testing.T) {
	deps := newDeps(t)

	op, err := Begin(deps)
	require.NoError(t, err)

	require.NoError(t, op.Stage(1, "name", tval.NewTag("jeff"), write.ActionAdd))

	pending := op.PendingWrites()
	require.Len(t, pending, 1)
	require.Equal(t, op.SnapshotCeiling, pending[0].Version)
	require.Equal(t, tval.Identifier(1), pending[0].Record)
}

func TestDurableTransactionCommitRemovesBackupFile(t *testing.T) {
	deps := newDeps(t)
	dir := t.TempDir()

	tx, err := BeginDurable(deps, dir)
	require.NoError(t, err)

	require.NoError(t, tx.Stage(1, "name", tval.NewTag("jeff"), write.ActionAdd))

	version, err := tx.Commit(context.Background())
	require.NoError(t, err)

	entries, err := fs.NewReal().ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)

	revisions, err := deps.Buffer.RecordRevisions(1)
	require.NoError(t, err)
	require.Len(t, revisions, 1)
	require.Equal(t, version, revisions[0].Version)
}

func TestRecoverReplaysLeftoverBackupFile(t *testing.T) {
	deps := newDeps(t)
	dir := t.TempDir()
	fsys := fs.NewReal()

	pending := []pendingWrite{{
		record: 1,
		key:    "name",
		value:  tval.NewTag("jeff"),
		action: write.ActionAdd,
	}}

	body, err := encodeBackup(pending)
	require.NoError(t, err)

	version := deps.Clock.Next()
	framed := frameBackup(version, body)

	require.NoError(t, fsys.WriteFile(dir+"/leftover.txn", framed, 0o644))

	require.NoError(t, Recover(context.Background(), fsys, dir, deps))

	entries, err := fsys.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)

	revisions, err := deps.Buffer.RecordRevisions(1)
	require.NoError(t, err)
	require.Len(t, revisions, 1)
	require.Equal(t, version, revisions[0].Version)
}

func TestRecoverSkipsAlreadyAppliedWrite(t *testing.T) {
	deps := newDeps(t)
	dir := t.TempDir()
	fsys := fs.NewReal()

	w, err := write.New(1, "name", tval.NewTag("jeff"), deps.Clock.Next(), write.ActionAdd)
	require.NoError(t, err)
	require.NoError(t, deps.Buffer.Insert(context.Background(), w, true))

	pending := []pendingWrite{{record: 1, key: "name", value: tval.NewTag("jeff"), action: write.ActionAdd}}
	body, err := encodeBackup(pending)
	require.NoError(t, err)

	framed := frameBackup(w.Version, body)
	require.NoError(t, fsys.WriteFile(dir+"/leftover.txn", framed, 0o644))

	require.NoError(t, Recover(context.Background(), fsys, dir, deps))

	revisions, err := deps.Buffer.RecordRevisions(1)
	require.NoError(t, err)
	require.Len(t, revisions, 1, "recover must not double-insert a write already present in the buffer")
}

func TestAtomicOperationCommittedWritesCarryRealVersion(t *testing.T) {
	deps := newDeps(t)

	op, err := Begin(deps)
	require.NoError(t, err)

	require.Empty(t, op.CommittedWrites(), "nothing is committed before Commit runs")

	require.NoError(t, op.Stage(1, "name", tval.NewTag("jeff"), write.ActionAdd))

	version, err := op.Commit(context.Background())
	require.NoError(t, err)

	committed := op.CommittedWrites()
	require.Len(t, committed, 1)
	require.Equal(t, version, committed[0].Version)
	require.NotEqual(t, op.SnapshotCeiling, committed[0].Version,
		"CommittedWrites must carry the real commit version, not the snapshot-ceiling placeholder PendingWrites uses")
}

func TestAtomicOperationCommittedWritesEmptyAfterAbort(t *testing.T) {
	deps := newDeps(t)

	op, err := Begin(deps)
	require.NoError(t, err)

	require.NoError(t, op.Stage(1, "name", tval.NewTag("jeff"), write.ActionAdd))
	op.Abort()

	require.Empty(t, op.CommittedWrites())
}

func TestDurableTransactionCommittedWritesDelegatesToOperation(t *testing.T) {
	deps := newDeps(t)
	dir := t.TempDir()

	tx, err := BeginDurable(deps, dir)
	require.NoError(t, err)

	require.NoError(t, tx.Stage(1, "name", tval.NewTag("jeff"), write.ActionAdd))

	version, err := tx.Commit(context.Background())
	require.NoError(t, err)

	committed := tx.CommittedWrites()
	require.Len(t, committed, 1)
	require.Equal(t, version, committed[0].Version)
	require.Equal(t, tval.Identifier(1), committed[0].Record)
}
