package buffer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/concoursedb/concourse/internal/tval"
	"github.com/concoursedb/concourse/internal/write"
	"github.com/concoursedb/concourse/pkg/fs"
)

// TestBufferInsertSurfacesChaosOpenFailure checks that Buffer.Insert does not
// swallow or retry a page-file open failure itself: the caller sees the
// error, and a later Insert against the same Buffer succeeds once the
// filesystem stops misbehaving.
func TestBufferInsertSurfacesChaosOpenFailure(t *testing.T) {
	dir := t.TempDir()

	chaos := fs.NewChaos(fs.NewReal(), 1, &fs.ChaosConfig{OpenFailRate: 1.0})

	_, err := Open(chaos, dir, 4096, 8)
	require.Error(t, err, "buffer creation must fail when the page file cannot be opened")

	chaos.SetMode(fs.ChaosModeNoOp)

	b, err := Open(chaos, dir, 4096, 8)
	require.NoError(t, err)
	defer b.Close()

	chaos.SetMode(fs.ChaosModeActive)

	w := mustWrite(t, 1, "name", tval.NewTag("jeff"), 1, write.ActionAdd)
	err = b.Insert(context.Background(), w, false)
	require.Error(t, err)
	require.True(t, fs.IsChaosErr(err), "Insert's error must trace back to the injected fault")

	chaos.SetMode(fs.ChaosModeNoOp)

	w2 := mustWrite(t, 2, "name", tval.NewTag("amy"), 2, write.ActionAdd)
	require.NoError(t, b.Insert(context.Background(), w2, false), "Insert must succeed again once the filesystem stops failing")
}

// TestBufferInsertReportsChaosSyncFailure checks the other half of the
// durability contract: a synchronous Insert must never report success when
// the page's fsync itself fails, since the caller takes that success as an
// acknowledgment that the write has survived a crash.
func TestBufferInsertReportsChaosSyncFailure(t *testing.T) {
	dir := t.TempDir()

	chaos := fs.NewChaos(fs.NewReal(), 7, &fs.ChaosConfig{SyncFailRate: 1.0})

	b, err := Open(chaos, dir, 4096, 8)
	require.NoError(t, err)
	defer b.Close()

	w := mustWrite(t, 1, "name", tval.NewTag("jeff"), 1, write.ActionAdd)
	err = b.Insert(context.Background(), w, true)
	require.Error(t, err, "a synchronous Insert must fail, not silently succeed, when fsync is injected to fail")
	require.True(t, fs.IsChaosErr(err))
}
