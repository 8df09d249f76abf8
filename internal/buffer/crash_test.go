package buffer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/concoursedb/concourse/internal/tval"
	"github.com/concoursedb/concourse/internal/write"
	"github.com/concoursedb/concourse/pkg/fs"
)

// TestBufferSyncedInsertSurvivesCrash drives the Buffer through a real
// simulated crash rather than just trusting that msync/fsync were called:
// an Insert acknowledged with sync=true must still be there after the
// process is killed and every collaborator reopened from scratch.
func TestBufferSyncedInsertSurvivesCrash(t *testing.T) {
	crash, err := fs.NewCrash(t, fs.NewReal(), &fs.CrashConfig{})
	require.NoError(t, err)

	dir := "/buffer"

	b, err := Open(crash, dir, 4096, 8)
	require.NoError(t, err)

	w := mustWrite(t, 1, "name", tval.NewTag("jeff"), 1, write.ActionAdd)
	require.NoError(t, b.Insert(context.Background(), w, true))
	require.NoError(t, b.Close())

	require.NoError(t, crash.SimulateCrash())

	reopened, err := Open(crash, dir, 4096, 8)
	require.NoError(t, err)
	defer reopened.Close()

	revs, err := reopened.RecordRevisions(1)
	require.NoError(t, err)
	require.Len(t, revs, 1)
	require.Equal(t, uint64(1), revs[0].Version)
}

// TestBufferUnsyncedInsertMayBeLostOnCrash is the other half of §4.6's
// durability contract: a write only ever handed sync=false has no
// acknowledgment behind it, so a crash before the next synchronous write
// (or transporter flush) is allowed to lose it.
func TestBufferUnsyncedInsertMayBeLostOnCrash(t *testing.T) {
	crash, err := fs.NewCrash(t, fs.NewReal(), &fs.CrashConfig{})
	require.NoError(t, err)

	dir := "/buffer"

	b, err := Open(crash, dir, 4096, 8)
	require.NoError(t, err)

	w1 := mustWrite(t, 1, "name", tval.NewTag("jeff"), 1, write.ActionAdd)
	w2 := mustWrite(t, 1, "name", tval.NewTag("amy"), 2, write.ActionAdd)

	require.NoError(t, b.Insert(context.Background(), w1, true))
	require.NoError(t, b.Insert(context.Background(), w2, false))
	require.NoError(t, b.Close())

	require.NoError(t, crash.SimulateCrash())

	reopened, err := Open(crash, dir, 4096, 8)
	require.NoError(t, err)
	defer reopened.Close()

	revs, err := reopened.RecordRevisions(1)
	require.NoError(t, err)
	require.Len(t, revs, 1, "the unacknowledged second write must not have survived the crash")
	require.Equal(t, uint64(1), revs[0].Version)
}
