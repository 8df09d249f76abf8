package buffer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/concoursedb/concourse/internal/chunk"
	"github.com/concoursedb/concourse/internal/tval"
	"github.com/concoursedb/concourse/internal/write"
	"github.com/concoursedb/concourse/pkg/fs"
)

func mustWrite(t *testing.T, record tval.Identifier, key tval.Key, value tval.Value, version uint64, action write.Action) write.Write {
	t.Helper()

	w, err := write.New(record, key, value, version, action)
	require.NoError(t, err)

	return w
}

func TestBufferInsertAndRevisions(t *testing.T) {
	dir := t.TempDir()

	b, err := Open(fs.NewReal(), dir, 4096, 0)
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()

	w1 := mustWrite(t, 1, "name", tval.NewTag("jeff"), 1, write.ActionAdd)
	w2 := mustWrite(t, 2, "name", tval.NewTag("amy"), 2, write.ActionAdd)

	require.NoError(t, b.Insert(ctx, w1, true))
	require.NoError(t, b.Insert(ctx, w2, false))

	require.True(t, b.MightHaveRecord(1))
	require.True(t, b.MightHaveRecord(2))
	require.False(t, b.MightHaveRecord(3))

	revs, err := b.RecordRevisions(1)
	require.NoError(t, err)
	require.Len(t, revs, 1)
	require.Equal(t, w1, revs[0])

	keyRevs, err := b.KeyRevisions("name")
	require.NoError(t, err)
	require.Len(t, keyRevs, 2)
}

func TestBufferRecoversFromExistingPages(t *testing.T) {
	dir := t.TempDir()

	b1, err := Open(fs.NewReal(), dir, 4096, 0)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b1.Insert(ctx, mustWrite(t, 7, "age", tval.NewInt64(30), 1, write.ActionAdd), true))
	require.NoError(t, b1.Close())

	b2, err := Open(fs.NewReal(), dir, 4096, 0)
	require.NoError(t, err)
	defer b2.Close()

	require.True(t, b2.MightHaveRecord(7))

	revs, err := b2.RecordRevisions(7)
	require.NoError(t, err)
	require.Len(t, revs, 1)
}

func TestBufferRotatesPageWhenFull(t *testing.T) {
	dir := t.TempDir()

	b, err := Open(fs.NewReal(), dir, pageHeaderSize+64, 0)
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()

	for i := uint64(1); i <= 5; i++ {
		w := mustWrite(t, tval.Identifier(i), "k", tval.NewTag("x"), i, write.ActionAdd)
		require.NoError(t, b.Insert(ctx, w, false))
	}

	require.True(t, len(b.pages) > 1)
}

type fakeSink struct {
	writes int
	min    uint64
	max    uint64
}

func (f *fakeSink) WriteSegment(table, index, corpus *chunk.Chunk, minVersion, maxVersion uint64) error {
	f.writes++
	f.min = minVersion
	f.max = maxVersion

	return nil
}

func TestTransporterDrainsBackedUpPage(t *testing.T) {
	dir := t.TempDir()

	b, err := Open(fs.NewReal(), dir, pageHeaderSize+64, 0)
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()

	for i := uint64(1); i <= 5; i++ {
		w := mustWrite(t, tval.Identifier(i), "k", tval.NewTag("x"), i, write.ActionAdd)
		require.NoError(t, b.Insert(ctx, w, false))
	}

	require.True(t, b.CanTransport())

	tr := &Transporter{mode: "streaming", maxBatchPages: 1, pollInterval: time.Millisecond}
	sink := &fakeSink{}

	require.NoError(t, tr.transportOnce(b, sink))
	require.Equal(t, 1, sink.writes)
}

func TestBufferBackpressureReleasedByComplete(t *testing.T) {
	dir := t.TempDir()

	b, err := Open(fs.NewReal(), dir, pageHeaderSize+64, 1)
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()

	w1 := mustWrite(t, 1, "k", tval.NewTag("x"), 1, write.ActionAdd)
	require.NoError(t, b.Insert(ctx, w1, false))

	w2 := mustWrite(t, 2, "k", tval.NewTag("y"), 2, write.ActionAdd)
	require.NoError(t, b.Insert(ctx, w2, false))

	blocked := make(chan error, 1)

	go func() {
		w3 := mustWrite(t, 3, "k", tval.NewTag("z"), 3, write.ActionAdd)
		blocked <- b.Insert(ctx, w3, false)
	}()

	select {
	case <-blocked:
		t.Fatal("insert should have blocked on backpressure")
	case <-time.After(50 * time.Millisecond):
	}

	pages := b.Drain(1)
	require.NoError(t, b.Complete(pages))

	select {
	case err := <-blocked:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("backpressure was never released")
	}
}
