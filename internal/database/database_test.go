package database

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/concoursedb/concourse/internal/chunk"
	"github.com/concoursedb/concourse/internal/tval"
	"github.com/concoursedb/concourse/internal/write"
	"github.com/concoursedb/concourse/pkg/fs"
)

func seededWrite(t *testing.T, record tval.Identifier, key tval.Key, value tval.Value, version uint64) write.Write {
	t.Helper()

	w, err := write.New(record, key, value, version, write.ActionAdd)
	require.NoError(t, err)

	return w
}

func TestWriteSegmentThenTableRecord(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(fs.NewReal(), dir)
	require.NoError(t, err)
	defer db.Close()

	table := chunk.NewTableChunk(4)
	index := chunk.NewIndexChunk(4)
	corpus := chunk.NewCorpusChunk(4)

	w := seededWrite(t, 1, "name", tval.NewTag("jeff"), 1)
	require.NoError(t, table.Insert(w))
	require.NoError(t, index.Insert(w))

	require.NoError(t, db.WriteSegment(table, index, corpus, 1, 1))

	handle, err := db.TableRecord(1, nil, 10)
	require.NoError(t, err)
	defer handle.Release()

	values := handle.Record.Get("name", 10)
	require.Len(t, values, 1)
	require.True(t, tval.Equal(values[0], tval.NewTag("jeff")))
}

func TestMightContainTable(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(fs.NewReal(), dir)
	require.NoError(t, err)
	defer db.Close()

	table := chunk.NewTableChunk(4)
	index := chunk.NewIndexChunk(4)
	corpus := chunk.NewCorpusChunk(4)

	w := seededWrite(t, 1, "name", tval.NewTag("jeff"), 1)
	require.NoError(t, table.Insert(w))
	require.NoError(t, index.Insert(w))
	require.NoError(t, db.WriteSegment(table, index, corpus, 1, 1))

	require.True(t, db.MightContainTable(1, "name", tval.NewTag("jeff")))
	require.False(t, db.MightContainTable(2, "name", tval.NewTag("jeff")))
}

func TestOpenRecoversExistingSegments(t *testing.T) {
	dir := t.TempDir()

	db1, err := Open(fs.NewReal(), dir)
	require.NoError(t, err)

	table := chunk.NewTableChunk(4)
	index := chunk.NewIndexChunk(4)
	corpus := chunk.NewCorpusChunk(4)
	w := seededWrite(t, 5, "age", tval.NewInt64(42), 1)
	require.NoError(t, table.Insert(w))
	require.NoError(t, db1.WriteSegment(table, index, corpus, 1, 1))
	require.NoError(t, db1.Close())

	db2, err := Open(fs.NewReal(), dir)
	require.NoError(t, err)
	defer db2.Close()

	require.Len(t, db2.Segments(), 1)

	handle, err := db2.TableRecord(5, nil, 10)
	require.NoError(t, err)
	defer handle.Release()
	require.Len(t, handle.Record.Get("age", 10), 1)
}

func TestWriteSegmentRejectsOverlap(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(fs.NewReal(), dir)
	require.NoError(t, err)
	defer db.Close()

	empty := func() (*chunk.Chunk, *chunk.Chunk, *chunk.Chunk) {
		return chunk.NewTableChunk(1), chunk.NewIndexChunk(1), chunk.NewCorpusChunk(1)
	}

	t1, i1, c1 := empty()
	require.NoError(t, db.WriteSegment(t1, i1, c1, 1, 10))

	t2, i2, c2 := empty()
	require.Error(t, db.WriteSegment(t2, i2, c2, 5, 20))
}
