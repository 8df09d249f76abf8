package compactor

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/concoursedb/concourse/internal/chunk"
	"github.com/concoursedb/concourse/internal/database"
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

func writeSegment(t *testing.T, db *database.Database, w write.Write, min, max uint64) {
	t.Helper()

	table := chunk.NewTableChunk(1)
	index := chunk.NewIndexChunk(1)
	corpus := chunk.NewCorpusChunk(1)

	require.NoError(t, table.Insert(w))
	require.NoError(t, index.Insert(w))
	require.NoError(t, db.WriteSegment(table, index, corpus, min, max))
}

func TestMergeOnceCombinesAdjacentSegments(t *testing.T) {
	dir := t.TempDir()

	db, err := database.Open(fs.NewReal(), dir)
	require.NoError(t, err)
	defer db.Close()

	writeSegment(t, db, seededWrite(t, 1, "name", tval.NewTag("jeff"), 1), 1, 1)
	writeSegment(t, db, seededWrite(t, 2, "name", tval.NewTag("amy"), 2), 2, 2)

	require.Len(t, db.Segments(), 2)

	c := New(db, fs.NewReal(), nil)

	merged, err := c.MergeOnce(0)
	require.NoError(t, err)
	require.True(t, merged)
	require.Len(t, db.Segments(), 1)

	h1, err := db.TableRecord(1, nil, 10)
	require.NoError(t, err)
	defer h1.Release()
	require.Len(t, h1.Record.Get("name", 10), 1)

	h2, err := db.TableRecord(2, nil, 10)
	require.NoError(t, err)
	defer h2.Release()
	require.Len(t, h2.Record.Get("name", 10), 1)
}

func TestMergeOnceNoopWithFewerThanTwoSegments(t *testing.T) {
	dir := t.TempDir()

	db, err := database.Open(fs.NewReal(), dir)
	require.NoError(t, err)
	defer db.Close()

	writeSegment(t, db, seededWrite(t, 1, "name", tval.NewTag("jeff"), 1), 1, 1)

	c := New(db, fs.NewReal(), nil)

	merged, err := c.MergeOnce(0)
	require.NoError(t, err)
	require.False(t, merged)
}
