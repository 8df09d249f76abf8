package record_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concoursedb/concourse/internal/record"
	"github.com/concoursedb/concourse/internal/tval"
	"github.com/concoursedb/concourse/internal/write"
)

func mustWrite(t *testing.T, rec tval.Identifier, key string, v tval.Value, version uint64, action write.Action) write.Write {
	t.Helper()

	w, err := write.New(rec, tval.Key(key), v, version, action)
	require.NoError(t, err)

	return w
}

func Test_TableRecord_Get_Reflects_Odd_Parity(t *testing.T) {
	t.Parallel()

	r := record.NewTableRecord()
	r.Append(mustWrite(t, 1, "name", tval.NewString("jeff"), 1, write.ActionAdd))
	r.Append(mustWrite(t, 1, "age", tval.NewInt64(30), 2, write.ActionAdd))

	got := r.Get("name", 2)
	require.Len(t, got, 1)
	assert.Equal(t, "jeff", got[0].AsString())

	r.Append(mustWrite(t, 1, "name", tval.NewString("jeff"), 3, write.ActionRemove))
	assert.Empty(t, r.Get("name", 3))
	assert.Len(t, r.Get("name", 2), 1, "a read at an earlier version is unaffected by a later toggle")
}

func Test_TableRecord_Browse_Returns_Only_Present_Keys(t *testing.T) {
	t.Parallel()

	r := record.NewTableRecord()
	r.Append(mustWrite(t, 1, "name", tval.NewString("jeff"), 1, write.ActionAdd))
	r.Append(mustWrite(t, 1, "age", tval.NewInt64(30), 2, write.ActionAdd))
	r.Append(mustWrite(t, 1, "age", tval.NewInt64(30), 3, write.ActionRemove))

	got := r.Browse(3)
	require.Contains(t, got, tval.Key("name"))
	assert.NotContains(t, got, tval.Key("age"))
}

func Test_TableRecord_Audit_Is_Version_Ordered(t *testing.T) {
	t.Parallel()

	r := record.NewTableRecord()
	r.Append(mustWrite(t, 1, "name", tval.NewString("jeff"), 5, write.ActionAdd))
	r.Append(mustWrite(t, 1, "age", tval.NewInt64(30), 2, write.ActionAdd))

	entries := r.Audit("")
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(2), entries[0].Version)
	assert.Equal(t, uint64(5), entries[1].Version)

	filtered := r.Audit("name")
	require.Len(t, filtered, 1)
	assert.Contains(t, filtered[0].Description, "jeff")
}

func Test_IndexRecord_Entries_Sorted_By_Value(t *testing.T) {
	t.Parallel()

	r := record.NewIndexRecord()
	r.Append(mustWrite(t, 2, "age", tval.NewInt64(30), 1, write.ActionAdd))
	r.Append(mustWrite(t, 1, "age", tval.NewInt64(10), 2, write.ActionAdd))
	r.Append(mustWrite(t, 3, "age", tval.NewInt64(10), 3, write.ActionAdd))

	entries := r.Entries(3)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(10), entries[0].Value.AsInt64())
	assert.ElementsMatch(t, []tval.Identifier{1, 3}, entries[0].Records)
	assert.Equal(t, int64(30), entries[1].Value.AsInt64())
}

func Test_IndexRecord_Records_Matches_Equal_Value(t *testing.T) {
	t.Parallel()

	r := record.NewIndexRecord()
	r.Append(mustWrite(t, 1, "age", tval.NewInt64(30), 1, write.ActionAdd))
	r.Append(mustWrite(t, 2, "age", tval.NewFloat64(30), 2, write.ActionAdd))

	got := r.Records(tval.NewInt64(30), 2)
	assert.ElementsMatch(t, []tval.Identifier{1, 2}, got, "INT64(30) and FLOAT64(30) compare equal")
}

func Test_CorpusRecord_Records_Tracks_Presence(t *testing.T) {
	t.Parallel()

	r := record.NewCorpusRecord()
	r.Append(mustWrite(t, 1, "name", tval.NewString("hello world"), 1, write.ActionAdd))
	r.Append(mustWrite(t, 2, "name", tval.NewString("hello world"), 2, write.ActionAdd))
	r.Append(mustWrite(t, 1, "name", tval.NewString("hello world"), 3, write.ActionRemove))

	got := r.CorpusRecords(3)
	assert.Equal(t, []tval.Identifier{2}, got)
}

func Test_Cache_Acquire_Reuses_Until_All_Handles_Released(t *testing.T) {
	t.Parallel()

	c := record.NewCache()
	builds := 0

	load := func() (*record.Record, error) {
		builds++
		return record.NewTableRecord(), nil
	}

	h1, err := c.Acquire("k", load)
	require.NoError(t, err)
	h2, err := c.Acquire("k", load)
	require.NoError(t, err)

	assert.Equal(t, 1, builds)
	assert.Equal(t, 1, c.Len())

	h1.Release()
	assert.Equal(t, 1, c.Len(), "a second handle still holds a reference")

	h2.Release()
	assert.Equal(t, 0, c.Len())

	_, err = c.Acquire("k", load)
	require.NoError(t, err)
	assert.Equal(t, 2, builds, "eviction forces a rebuild on the next acquire")
}
