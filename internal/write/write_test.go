package write_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concoursedb/concourse/internal/tval"
	"github.com/concoursedb/concourse/internal/write"
)

func Test_Encode_Decode_Write_Is_Identity(t *testing.T) {
	t.Parallel()

	w, err := write.New(tval.Identifier(7), "name", tval.NewString("jeff"), 12345, write.ActionAdd)
	require.NoError(t, err)

	buf := write.Encode(w)
	assert.Equal(t, len(buf), write.EncodedLen(w))

	got, n, err := write.Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)
	assert.Equal(t, w.Record, got.Record)
	assert.Equal(t, w.Key, got.Key)
	assert.Equal(t, w.Version, got.Version)
	assert.Equal(t, w.Action, got.Action)
	assert.True(t, tval.Equal(w.Value, got.Value))
}

func Test_New_Rejects_Invalid_Key(t *testing.T) {
	t.Parallel()

	_, err := write.New(tval.Identifier(1), "", tval.NewBool(true), 1, write.ActionAdd)
	assert.Error(t, err)
}

func Test_New_Rejects_Invalid_Action(t *testing.T) {
	t.Parallel()

	_, err := write.New(tval.Identifier(1), "k", tval.NewBool(true), 1, write.Action(99))
	assert.Error(t, err)
}
