package query

import (
	"testing"

	"github.com/concoursedb/concourse/internal/record"
	"github.com/concoursedb/concourse/internal/tval"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	byKey map[tval.Key][]record.Entry
}

func (f fakeSource) Entries(key tval.Key, t uint64) []record.Entry {
	return f.byKey[key]
}

func TestEvalEquality(t *testing.T) {
	src := fakeSource{byKey: map[tval.Key][]record.Entry{
		"age": {
			{Value: tval.NewInt64(30), Records: []tval.Identifier{1}},
			{Value: tval.NewInt64(19), Records: []tval.Identifier{2}},
		},
	}}

	q := Queue{Expression{Key: "age", Op: EQ, Value1: tval.NewInt64(30)}}

	got, err := Eval(q, src, 100, nil)
	require.NoError(t, err)
	require.Equal(t, []tval.Identifier{1}, got)
}

func TestEvalBetweenAndConjunction(t *testing.T) {
	src := fakeSource{byKey: map[tval.Key][]record.Entry{
		"age": {
			{Value: tval.NewInt64(30), Records: []tval.Identifier{1}},
			{Value: tval.NewInt64(19), Records: []tval.Identifier{2}},
			{Value: tval.NewInt64(15), Records: []tval.Identifier{3}},
		},
		"active": {
			{Value: tval.NewBool(true), Records: []tval.Identifier{1, 3}},
		},
	}}

	q := Queue{
		Expression{Key: "age", Op: BETWEEN, Value1: tval.NewInt64(10), Value2: tval.NewInt64(20)},
		Expression{Key: "active", Op: EQ, Value1: tval.NewBool(true)},
		ConjunctionSymbol{Conj: AND},
	}

	got, err := Eval(q, src, 100, nil)
	require.NoError(t, err)
	require.Equal(t, []tval.Identifier{3}, got)
}

func TestEvalOr(t *testing.T) {
	src := fakeSource{byKey: map[tval.Key][]record.Entry{
		"age": {
			{Value: tval.NewInt64(30), Records: []tval.Identifier{1}},
			{Value: tval.NewInt64(19), Records: []tval.Identifier{2}},
		},
	}}

	q := Queue{
		Expression{Key: "age", Op: EQ, Value1: tval.NewInt64(30)},
		Expression{Key: "age", Op: EQ, Value1: tval.NewInt64(19)},
		ConjunctionSymbol{Conj: OR},
	}

	got, err := Eval(q, src, 100, nil)
	require.NoError(t, err)
	require.Equal(t, []tval.Identifier{1, 2}, got)
}

func TestEvalLike(t *testing.T) {
	src := fakeSource{byKey: map[tval.Key][]record.Entry{
		"name": {
			{Value: tval.NewTag("jeff"), Records: []tval.Identifier{1}},
			{Value: tval.NewTag("jenny"), Records: []tval.Identifier{2}},
			{Value: tval.NewTag("bob"), Records: []tval.Identifier{3}},
		},
	}}

	q := Queue{Expression{Key: "name", Op: LIKE, Value1: tval.NewTag("je%")}}

	got, err := Eval(q, src, 100, nil)
	require.NoError(t, err)
	require.ElementsMatch(t, []tval.Identifier{1, 2}, got)
}

func TestAtExtractsTimestamp(t *testing.T) {
	q := Queue{
		Expression{Key: "age", Op: EQ, Value1: tval.NewInt64(30)},
		TimestampSymbol{Version: 42},
	}

	rest, version := At(q, 999)
	require.Equal(t, uint64(42), version)
	require.Len(t, rest, 1)
}

type recordingLocker struct {
	calls int
}

func (r *recordingLocker) LockRange(key tval.Key, lo, hi tval.Value, loInc, hiInc bool) {
	r.calls++
}

func TestEvalRegistersRangeLocks(t *testing.T) {
	src := fakeSource{byKey: map[tval.Key][]record.Entry{
		"age": {{Value: tval.NewInt64(30), Records: []tval.Identifier{1}}},
	}}

	q := Queue{Expression{Key: "age", Op: BETWEEN, Value1: tval.NewInt64(5), Value2: tval.NewInt64(20)}}

	locker := &recordingLocker{}
	_, err := Eval(q, src, 100, locker)
	require.NoError(t, err)
	require.Equal(t, 1, locker.calls)
}
