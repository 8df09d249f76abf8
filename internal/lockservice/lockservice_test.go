package lockservice

import (
	"testing"

	"github.com/concoursedb/concourse/internal/tval"
	"github.com/stretchr/testify/require"
)

func TestAcquireSameTokenSharesEntry(t *testing.T) {
	s := New()

	tok := RecordToken(tval.Identifier(1))

	l1 := s.Acquire(tok)
	l2 := s.Acquire(tok)

	require.Equal(t, 1, s.Len())

	l1.Release()
	require.Equal(t, 1, s.Len(), "entry stays alive while l2 holds a reference")

	l2.Release()
	s.GC()
	require.Equal(t, 0, s.Len())
}

func TestExclusiveLockBlocksReacquire(t *testing.T) {
	s := New()
	tok := RecordToken(tval.Identifier(1))

	l1 := s.Acquire(tok)
	l1.Lock()

	done := make(chan struct{})

	go func() {
		l2 := s.Acquire(tok)
		l2.Lock()
		close(done)
		l2.Unlock()
		l2.Release()
	}()

	select {
	case <-done:
		t.Fatal("second Lock should not have succeeded while first is held")
	default:
	}

	l1.Unlock()
	l1.Release()

	<-done
}

func TestGCDoesNotRemoveReferencedEntry(t *testing.T) {
	s := New()
	tok := RecordKeyToken(tval.Identifier(1), "name")

	l := s.Acquire(tok)
	s.GC()
	require.Equal(t, 1, s.Len())

	l.Release()
	s.GC()
	require.Equal(t, 0, s.Len())
}

func TestKeyValueTokenDistinguishesValues(t *testing.T) {
	a := KeyValueToken("name", tval.NewTag("jeff"))
	b := KeyValueToken("name", tval.NewTag("bob"))
	require.NotEqual(t, a, b)
}

func TestRangeLockPointConflict(t *testing.T) {
	s := NewRange()

	iv := Interval{
		Lo: Bound{Value: tval.NewInt64(5), Inclusive: true},
		Hi: Bound{Value: tval.NewInt64(20), Inclusive: true},
	}

	lease := s.AcquireRange("foo", iv)
	defer lease.Release()

	require.True(t, s.PointConflicts("foo", tval.NewInt64(15)))
	require.False(t, s.PointConflicts("foo", tval.NewInt64(25)))
	require.False(t, s.PointConflicts("bar", tval.NewInt64(15)))
}

func TestRangeLockIgnoreOwnLease(t *testing.T) {
	s := NewRange()

	iv := Interval{
		Lo: Bound{Value: tval.NewInt64(0), Inclusive: true},
		Hi: Bound{Value: tval.NewInt64(100), Inclusive: true},
	}

	lease := s.AcquireRange("foo", iv)
	defer lease.Release()

	require.False(t, s.PointConflicts("foo", tval.NewInt64(50), lease))
	require.True(t, s.PointConflicts("foo", tval.NewInt64(50)))
}

func TestIntervalContains(t *testing.T) {
	iv := Interval{
		Lo: Bound{Value: tval.NewInt64(5), Inclusive: true},
		Hi: Bound{Value: tval.NewInt64(10), Inclusive: false},
	}

	require.True(t, iv.Contains(tval.NewInt64(5)))
	require.True(t, iv.Contains(tval.NewInt64(9)))
	require.False(t, iv.Contains(tval.NewInt64(10)))
	require.False(t, iv.Contains(tval.NewInt64(4)))
}

func TestIntervalIntersectsAndUnion(t *testing.T) {
	a := Interval{Lo: Bound{Value: tval.NewInt64(0), Inclusive: true}, Hi: Bound{Value: tval.NewInt64(10), Inclusive: true}}
	b := Interval{Lo: Bound{Value: tval.NewInt64(5), Inclusive: true}, Hi: Bound{Value: tval.NewInt64(15), Inclusive: true}}
	c := Interval{Lo: Bound{Value: tval.NewInt64(20), Inclusive: true}, Hi: Bound{Value: tval.NewInt64(30), Inclusive: true}}

	require.True(t, a.Intersects(b))
	require.False(t, a.Intersects(c))

	u := a.Union(b)
	require.Equal(t, int64(0), u.Lo.Value.AsInt64())
	require.Equal(t, int64(15), u.Hi.Value.AsInt64())

	inter, ok := a.Intersection(b)
	require.True(t, ok)
	require.Equal(t, int64(5), inter.Lo.Value.AsInt64())
	require.Equal(t, int64(10), inter.Hi.Value.AsInt64())
}

func TestIntervalSymmetricDifference(t *testing.T) {
	a := Interval{Lo: Bound{Value: tval.NewInt64(0), Inclusive: true}, Hi: Bound{Value: tval.NewInt64(10), Inclusive: true}}
	b := Interval{Lo: Bound{Value: tval.NewInt64(5), Inclusive: true}, Hi: Bound{Value: tval.NewInt64(15), Inclusive: true}}

	diff := a.SymmetricDifference(b)
	require.Len(t, diff, 2)
}
