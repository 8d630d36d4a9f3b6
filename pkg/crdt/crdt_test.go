package crdt

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, src Type, node string) Type {
	t.Helper()
	raw, err := src.State()
	require.NoError(t, err)
	dst, err := New(src.Kind(), node)
	require.NoError(t, err)
	require.NoError(t, dst.LoadState(raw))
	return dst
}

func mergeInto(t *testing.T, dst, src Type) bool {
	t.Helper()
	raw, err := src.State()
	require.NoError(t, err)
	changed, err := dst.MergeState(raw)
	require.NoError(t, err)
	return changed
}

func TestNewDispatch(t *testing.T) {
	for _, k := range Kinds {
		typ, err := New(k, "n1")
		require.NoError(t, err)
		assert.Equal(t, k, typ.Kind())
		assert.True(t, k.Valid())
	}

	_, err := New("graph", "n1")
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestGSetConvergesInAnyOrder(t *testing.T) {
	a, b, c := NewGSet(), NewGSet(), NewGSet()
	a.Add("x")
	b.Add("y")
	c.Add("z")
	c.Add("x")

	left := NewGSet()
	left.Merge(a)
	left.Merge(b)
	left.Merge(c)

	right := NewGSet()
	right.Merge(c)
	right.Merge(b)
	right.Merge(a)

	assert.Equal(t, []string{"x", "y", "z"}, left.Elements())
	assert.Equal(t, left.Elements(), right.Elements())
}

func TestMergeIsIdempotent(t *testing.T) {
	ts := time.Unix(100, 0)
	cases := map[string]Type{}

	g := NewGSet()
	g.Add("a")
	cases["gset"] = g

	o := NewORSet("n1")
	o.Add("a")
	o.Add("b")
	o.Remove("b")
	cases["orset"] = o

	l := NewLWWRegister()
	l.Set(json.RawMessage(`"v"`), ts, "n1")
	cases["lww"] = l

	p := NewPNCounter()
	p.Increment("n1", 3)
	p.Decrement("n2", 1)
	cases["pncounter"] = p

	m := NewORMap("n1")
	m.Set("k", json.RawMessage(`1`), ts, "n1")
	cases["ormap"] = m

	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			dst := roundTrip(t, src, "n2")
			assert.False(t, mergeInto(t, dst, src), "merging an identical state must not report a change")
			assert.False(t, mergeInto(t, dst, dst))
			assert.Equal(t, src.Value(), dst.Value())
		})
	}
}

func TestORSetConcurrentAddRemove(t *testing.T) {
	n1 := NewORSet("n1")
	n1.AddTag("a", "t1")

	n2 := NewORSet("n2")
	n2.AddTag("a", "t0")
	n2.Remove("a")

	require.True(t, n1.Merge(n2))
	require.True(t, n2.Merge(n1))

	assert.True(t, n1.Has("a"), "add with an unobserved tag survives the remove")
	assert.True(t, n2.Has("a"))
	assert.Equal(t, n1.Elements(), n2.Elements())
}

func TestORSetRemoveThenReAdd(t *testing.T) {
	s := NewORSet("n1")
	s.Add("a")
	assert.True(t, s.Remove("a"))
	assert.False(t, s.Has("a"))
	assert.False(t, s.Remove("a"))

	s.Add("a")
	assert.True(t, s.Has("a"))
}

func TestLWWTieBreakIsDeterministic(t *testing.T) {
	ts := time.Unix(1000, 0)

	n1 := NewLWWRegister()
	n1.Set(json.RawMessage(`"A"`), ts, "n1")
	n2 := NewLWWRegister()
	n2.Set(json.RawMessage(`"B"`), ts, "n2")

	n1.Merge(n2)
	n2.Merge(n1)

	assert.JSONEq(t, `"B"`, string(n1.Get()))
	assert.JSONEq(t, `"B"`, string(n2.Get()))
	assert.Equal(t, "n2", n1.Writer())
}

func TestLWWLaterTimestampWins(t *testing.T) {
	r := NewLWWRegister()
	assert.True(t, r.Set(json.RawMessage(`1`), time.Unix(10, 0), "z"))
	assert.False(t, r.Set(json.RawMessage(`2`), time.Unix(9, 0), "zz"))
	assert.True(t, r.Set(json.RawMessage(`3`), time.Unix(11, 0), "a"))
	assert.JSONEq(t, `3`, string(r.Get()))
}

func TestPNCounterConverges(t *testing.T) {
	n1 := NewPNCounter()
	n1.Increment("n1", 5)
	n2 := NewPNCounter()
	n2.Decrement("n2", 2)
	n3 := NewPNCounter()
	n3.Increment("n3", 1)

	replicas := []*PNCounter{n1, n2, n3}
	for _, dst := range replicas {
		for _, src := range replicas {
			dst.Merge(src)
		}
	}
	for _, r := range replicas {
		assert.Equal(t, int64(4), r.Count())
	}

	raw, err := n1.State()
	require.NoError(t, err)
	changed, err := n2.MergeState(raw)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestORMapSetDeleteRevive(t *testing.T) {
	ts := time.Unix(50, 0)
	a := NewORMap("n1")
	a.Set("color", json.RawMessage(`"red"`), ts, "n1")

	b := roundTrip(t, a, "n2").(*ORMap)
	b.Set("color", json.RawMessage(`"blue"`), ts.Add(time.Second), "n2")
	assert.True(t, a.Delete("color"))
	_, ok := a.Get("color")
	assert.False(t, ok)

	a.Merge(b)
	b.Merge(a)

	v, ok := a.Get("color")
	require.True(t, ok, "concurrent set survives the delete")
	assert.JSONEq(t, `"blue"`, string(v))
	assert.Equal(t, a.Entries(), b.Entries())
}

func TestMergeStateRejectsGarbage(t *testing.T) {
	for _, k := range Kinds {
		typ, err := New(k, "n1")
		require.NoError(t, err)
		_, err = typ.MergeState(json.RawMessage(`{not json`))
		assert.ErrorIs(t, err, ErrBadState, string(k))
	}
}

func TestVectorClock(t *testing.T) {
	a := VectorClock{}
	assert.Equal(t, uint64(1), a.Increment("n1"))
	assert.Equal(t, uint64(2), a.Increment("n1"))

	b := VectorClock{"n2": 3}
	assert.Equal(t, Concurrent, a.Compare(b))

	prev := a.Clone()
	assert.True(t, a.Merge(b))
	assert.False(t, a.Merge(b))
	assert.True(t, a.Dominates(prev), "merge never decreases an entry")
	assert.Equal(t, After, a.Compare(prev))
	assert.Equal(t, Before, prev.Compare(a))
	assert.Equal(t, Equal, a.Compare(a.Clone()))
	assert.Equal(t, VectorClock{"n1": 2, "n2": 3}, a)
}
