package replica

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ElisAS4/neonet-sub000/pkg/crdt"
)

func newTestManager(node string, clock clockwork.Clock) *Manager {
	return NewManager(nil, Config{NodeID: node, BatchSize: 10, Clock: clock})
}

// exchange ships a full sync payload from src to dst and drains dst's queue.
func exchange(t *testing.T, src, dst *Manager) {
	t.Helper()
	data, err := src.EncodeSyncPayload(dst.NodeID())
	require.NoError(t, err)
	require.NoError(t, dst.HandleIncomingSync(src.NodeID(), data))
	for dst.QueueLen() > 0 {
		dst.ProcessQueue()
	}
}

func TestCountersConvergeAcrossReplicas(t *testing.T) {
	fc := clockwork.NewFakeClock()
	n1, n2, n3 := newTestManager("n1", fc), newTestManager("n2", fc), newTestManager("n3", fc)

	require.NoError(t, n1.CreatePNCounter("c", 0))
	exchange(t, n1, n2)
	exchange(t, n1, n3)

	require.NoError(t, n1.Increment("c", 5))
	require.NoError(t, n2.Decrement("c", 2))
	require.NoError(t, n3.Increment("c", 1))

	all := []*Manager{n1, n2, n3}
	for _, src := range all {
		for _, dst := range all {
			if src != dst {
				exchange(t, src, dst)
			}
		}
	}
	for _, m := range all {
		v, err := m.Value("c")
		require.NoError(t, err)
		assert.Equal(t, int64(4), v, m.NodeID())
	}
}

func TestUnknownCRDTIsCreatedFromSync(t *testing.T) {
	fc := clockwork.NewFakeClock()
	a, b := newTestManager("a", fc), newTestManager("b", fc)

	require.NoError(t, a.CreateORMap("profile", map[string]any{"name": "ada"}))
	require.NoError(t, a.CreateORSet("tags", "x", "y"))
	require.NoError(t, a.Remove("tags", "x"))

	exchange(t, a, b)

	inst, ok := b.Get("profile")
	require.True(t, ok)
	assert.Equal(t, crdt.KindORMap, inst.Kind)
	assert.Equal(t, "a", inst.Owner)
	entries := inst.Value.(map[string]json.RawMessage)
	assert.JSONEq(t, `"ada"`, string(entries["name"]))

	tags, err := b.Value("tags")
	require.NoError(t, err)
	assert.Equal(t, []string{"y"}, tags)

	assert.True(t, b.VectorClock().Dominates(a.VectorClock()))
}

func TestLocalMutationsBumpClock(t *testing.T) {
	m := newTestManager("n1", clockwork.NewFakeClock())
	require.NoError(t, m.CreateLWWRegister("r", "first"))
	before := m.VectorClock()["n1"]

	require.NoError(t, m.Set("r", "second"))
	require.NoError(t, m.Set("r", "third"))

	assert.Equal(t, before+2, m.VectorClock()["n1"])
	v, err := m.Value("r")
	require.NoError(t, err)
	assert.JSONEq(t, `"third"`, string(v.(json.RawMessage)), "writes at the same instant still supersede each other")
}

func TestMutatorsRejectWrongKind(t *testing.T) {
	m := newTestManager("n1", clockwork.NewFakeClock())
	require.NoError(t, m.CreateGSet("g", "a"))

	assert.ErrorIs(t, m.Remove("g", "a"), ErrWrongKind)
	assert.ErrorIs(t, m.Increment("g", 1), ErrWrongKind)
	assert.ErrorIs(t, m.Add("missing", "a"), ErrNotFound)
	assert.ErrorIs(t, m.CreateGSet("g"), ErrExists)
}

func TestCorruptPayloadLeavesStateUntouched(t *testing.T) {
	m := newTestManager("n1", clockwork.NewFakeClock())
	require.NoError(t, m.CreateGSet("g", "a"))

	err := m.HandleIncomingSync("evil", []byte(`{"compressed":true,"data":"AAAA"}`))
	assert.ErrorIs(t, err, ErrSyncDecode)
	assert.Zero(t, m.QueueLen())

	v, _ := m.Value("g")
	assert.Equal(t, []string{"a"}, v)
}

func TestBatchIsBoundedAndNotifiesOnce(t *testing.T) {
	fc := clockwork.NewFakeClock()
	src := newTestManager("src", fc)
	dst := NewManager(nil, Config{NodeID: "dst", BatchSize: 2, Clock: fc})
	require.NoError(t, src.CreateGSet("g", "a"))

	var calls atomic.Int32
	cancel := dst.Subscribe(func(cs ChangeSet) {
		calls.Add(1)
		assert.Equal(t, []string{"g"}, cs.IDs)
		assert.False(t, cs.Local)
	})
	defer cancel()

	for i := 0; i < 3; i++ {
		dst.Enqueue("src", src.GenerateSyncPayload("dst"))
	}
	assert.Equal(t, 0, int(calls.Load()), "incoming sync is never merged synchronously")

	assert.Equal(t, 2, dst.ProcessQueue())
	assert.Equal(t, 1, dst.QueueLen())
	assert.Equal(t, int32(1), calls.Load())

	assert.Equal(t, 1, dst.ProcessQueue())
	assert.Equal(t, int32(1), calls.Load(), "duplicate payloads do not notify")
}

func TestStartDrainsQueueOnTick(t *testing.T) {
	fc := clockwork.NewFakeClock()
	src := newTestManager("src", fc)
	dst := newTestManager("dst", fc)
	require.NoError(t, src.CreateGSet("g", "a"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dst.Start(ctx)
	dst.Enqueue("src", src.GenerateSyncPayload("dst"))

	assert.Eventually(t, func() bool {
		fc.Advance(time.Second)
		return dst.QueueLen() == 0
	}, 2*time.Second, 10*time.Millisecond)

	_, ok := dst.Get("g")
	assert.True(t, ok)
}

func TestKindMismatchIsIgnored(t *testing.T) {
	fc := clockwork.NewFakeClock()
	a, b := newTestManager("a", fc), newTestManager("b", fc)
	require.NoError(t, a.CreateGSet("x", "1"))
	require.NoError(t, b.CreatePNCounter("x", 3))

	exchange(t, a, b)

	v, err := b.Value("x")
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)
}

func TestORMapOverwriteWithinOneClockTick(t *testing.T) {
	m := newTestManager("n1", clockwork.NewFakeClock())
	require.NoError(t, m.CreateORMap("m", nil))

	require.NoError(t, m.SetKey("m", "k", "first"))
	require.NoError(t, m.SetKey("m", "k", "second"))

	v, err := m.Value("m")
	require.NoError(t, err)
	assert.JSONEq(t, `"second"`, string(v.(map[string]json.RawMessage)["k"]))
}

func TestORMapLocalWriteBeatsAheadRemoteWrite(t *testing.T) {
	fc := clockwork.NewFakeClock()
	ahead := newTestManager("a", clockwork.NewFakeClockAt(fc.Now().Add(time.Minute)))
	local := newTestManager("b", fc)
	require.NoError(t, ahead.CreateORMap("m", map[string]any{"k": "remote"}))
	exchange(t, ahead, local)

	require.NoError(t, local.SetKey("m", "k", "local"))
	exchange(t, local, ahead)

	for _, m := range []*Manager{ahead, local} {
		v, err := m.Value("m")
		require.NoError(t, err)
		assert.JSONEq(t, `"local"`, string(v.(map[string]json.RawMessage)["k"]), m.NodeID())
	}
}

func TestCloseStopsLoopAndDropsQueue(t *testing.T) {
	fc := clockwork.NewFakeClock()
	src := newTestManager("src", fc)
	dst := newTestManager("dst", fc)
	require.NoError(t, src.CreateGSet("g", "a"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dst.Start(ctx)
	dst.Enqueue("src", src.GenerateSyncPayload("dst"))
	require.Equal(t, 1, dst.QueueLen())

	dst.Close()
	assert.Zero(t, dst.QueueLen())
	dst.Enqueue("src", src.GenerateSyncPayload("dst"))
	assert.Zero(t, dst.QueueLen(), "payloads after close are discarded")

	fc.Advance(time.Second)
	_, ok := dst.Get("g")
	assert.False(t, ok)
	dst.Close()
}
