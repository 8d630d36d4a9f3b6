package mesh

import (
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ElisAS4/neonet-sub000/pkg/state"
	"github.com/ElisAS4/neonet-sub000/pkg/wire"
)

func TestStateReplicatorResendsFullLogPeriodically(t *testing.T) {
	sm := state.NewManager(nil, state.Config{NodeID: "a", Clock: clockwork.NewFakeClock()})
	_, err := sm.SetState("k", 1, nil)
	require.NoError(t, err)
	r := NewStateReplicator(sm)

	events := func() int {
		t.Helper()
		raw, err := r.Outgoing("b")
		require.NoError(t, err)
		var data state.SyncData
		require.NoError(t, wire.Decode(raw, &data))
		return len(data.Events)
	}

	assert.Equal(t, 1, events())
	for i := 1; i < fullStateEvery-1; i++ {
		assert.Zero(t, events(), "round %d carries only new events", i)
	}
	assert.Equal(t, 1, events(), "a dropped delta is repaired by the full round")
	assert.Zero(t, events())

	r.Reset("b")
	assert.Equal(t, 1, events())
}
