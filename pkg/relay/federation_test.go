package relay

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ElisAS4/neonet-sub000/pkg/types"
)

type captured struct {
	mu   sync.Mutex
	msgs map[string][]byte
}

func (c *captured) deliver(id string, b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.msgs == nil {
		c.msgs = make(map[string][]byte)
	}
	c.msgs[id] = b
}

func (c *captured) get(id string) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.msgs[id]
}

func TestLocalFederationDirectory(t *testing.T) {
	hub := NewLocalHub()
	f1 := hub.Join(nil, "r1")
	f2 := hub.Join(nil, "r2")
	var got captured
	f1.SetDeliver(got.deliver)

	f1.Announce(types.PeerInfo{NodeID: "a", Room: "lobby"})
	f1.Announce(types.PeerInfo{NodeID: "b"})
	assert.Equal(t, 2, f2.Members())
	assert.Empty(t, f1.Peers("", 0))
	assert.Len(t, f2.Peers("", 0), 2)
	assert.Len(t, f2.Peers("lobby", 0), 1)
	assert.Len(t, f2.Peers("", 1), 1)

	require.NoError(t, f2.Forward(context.Background(), "a", []byte("hello")))
	assert.Equal(t, []byte("hello"), got.get("a"))
	assert.ErrorIs(t, f1.Forward(context.Background(), "a", nil), ErrUnknownClient)

	f2.Withdraw("a")
	assert.Len(t, f2.Peers("", 0), 2)
	f1.Withdraw("a")
	assert.Len(t, f2.Peers("", 0), 1)

	require.NoError(t, f1.Close())
	assert.Empty(t, f2.Peers("", 0))
	assert.ErrorIs(t, f2.Forward(context.Background(), "b", nil), ErrUnknownClient)
}

func TestMemberlistFederation(t *testing.T) {
	if testing.Short() {
		t.Skip("starts memberlist listeners")
	}
	f1, err := NewMemberlistFederation(nil, MemberlistConfig{NodeName: "m1", BindAddr: "127.0.0.1:0", Profile: "local"})
	require.NoError(t, err)
	f2, err := NewMemberlistFederation(nil, MemberlistConfig{NodeName: "m2", BindAddr: "127.0.0.1:0", Profile: "local", Seeds: []string{f1.Addr()}})
	require.NoError(t, err)
	defer f2.Close()

	assert.Eventually(t, func() bool { return f1.Members() == 2 && f2.Members() == 2 }, 5*time.Second, 50*time.Millisecond)

	var got captured
	f1.SetDeliver(got.deliver)
	f1.Announce(types.PeerInfo{NodeID: "a", Metadata: types.PeerMetadata{Region: "eu"}})

	assert.Eventually(t, func() bool {
		peers := f2.Peers("", 0)
		return len(peers) == 1 && peers[0].Metadata.Region == "eu"
	}, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, f2.Forward(context.Background(), "a", []byte(`{"type":"signal"}`)))
	assert.Eventually(t, func() bool { return string(got.get("a")) == `{"type":"signal"}` }, 5*time.Second, 20*time.Millisecond)
	assert.ErrorIs(t, f2.Forward(context.Background(), "nobody", nil), ErrUnknownClient)

	require.NoError(t, f1.Close())
	assert.Eventually(t, func() bool { return len(f2.Peers("", 0)) == 0 }, 5*time.Second, 50*time.Millisecond)
}

func TestRedisFederation(t *testing.T) {
	addr := os.Getenv("NEONET_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("NEONET_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	prefix := "neonet:test:" + time.Now().Format("150405.000000")
	f1, err := NewRedisFederation(ctx, nil, RedisConfig{Addr: addr, NodeName: "r1", KeyPrefix: prefix})
	require.NoError(t, err)
	f2, err := NewRedisFederation(ctx, nil, RedisConfig{Addr: addr, NodeName: "r2", KeyPrefix: prefix})
	require.NoError(t, err)
	defer f2.Close()

	var got captured
	f1.SetDeliver(got.deliver)
	f1.Announce(types.PeerInfo{NodeID: "a", Room: "lobby"})

	peers := f2.Peers("lobby", 0)
	require.Len(t, peers, 1)
	assert.Equal(t, "a", peers[0].NodeID)
	assert.Empty(t, f1.Peers("", 0))

	require.NoError(t, f2.Forward(ctx, "a", []byte("x")))
	assert.Eventually(t, func() bool { return string(got.get("a")) == "x" }, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, f1.Close())
	assert.Empty(t, f2.Peers("", 0))
	assert.ErrorIs(t, f2.Forward(ctx, "a", nil), ErrUnknownClient)
}
