package relay

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ElisAS4/neonet-sub000/pkg/signaling"
	"github.com/ElisAS4/neonet-sub000/pkg/types"
)

type testClient struct {
	t    *testing.T
	conn *websocket.Conn
	id   string
}

func startRelay(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	srv := NewServer(nil, cfg)
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		ts.Close()
	})
	return srv, ts
}

func dial(t *testing.T, ts *httptest.Server, nodeID string) *testClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	if nodeID != "" {
		url += "?nodeId=" + nodeID
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	c := &testClient{t: t, conn: conn}
	welcome := c.expect(signaling.TypeWelcome)
	require.NotEmpty(t, welcome.ClientID)
	c.id = welcome.ClientID
	return c
}

func (c *testClient) send(m signaling.Message) {
	c.t.Helper()
	b, err := json.Marshal(m)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, b))
}

func (c *testClient) sendRaw(s string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, []byte(s)))
}

// expect reads until a message of type want arrives, skipping others.
func (c *testClient) expect(want signaling.MessageType) signaling.Message {
	c.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(c.t, c.conn.SetReadDeadline(deadline))
		_, data, err := c.conn.ReadMessage()
		require.NoError(c.t, err, "waiting for %s", want)
		m, err := signaling.Decode(data)
		require.NoError(c.t, err)
		if m.Type == want {
			return m
		}
	}
}

func TestWelcomeHonoursRequestedID(t *testing.T) {
	srv, ts := startRelay(t, Config{})

	a := dial(t, ts, "alpha")
	assert.Equal(t, "alpha", a.id)

	dup := dial(t, ts, "alpha")
	assert.NotEqual(t, "alpha", dup.id)

	anon := dial(t, ts, "")
	assert.NotEmpty(t, anon.id)

	assert.Eventually(t, func() bool { return srv.ClientCount() == 3 }, time.Second, 10*time.Millisecond)
}

func TestSignalRelayedWithSender(t *testing.T) {
	_, ts := startRelay(t, Config{})
	a := dial(t, ts, "a")
	b := dial(t, ts, "b")

	a.send(signaling.Message{Type: signaling.TypeSignal, TargetID: "b", Signal: json.RawMessage(`{"sdp":"x"}`)})
	got := b.expect(signaling.TypeSignal)
	assert.Equal(t, "a", got.SenderID)
	assert.JSONEq(t, `{"sdp":"x"}`, string(got.Signal))

	b.send(signaling.Message{Type: signaling.TypeMessage, TargetID: "a", Payload: json.RawMessage(`[1,2]`)})
	back := a.expect(signaling.TypeMessage)
	assert.Equal(t, "b", back.SenderID)
	assert.JSONEq(t, `[1,2]`, string(back.Payload))

	a.send(signaling.Message{Type: signaling.TypeSignal, TargetID: "ghost"})
	e := a.expect(signaling.TypeError)
	assert.Equal(t, "peer not found", e.Error)
	assert.Equal(t, "ghost", e.TargetID)
}

func TestRoomsScopeDiscoveryAndPrune(t *testing.T) {
	srv, ts := startRelay(t, Config{})
	a := dial(t, ts, "a")
	b := dial(t, ts, "b")
	c := dial(t, ts, "c")

	a.sendRaw(`{"type":"join-room","room":"lobby"}`)
	b.send(signaling.Message{Type: signaling.TypeJoinRoom, Room: "lobby"})
	upd := a.expect(signaling.TypePeerUpdate)
	require.NotNil(t, upd.Peer)
	assert.Equal(t, "b", upd.Peer.NodeID)
	assert.Equal(t, "lobby", upd.Peer.Room)

	a.send(signaling.Message{Type: signaling.TypePeerDiscoveryRequest})
	list := a.expect(signaling.TypePeerList)
	require.Len(t, list.Peers, 1)
	assert.Equal(t, "b", list.Peers[0].NodeID)

	c.sendRaw(`{"type":"peer-discovery"}`)
	global := c.expect(signaling.TypePeerList)
	assert.Len(t, global.Peers, 2)

	assert.Equal(t, map[string]int{"lobby": 2}, srv.Rooms())
	assert.Len(t, srv.Peers("lobby"), 2)

	b.send(signaling.Message{Type: signaling.TypeLeaveRoom})
	left := a.expect(signaling.TypePeerLeft)
	assert.Equal(t, "b", left.PeerID)

	require.NoError(t, a.conn.Close())
	assert.Eventually(t, func() bool { return len(srv.Rooms()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestDiscoveryFiltersAndLimit(t *testing.T) {
	_, ts := startRelay(t, Config{MaxDiscoveryPeers: 2})
	asker := dial(t, ts, "asker")
	for _, p := range []struct {
		id, region string
		caps       []string
	}{
		{"eu1", "eu", []string{"video"}},
		{"eu2", "eu", nil},
		{"us1", "us", []string{"video"}},
		{"us2", "us", []string{"video"}},
	} {
		c := dial(t, ts, p.id)
		c.send(signaling.Message{Type: signaling.TypeRegister, Metadata: &types.PeerMetadata{Region: p.region, Capabilities: p.caps}})
		c.send(signaling.Message{Type: signaling.TypePing})
		c.expect(signaling.TypePong)
	}

	asker.send(signaling.Message{Type: signaling.TypePeerDiscoveryRequest, Filters: &signaling.DiscoveryFilters{Region: "eu", Capabilities: []string{"video"}}})
	list := asker.expect(signaling.TypePeerList)
	require.Len(t, list.Peers, 1)
	assert.Equal(t, "eu1", list.Peers[0].NodeID)
	assert.Equal(t, []string{"video"}, list.Peers[0].Metadata.Capabilities)

	asker.send(signaling.Message{Type: signaling.TypePeerDiscoveryRequest})
	assert.Len(t, asker.expect(signaling.TypePeerList).Peers, 2)
}

func TestBroadcastStaysInRoom(t *testing.T) {
	_, ts := startRelay(t, Config{})
	a := dial(t, ts, "a")
	b := dial(t, ts, "b")
	outsider := dial(t, ts, "o")

	a.send(signaling.Message{Type: signaling.TypeJoinRoom, Room: "r"})
	b.send(signaling.Message{Type: signaling.TypeJoinRoom, Room: "r"})
	a.expect(signaling.TypePeerUpdate)

	a.send(signaling.Message{Type: signaling.TypeBroadcast, Payload: json.RawMessage(`"hi"`)})
	got := b.expect(signaling.TypeBroadcast)
	assert.Equal(t, "a", got.SenderID)

	outsider.send(signaling.Message{Type: signaling.TypeHeartbeat})
	outsider.expect(signaling.TypePong)
	// outsider only saw the pong
	require.NoError(t, outsider.conn.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, _, err := outsider.conn.ReadMessage()
	assert.Error(t, err)
}

func TestMalformedAndUnknown(t *testing.T) {
	_, ts := startRelay(t, Config{})
	a := dial(t, ts, "a")

	a.sendRaw(`not json`)
	assert.Equal(t, "malformed message", a.expect(signaling.TypeError).Error)

	a.sendRaw(`{"type":"teleport"}`)
	assert.Contains(t, a.expect(signaling.TypeError).Error, "unknown message type")

	a.send(signaling.Message{Type: signaling.TypeSignal})
	assert.Equal(t, "targetId required", a.expect(signaling.TypeError).Error)
}

func TestDisconnectNotifiesPeers(t *testing.T) {
	_, ts := startRelay(t, Config{})
	a := dial(t, ts, "a")
	b := dial(t, ts, "b")

	require.NoError(t, b.conn.Close())
	left := a.expect(signaling.TypePeerLeft)
	assert.Equal(t, "b", left.PeerID)
}

func TestShutdownNotifiesClients(t *testing.T) {
	srv := NewServer(nil, Config{})
	ts := httptest.NewServer(srv)
	defer ts.Close()
	a := dial(t, ts, "a")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	a.expect(signaling.TypeServerShutdown)

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, 503, resp.StatusCode)
	}
}

func TestLocalHubForwardsAcrossRelays(t *testing.T) {
	hub := NewLocalHub()
	_, ts1 := startRelay(t, Config{NodeName: "r1", Federation: hub.Join(nil, "r1")})
	_, ts2 := startRelay(t, Config{NodeName: "r2", Federation: hub.Join(nil, "r2")})

	a := dial(t, ts1, "a")
	b := dial(t, ts2, "b")
	b.send(signaling.Message{Type: signaling.TypeRegister, Metadata: &types.PeerMetadata{Region: "eu"}})
	b.send(signaling.Message{Type: signaling.TypePing})
	b.expect(signaling.TypePong)

	a.send(signaling.Message{Type: signaling.TypePeerDiscoveryRequest})
	list := a.expect(signaling.TypePeerList)
	require.Len(t, list.Peers, 1)
	assert.Equal(t, "b", list.Peers[0].NodeID)
	assert.Equal(t, "eu", list.Peers[0].Metadata.Region)

	a.send(signaling.Message{Type: signaling.TypeSignal, TargetID: "b", Signal: json.RawMessage(`{"candidate":1}`)})
	got := b.expect(signaling.TypeSignal)
	assert.Equal(t, "a", got.SenderID)
}
