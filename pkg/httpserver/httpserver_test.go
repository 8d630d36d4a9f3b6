package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ElisAS4/neonet-sub000/pkg/relay"
	"github.com/ElisAS4/neonet-sub000/pkg/signaling"
)

func newTestServer(t *testing.T) (*relay.Server, *httptest.Server) {
	t.Helper()
	srv := relay.NewServer(nil, relay.Config{NodeName: "relay-test"})
	ts := httptest.NewServer(NewRouter(nil, srv, "relay-test"))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		ts.Close()
	})
	return srv, ts
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(b)
}

func joinRoom(t *testing.T, ts *httptest.Server, id, room string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?nodeId=" + id
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	b, err := json.Marshal(signaling.Message{Type: signaling.TypeJoinRoom, Room: room})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, b))
	return conn
}

func TestHealthAndReadiness(t *testing.T) {
	srv, ts := newTestServer(t)

	code, body := get(t, ts.URL+"/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body)

	code, _ = get(t, ts.URL+"/readyz")
	assert.Equal(t, http.StatusOK, code)

	require.NoError(t, srv.Shutdown(context.Background()))
	code, _ = get(t, ts.URL+"/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestPeersAndRooms(t *testing.T) {
	_, ts := newTestServer(t)
	joinRoom(t, ts, "n1", "lobby")
	joinRoom(t, ts, "n2", "lobby")
	joinRoom(t, ts, "n3", "games")

	assert.Eventually(t, func() bool {
		_, body := get(t, ts.URL+"/v1/rooms")
		var rooms map[string]int
		return json.Unmarshal([]byte(body), &rooms) == nil && rooms["lobby"] == 2 && rooms["games"] == 1
	}, 2*time.Second, 20*time.Millisecond)

	code, body := get(t, ts.URL+"/v1/peers?room=lobby")
	require.Equal(t, http.StatusOK, code)
	var resp peersResponse
	require.NoError(t, json.Unmarshal([]byte(body), &resp))
	assert.Equal(t, "lobby", resp.Room)
	require.Equal(t, 2, resp.Count)
	assert.Equal(t, "n1", resp.Peers[0].NodeID)
	assert.Equal(t, "n2", resp.Peers[1].NodeID)

	_, body = get(t, ts.URL+"/v1/status")
	var st statusResponse
	require.NoError(t, json.Unmarshal([]byte(body), &st))
	assert.Equal(t, "relay-test", st.Node)
	assert.Equal(t, 3, st.Clients)
	assert.Equal(t, 2, st.Rooms)
	assert.Equal(t, 1, st.Federation)
}

func TestMetricsExposed(t *testing.T) {
	_, ts := newTestServer(t)
	get(t, ts.URL+"/healthz")

	code, body := get(t, ts.URL+"/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "neonet_http_requests_total")
	assert.Contains(t, body, `route="/healthz"`)
}

func TestUnknownRoute(t *testing.T) {
	_, ts := newTestServer(t)
	code, body := get(t, ts.URL+"/nope")
	assert.Equal(t, http.StatusNotFound, code)
	assert.JSONEq(t, `{"error":"not found"}`, body)
}
