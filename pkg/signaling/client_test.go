package signaling

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"

	"github.com/ElisAS4/neonet-sub000/pkg/retry"
)

func TestShortSessionsBackOff(t *testing.T) {
	var dials atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		dials.Add(1)
		_ = conn.Close()
	}))
	defer srv.Close()

	fc := clockwork.NewFakeClock()
	c := NewClient(nil, ClientConfig{
		URL:     "ws" + strings.TrimPrefix(srv.URL, "http"),
		Backoff: retry.Backoff{Base: time.Second, Max: time.Minute},
		Clock:   fc,
	}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	fc.BlockUntil(1)
	assert.Equal(t, int32(1), dials.Load(), "no redial before the backoff elapses")

	fc.Advance(time.Second)
	assert.Eventually(t, func() bool { return dials.Load() == 2 }, time.Second, 5*time.Millisecond)
	fc.BlockUntil(1)

	fc.Advance(time.Second)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), dials.Load(), "the second early drop doubles the delay")
	fc.Advance(time.Second)
	assert.Eventually(t, func() bool { return dials.Load() == 3 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
