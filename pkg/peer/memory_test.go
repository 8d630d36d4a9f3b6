package peer

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu       sync.Mutex
	signals  []json.RawMessage
	data     [][]byte
	connects int
	closes   int
	errs     []error
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnSignal: func(s json.RawMessage) {
			r.mu.Lock()
			r.signals = append(r.signals, s)
			r.mu.Unlock()
		},
		OnConnect: func() {
			r.mu.Lock()
			r.connects++
			r.mu.Unlock()
		},
		OnData: func(d []byte) {
			r.mu.Lock()
			r.data = append(r.data, d)
			r.mu.Unlock()
		},
		OnClose: func() {
			r.mu.Lock()
			r.closes++
			r.mu.Unlock()
		},
		OnError: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) lastSignal() json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.signals[len(r.signals)-1]
}

func (r *recorder) received() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.data)
}

func handshake(t *testing.T, n *MemoryNetwork) (Conn, *recorder, Conn, *recorder) {
	t.Helper()
	ra, rb := &recorder{}, &recorder{}
	a, err := n.Factory()("b", true, ra.handlers())
	require.NoError(t, err)
	b, err := n.Factory()("a", false, rb.handlers())
	require.NoError(t, err)

	assert.Equal(t, StateIdle, a.State())
	require.NoError(t, a.Initiate())
	assert.Equal(t, StateSignaling, a.State())

	require.NoError(t, b.Signal(ra.lastSignal()))
	require.NoError(t, a.Signal(rb.lastSignal()))
	assert.Equal(t, StateConnected, a.State())
	assert.Equal(t, StateConnected, b.State())
	return a, ra, b, rb
}

func TestMemoryHandshakeAndOrderedDelivery(t *testing.T) {
	a, ra, b, rb := handshake(t, NewMemoryNetwork(nil))

	for i := 0; i < 50; i++ {
		require.NoError(t, a.Send([]byte{byte(i)}))
	}
	require.Eventually(t, func() bool { return rb.received() == 50 }, time.Second, 5*time.Millisecond)
	rb.mu.Lock()
	for i, d := range rb.data {
		assert.Equal(t, []byte{byte(i)}, d)
	}
	rb.mu.Unlock()

	require.NoError(t, b.Send([]byte("pong")))
	require.Eventually(t, func() bool { return ra.received() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, ra.connects)
	assert.Equal(t, 1, rb.connects)
}

func TestSendBeforeConnectIsRejected(t *testing.T) {
	r := &recorder{}
	c, err := NewMemoryNetwork(nil).Factory()("x", true, r.handlers())
	require.NoError(t, err)
	assert.ErrorIs(t, c.Send([]byte("hi")), ErrNotConnected)
	assert.ErrorIs(t, c.Signal(json.RawMessage(`{"answer":"nope"}`)), ErrBadSignal)
}

func TestDestroyClosesBothSidesOnce(t *testing.T) {
	a, ra, b, rb := handshake(t, NewMemoryNetwork(nil))

	a.Destroy()
	a.Destroy()

	assert.Equal(t, StateClosed, a.State())
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 1, ra.closes)
	assert.Equal(t, 1, rb.closes)
	assert.ErrorIs(t, b.Send([]byte("late")), ErrNotConnected)
}

func TestFailIsTerminalAndExclusive(t *testing.T) {
	a, ra, b, rb := handshake(t, NewMemoryNetwork(nil))

	a.(interface{ Fail(error) }).Fail(errors.New("link lost"))
	a.Destroy()

	assert.Equal(t, StateErrored, a.State())
	assert.Len(t, ra.errs, 1)
	assert.Zero(t, ra.closes)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 1, rb.closes)
}

func TestUnknownOfferErrors(t *testing.T) {
	r := &recorder{}
	c, err := NewMemoryNetwork(nil).Factory()("x", false, r.handlers())
	require.NoError(t, err)
	assert.ErrorIs(t, c.Signal(json.RawMessage(`{"offer":"missing"}`)), ErrBadSignal)
	assert.Equal(t, StateErrored, c.State())
	assert.ErrorIs(t, c.Initiate(), ErrNotInitiator)
}
