// Package peer abstracts a direct, bidirectional, message-oriented link to
// another node that is bootstrapped by exchanging opaque signals through a
// relay.
package peer

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
)

var (
	ErrNotConnected   = errors.New("peer: connection not established")
	ErrNotInitiator   = errors.New("peer: only the initiating side calls Initiate")
	ErrBadSignal      = errors.New("peer: malformed signal")
	ErrConnectTimeout = errors.New("peer: connection attempt timed out")
)

// State is the lifecycle position of a connection.
type State string

const (
	StateIdle      State = "idle"
	StateSignaling State = "signaling"
	StateConnected State = "connected"
	StateClosed    State = "closed"
	StateErrored   State = "errored"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool { return s == StateClosed || s == StateErrored }

// Handlers receive connection events. OnConnect fires at most once, OnClose
// and OnError are mutually exclusive and nothing fires after either.
type Handlers struct {
	OnSignal  func(signal json.RawMessage)
	OnConnect func()
	OnData    func(data []byte)
	OnClose   func()
	OnError   func(err error)
}

// Conn is one direct link.
type Conn interface {
	PeerID() string
	Initiator() bool
	State() State
	// Initiate starts the handshake on the initiating side.
	Initiate() error
	// Signal feeds a signal received from the remote side.
	Signal(data json.RawMessage) error
	// Send transmits one message; it fails with ErrNotConnected unless connected.
	Send(data []byte) error
	// Destroy closes the link. It is safe to call more than once.
	Destroy()
}

// Factory creates a connection to peerID.
type Factory func(peerID string, initiator bool, h Handlers) (Conn, error)

// lifecycle enforces the state machine and callback guarantees shared by
// every transport.
type lifecycle struct {
	logger    *slog.Logger
	peerID    string
	initiator bool
	h         Handlers

	mu    sync.Mutex
	state State
}

func newLifecycle(logger *slog.Logger, peerID string, initiator bool, h Handlers) *lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	return &lifecycle{
		logger:    logger.With("peer", peerID, "initiator", initiator),
		peerID:    peerID,
		initiator: initiator,
		h:         h,
		state:     StateIdle,
	}
}

func (l *lifecycle) PeerID() string  { return l.peerID }
func (l *lifecycle) Initiator() bool { return l.initiator }

func (l *lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *lifecycle) connectedNow() bool { return l.State() == StateConnected }

// emitSignal forwards an outgoing signal, moving idle connections to signaling.
func (l *lifecycle) emitSignal(sig any) {
	raw, err := json.Marshal(sig)
	if err != nil {
		l.fail(err)
		return
	}
	l.mu.Lock()
	if l.state.Terminal() {
		l.mu.Unlock()
		return
	}
	if l.state == StateIdle {
		l.state = StateSignaling
	}
	l.mu.Unlock()
	if l.h.OnSignal != nil {
		l.h.OnSignal(raw)
	}
}

func (l *lifecycle) signaling() {
	l.mu.Lock()
	if l.state == StateIdle {
		l.state = StateSignaling
	}
	l.mu.Unlock()
}

func (l *lifecycle) connected() {
	l.mu.Lock()
	if l.state != StateIdle && l.state != StateSignaling {
		l.mu.Unlock()
		return
	}
	l.state = StateConnected
	l.mu.Unlock()
	if l.h.OnConnect != nil {
		l.h.OnConnect()
	}
}

func (l *lifecycle) deliver(data []byte) {
	if !l.connectedNow() {
		return
	}
	if l.h.OnData != nil {
		l.h.OnData(data)
	}
}

func (l *lifecycle) fail(err error) {
	l.mu.Lock()
	if l.state.Terminal() {
		l.mu.Unlock()
		return
	}
	l.state = StateErrored
	l.mu.Unlock()
	l.logger.Debug("peer connection errored", "error", err)
	if l.h.OnError != nil {
		l.h.OnError(err)
	}
}

// close reports whether this call performed the transition.
func (l *lifecycle) close() bool {
	l.mu.Lock()
	if l.state.Terminal() {
		l.mu.Unlock()
		return false
	}
	l.state = StateClosed
	l.mu.Unlock()
	if l.h.OnClose != nil {
		l.h.OnClose()
	}
	return true
}

func (l *lifecycle) checkSend() error {
	if !l.connectedNow() {
		l.logger.Warn("send on unconnected peer connection ignored", "state", l.State())
		return ErrNotConnected
	}
	return nil
}
