package peer

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// MemoryNetwork is an in-process transport. The handshake still travels through
// the caller's signaling path: the initiator emits a rendezvous token and the
// answering side claims it.
type MemoryNetwork struct {
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*memoryConn
}

func NewMemoryNetwork(logger *slog.Logger) *MemoryNetwork {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryNetwork{
		logger:  logger.With("component", "peer_memory"),
		pending: make(map[string]*memoryConn),
	}
}

type memorySignal struct {
	Offer  string `json:"offer,omitempty"`
	Answer string `json:"answer,omitempty"`
}

const memoryInboxSize = 1024

type memoryConn struct {
	*lifecycle
	net *MemoryNetwork

	mu     sync.Mutex
	token  string
	remote *memoryConn
	inbox  chan []byte
	done   chan struct{}
	once   sync.Once
}

// Factory returns a Factory producing connections on this network.
func (n *MemoryNetwork) Factory() Factory {
	return func(peerID string, initiator bool, h Handlers) (Conn, error) {
		return &memoryConn{
			lifecycle: newLifecycle(n.logger, peerID, initiator, h),
			net:       n,
			inbox:     make(chan []byte, memoryInboxSize),
			done:      make(chan struct{}),
		}, nil
	}
}

func (c *memoryConn) Initiate() error {
	if !c.initiator {
		return ErrNotInitiator
	}
	token := uuid.NewString()
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()

	c.net.mu.Lock()
	c.net.pending[token] = c
	c.net.mu.Unlock()

	c.emitSignal(memorySignal{Offer: token})
	return nil
}

func (c *memoryConn) Signal(data json.RawMessage) error {
	var sig memorySignal
	if err := json.Unmarshal(data, &sig); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignal, err)
	}
	switch {
	case sig.Offer != "" && !c.initiator:
		c.signaling()
		c.net.mu.Lock()
		remote, ok := c.net.pending[sig.Offer]
		delete(c.net.pending, sig.Offer)
		c.net.mu.Unlock()
		if !ok || remote.State().Terminal() {
			err := fmt.Errorf("%w: unknown offer", ErrBadSignal)
			c.fail(err)
			return err
		}
		c.link(remote)
		remote.link(c)
		c.emitSignal(memorySignal{Answer: sig.Offer})
		c.start()
		return nil
	case sig.Answer != "" && c.initiator:
		c.mu.Lock()
		ok := sig.Answer == c.token && c.remote != nil
		c.mu.Unlock()
		if !ok {
			return fmt.Errorf("%w: unexpected answer", ErrBadSignal)
		}
		c.start()
		return nil
	default:
		return fmt.Errorf("%w: unexpected signal for this side", ErrBadSignal)
	}
}

func (c *memoryConn) link(remote *memoryConn) {
	c.mu.Lock()
	c.remote = remote
	c.mu.Unlock()
}

func (c *memoryConn) start() {
	c.connected()
	go c.pump()
}

func (c *memoryConn) pump() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.inbox:
			c.deliver(data)
		}
	}
}

func (c *memoryConn) Send(data []byte) error {
	if err := c.checkSend(); err != nil {
		return err
	}
	c.mu.Lock()
	remote := c.remote
	c.mu.Unlock()
	if remote == nil || remote.State().Terminal() {
		return ErrNotConnected
	}
	msg := append([]byte(nil), data...)
	select {
	case remote.inbox <- msg:
		return nil
	case <-remote.done:
		return ErrNotConnected
	}
}

func (c *memoryConn) Destroy() {
	c.teardown()
	c.mu.Lock()
	remote := c.remote
	c.mu.Unlock()
	if remote != nil {
		remote.teardown()
	}
}

func (c *memoryConn) teardown() {
	c.once.Do(func() {
		close(c.done)
		c.mu.Lock()
		token := c.token
		c.mu.Unlock()
		if token != "" {
			c.net.mu.Lock()
			if c.net.pending[token] == c {
				delete(c.net.pending, token)
			}
			c.net.mu.Unlock()
		}
		c.close()
	})
}

// Fail injects a transport error, as a lost network path would.
func (c *memoryConn) Fail(err error) {
	c.once.Do(func() { close(c.done) })
	c.fail(err)
	c.mu.Lock()
	remote := c.remote
	c.mu.Unlock()
	if remote != nil {
		remote.teardown()
	}
}
