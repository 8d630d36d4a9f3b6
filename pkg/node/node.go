// Package node assembles the CRDT manager, the state manager and the mesh
// into one peer and exposes them to a host application.
package node

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/ElisAS4/neonet-sub000/pkg/mesh"
	"github.com/ElisAS4/neonet-sub000/pkg/peer"
	"github.com/ElisAS4/neonet-sub000/pkg/replica"
	"github.com/ElisAS4/neonet-sub000/pkg/state"
	"github.com/ElisAS4/neonet-sub000/pkg/types"
)

var ErrNoTransport = errors.New("node: peer transport factory is required")

// Config configures a Node. NodeID, when set, overrides the ids in the
// nested configs; Clock likewise.
type Config struct {
	NodeID  string
	Mesh    mesh.Config
	Replica replica.Config
	State   state.Config
	Clock   clockwork.Clock
}

func (c Config) withDefaults() Config {
	if c.NodeID == "" {
		c.NodeID = uuid.NewString()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	c.Mesh.NodeID, c.Replica.NodeID, c.State.NodeID = c.NodeID, c.NodeID, c.NodeID
	c.Mesh.Clock, c.Replica.Clock, c.State.Clock = c.Clock, c.Clock, c.Clock
	return c
}

// EventType names host notifications.
type EventType string

const (
	EventPeerJoined    EventType = "peer_joined"
	EventPeerLeft      EventType = "peer_left"
	EventMessage       EventType = "message"
	EventStatusChanged EventType = "status_changed"
	EventError         EventType = "error"
	EventStateChanged  EventType = "state_changed"
	EventCRDTChanged   EventType = "crdt_changed"
)

// Event is what Subscribe delivers. Mesh is set for peer, message, status
// and error events; State for state_changed; CRDTs for crdt_changed.
type Event struct {
	Type  EventType
	Mesh  mesh.Event
	State state.Change
	CRDTs replica.ChangeSet
}

// Node is one participant. Construct with New, then Start.
type Node struct {
	logger *slog.Logger
	cfg    Config

	crdts  *replica.Manager
	states *state.Manager
	mesh   *mesh.Manager

	mu     sync.Mutex
	subs   map[uint64]func(Event)
	next   uint64
	unsubs []func()
	closed bool
}

// New wires a node over factory. newSignaler may be nil to dial
// cfg.Mesh.SignalingURL.
func New(logger *slog.Logger, cfg Config, factory peer.Factory, newSignaler mesh.SignalerFactory) (*Node, error) {
	if factory == nil {
		return nil, ErrNoTransport
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	n := &Node{
		logger: logger.With("component", "node", "node", cfg.NodeID),
		cfg:    cfg,
		subs:   make(map[uint64]func(Event)),
	}
	n.crdts = replica.NewManager(logger, cfg.Replica)
	n.states = state.NewManager(logger, cfg.State)
	n.mesh = mesh.NewManager(logger, cfg.Mesh, factory, newSignaler,
		mesh.NewCRDTReplicator(n.crdts),
		mesh.NewStateReplicator(n.states),
	)

	n.unsubs = append(n.unsubs,
		n.mesh.Subscribe(n.onMesh),
		n.crdts.Subscribe(func(cs replica.ChangeSet) { n.publish(Event{Type: EventCRDTChanged, CRDTs: cs}) }),
		n.states.Subscribe("", func(ch state.Change) { n.publish(Event{Type: EventStateChanged, State: ch}) }),
	)
	return n, nil
}

func (n *Node) onMesh(ev mesh.Event) {
	var t EventType
	switch ev.Type {
	case mesh.EventPeerJoined:
		t = EventPeerJoined
	case mesh.EventPeerLeft:
		t = EventPeerLeft
	case mesh.EventMessage:
		t = EventMessage
	case mesh.EventStatusChanged:
		t = EventStatusChanged
	case mesh.EventError:
		t = EventError
		if errors.Is(ev.Err, mesh.ErrIDReassigned) {
			n.logger.Warn("mesh id differs from the id crdt and state writes are stamped with",
				"configured", n.cfg.NodeID, "mesh", ev.PeerID)
		}
	default:
		return
	}
	n.publish(Event{Type: t, Mesh: ev})
}

// Start runs the managers' background loops and joins the mesh.
func (n *Node) Start(ctx context.Context) {
	n.crdts.Start(ctx)
	n.states.Start(ctx)
	n.mesh.Start(ctx)
	n.logger.Info("node started", "signaling_url", n.cfg.Mesh.SignalingURL)
}

// Close leaves the mesh and stops notifications.
func (n *Node) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	unsubs := n.unsubs
	n.unsubs = nil
	n.mu.Unlock()

	n.mesh.Close()
	n.crdts.Close()
	n.states.Close()
	for _, u := range unsubs {
		u()
	}
	n.logger.Info("node closed")
}

func (n *Node) ID() string { return n.cfg.NodeID }

// CRDTs is the node's CRDT manager.
func (n *Node) CRDTs() *replica.Manager { return n.crdts }

// States is the node's event-sourced state manager.
func (n *Node) States() *state.Manager { return n.states }

func (n *Node) Mesh() *mesh.Manager { return n.mesh }

func (n *Node) Status() types.ConnectionStatus { return n.mesh.Status() }

// Subscribe registers fn for every node event and returns a cancel func.
func (n *Node) Subscribe(fn func(Event)) func() {
	n.mu.Lock()
	id := n.next
	n.next++
	n.subs[id] = fn
	n.mu.Unlock()
	return func() {
		n.mu.Lock()
		delete(n.subs, id)
		n.mu.Unlock()
	}
}

// On registers fn for events of one type.
func (n *Node) On(t EventType, fn func(Event)) func() {
	return n.Subscribe(func(ev Event) {
		if ev.Type == t {
			fn(ev)
		}
	})
}

func (n *Node) publish(ev Event) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	fns := make([]func(Event), 0, len(n.subs))
	for _, fn := range n.subs {
		fns = append(fns, fn)
	}
	n.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// SendMessage delivers payload to one peer.
func (n *Node) SendMessage(peerID string, payload any) error {
	return n.mesh.SendMessage(peerID, payload)
}

// BroadcastMessage sends payload to every directly connected peer.
func (n *Node) BroadcastMessage(payload any) (int, error) {
	return n.mesh.BroadcastMessage(payload)
}

// Sync pushes CRDT and state payloads to every linked peer now instead of
// waiting for the next sync tick.
func (n *Node) Sync() { n.mesh.PushSync() }
