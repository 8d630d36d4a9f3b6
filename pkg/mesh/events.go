package mesh

import (
	"encoding/json"
	"sync"

	"github.com/ElisAS4/neonet-sub000/pkg/types"
)

// EventType classifies an Event delivered to subscribers.
type EventType string

const (
	EventPeerJoined    EventType = "peer_joined"
	EventPeerLeft      EventType = "peer_left"
	EventMessage       EventType = "message"
	EventStatusChanged EventType = "status_changed"
	EventError         EventType = "error"
)

// Event is a host-facing notification. Only the fields relevant to Type
// are set.
type Event struct {
	Type    EventType
	PeerID  string
	Frame   FrameType
	Payload json.RawMessage
	Status  types.ConnectionStatus
	Err     error
}

type bus struct {
	mu   sync.Mutex
	subs map[uint64]func(Event)
	next uint64
}

func newBus() *bus { return &bus{subs: make(map[uint64]func(Event))} }

func (b *bus) subscribe(fn func(Event)) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

func (b *bus) publish(ev Event) {
	b.mu.Lock()
	fns := make([]func(Event), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}
