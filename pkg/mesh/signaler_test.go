package mesh

import (
	"context"
	"errors"
	"sync"

	"github.com/ElisAS4/neonet-sub000/pkg/signaling"
	"github.com/ElisAS4/neonet-sub000/pkg/types"
)

var errGaveUp = errors.New("fake relay: gave up")

// fakeRelay routes signaling messages between in-process managers the way
// the relay server does, delivering asynchronously per node.
type fakeRelay struct {
	mu    sync.Mutex
	nodes map[string]*fakeSignaler
}

func newFakeRelay() *fakeRelay { return &fakeRelay{nodes: make(map[string]*fakeSignaler)} }

func (r *fakeRelay) factory(id string) SignalerFactory {
	return func(onMessage func(signaling.Message), onStatus func(signaling.Status)) Signaler {
		s := &fakeSignaler{
			relay:     r,
			id:        id,
			onMessage: onMessage,
			onStatus:  onStatus,
			inbox:     make(chan signaling.Message, 1024),
			control:   make(chan signaling.Status, 8),
		}
		r.mu.Lock()
		r.nodes[id] = s
		r.mu.Unlock()
		return s
	}
}

func (r *fakeRelay) node(id string) *fakeSignaler {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nodes[id]
}

func (r *fakeRelay) others(self string) []*fakeSignaler {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*fakeSignaler
	for id, n := range r.nodes {
		if id != self && n.isUp() {
			out = append(out, n)
		}
	}
	return out
}

type fakeSignaler struct {
	relay     *fakeRelay
	id        string
	onMessage func(signaling.Message)
	onStatus  func(signaling.Status)
	inbox     chan signaling.Message
	control   chan signaling.Status

	mu       sync.Mutex
	up       bool
	metadata types.PeerMetadata
	sent     []signaling.Message
}

func (s *fakeSignaler) isUp() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.up
}

func (s *fakeSignaler) info() types.PeerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return types.PeerInfo{NodeID: s.id, Metadata: s.metadata.Clone()}
}

func (s *fakeSignaler) setUp(up bool) {
	s.mu.Lock()
	s.up = up
	s.mu.Unlock()
}

func (s *fakeSignaler) Run(ctx context.Context) error {
	s.onStatus(signaling.StatusConnecting)
	s.setUp(true)
	s.onStatus(signaling.StatusConnected)
	s.onMessage(signaling.Message{Type: signaling.TypeWelcome, ClientID: s.id})
	for {
		select {
		case <-ctx.Done():
			s.setUp(false)
			return ctx.Err()
		case st := <-s.control:
			switch st {
			case signaling.StatusLost:
				s.setUp(false)
				s.onStatus(signaling.StatusLost)
				s.onStatus(signaling.StatusConnecting)
			case signaling.StatusConnected:
				s.setUp(true)
				s.onStatus(signaling.StatusConnected)
			case signaling.StatusGaveUp:
				s.onStatus(signaling.StatusGaveUp)
				return errGaveUp
			}
		case msg := <-s.inbox:
			s.onMessage(msg)
		}
	}
}

func (s *fakeSignaler) deliver(msg signaling.Message) {
	if s.isUp() {
		s.inbox <- msg
	}
}

func (s *fakeSignaler) Send(msg signaling.Message) error {
	if !s.isUp() {
		return signaling.ErrNotConnected
	}
	s.mu.Lock()
	s.sent = append(s.sent, msg)
	s.mu.Unlock()

	switch msg.Type {
	case signaling.TypeRegister:
		s.mu.Lock()
		if msg.Metadata != nil {
			s.metadata = msg.Metadata.Clone()
		}
		s.mu.Unlock()
		info := s.info()
		for _, o := range s.relay.others(s.id) {
			o.deliver(signaling.Message{Type: signaling.TypePeerUpdate, Peer: &info})
		}
	case signaling.TypePeerDiscoveryRequest:
		var peers []types.PeerInfo
		for _, o := range s.relay.others(s.id) {
			peers = append(peers, o.info())
		}
		s.deliver(signaling.Message{Type: signaling.TypePeerList, Peers: peers})
	case signaling.TypeSignal, signaling.TypeMessage:
		target := s.relay.node(msg.TargetID)
		if target == nil || !target.isUp() {
			s.deliver(signaling.Message{Type: signaling.TypeError, Error: "peer not found", TargetID: msg.TargetID})
			return nil
		}
		msg.SenderID, msg.TargetID = s.id, ""
		target.deliver(msg)
	case signaling.TypeHeartbeat:
		s.deliver(signaling.Message{Type: signaling.TypePong})
	}
	return nil
}

func (s *fakeSignaler) count(t signaling.MessageType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.sent {
		if m.Type == t {
			n++
		}
	}
	return n
}
