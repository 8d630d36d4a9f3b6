package mesh

import (
	"sync"

	"github.com/ElisAS4/neonet-sub000/pkg/replica"
	"github.com/ElisAS4/neonet-sub000/pkg/state"
)

// Replicator plugs a data manager into the mesh sync loop. The mesh calls
// Outgoing for every peer on each sync round and Incoming for every
// received frame of FrameType.
type Replicator interface {
	FrameType() FrameType
	Outgoing(peerID string) ([]byte, error)
	Incoming(peerID string, data []byte) error
	// Reset forgets per-peer progress so the next Outgoing is complete.
	Reset(peerID string)
}

// CRDTReplicator pushes full CRDT state on every round.
type CRDTReplicator struct {
	m *replica.Manager
}

func NewCRDTReplicator(m *replica.Manager) *CRDTReplicator { return &CRDTReplicator{m: m} }

func (r *CRDTReplicator) FrameType() FrameType { return FrameCRDTSync }

func (r *CRDTReplicator) Outgoing(peerID string) ([]byte, error) {
	return r.m.EncodeSyncPayload(peerID)
}

func (r *CRDTReplicator) Incoming(peerID string, data []byte) error {
	return r.m.HandleIncomingSync(peerID, data)
}

func (r *CRDTReplicator) Reset(string) {}

// fullStateEvery is how many rounds a peer gets deltas before it is sent
// the whole retained log again. Frames carry no acknowledgement, so a
// dropped delta is only repaired by a later full round.
const fullStateEvery = 10

// StateReplicator sends each peer only the events appended since the
// last round it was sent, and the whole retained log every
// fullStateEvery rounds.
type StateReplicator struct {
	m *state.Manager

	mu     sync.Mutex
	sent   map[string]uint64
	rounds map[string]int
}

func NewStateReplicator(m *state.Manager) *StateReplicator {
	return &StateReplicator{m: m, sent: make(map[string]uint64), rounds: make(map[string]int)}
}

func (r *StateReplicator) FrameType() FrameType { return FrameStateSync }

func (r *StateReplicator) Outgoing(peerID string) ([]byte, error) {
	r.mu.Lock()
	from := r.sent[peerID]
	if r.rounds[peerID]%fullStateEvery == fullStateEvery-1 {
		from = 0
	}
	r.rounds[peerID]++
	r.mu.Unlock()
	data, current, err := r.m.EncodeSyncData(from)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.sent[peerID] = current + 1
	r.mu.Unlock()
	return data, nil
}

func (r *StateReplicator) Incoming(peerID string, data []byte) error {
	_, err := r.m.HandleIncomingSync(peerID, data)
	return err
}

func (r *StateReplicator) Reset(peerID string) {
	r.mu.Lock()
	delete(r.sent, peerID)
	delete(r.rounds, peerID)
	r.mu.Unlock()
}
