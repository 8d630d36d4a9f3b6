package replica

import (
	"encoding/json"
	"time"

	"github.com/ElisAS4/neonet-sub000/pkg/crdt"
)

// Payload is the full-state sync message exchanged between replicas.
type Payload struct {
	NodeID      string                `json:"nodeId"`
	VectorClock crdt.VectorClock      `json:"vectorClock"`
	CRDTs       map[string]EntryState `json:"crdts"`
}

// EntryState is one serialized CRDT inside a Payload.
type EntryState struct {
	Type         crdt.Kind        `json:"type"`
	State        json.RawMessage  `json:"state"`
	VectorClock  crdt.VectorClock `json:"vectorClock"`
	Owner        string           `json:"ownerNodeId,omitempty"`
	LastModified time.Time        `json:"lastModified"`
}

// Instance is a read-only view of a CRDT held by the manager.
type Instance struct {
	ID           string
	Owner        string
	Kind         crdt.Kind
	VectorClock  crdt.VectorClock
	LastModified time.Time
	Value        any
}

// ChangeSet is delivered to subscribers once per local mutation or merged batch.
type ChangeSet struct {
	IDs     []string
	Senders []string
	Local   bool
}

type incoming struct {
	sender  string
	payload Payload
}

type entry struct {
	id           string
	owner        string
	kind         crdt.Kind
	clock        crdt.VectorClock
	lastModified time.Time
	data         crdt.Type
}

func (e *entry) view() Instance {
	return Instance{
		ID:           e.id,
		Owner:        e.owner,
		Kind:         e.kind,
		VectorClock:  e.clock.Clone(),
		LastModified: e.lastModified,
		Value:        e.data.Value(),
	}
}
