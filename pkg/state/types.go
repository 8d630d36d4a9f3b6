package state

import (
	"bytes"
	"encoding/json"
	"maps"
	"time"

	"github.com/ElisAS4/neonet-sub000/pkg/crdt"
)

// EventType names a state transition.
type EventType string

const (
	EventCreated EventType = "STATE_CREATED"
	EventUpdated EventType = "STATE_UPDATED"
	EventDeleted EventType = "STATE_DELETED"
)

// EventData is the payload of an event. PreviousValue is kept for auditing
// and never consulted during replay.
type EventData struct {
	Value         json.RawMessage `json:"value,omitempty"`
	PreviousValue json.RawMessage `json:"previousValue,omitempty"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
}

// Event is an immutable log entry. Index is assigned by the log that holds
// it and is not comparable across nodes.
type Event struct {
	ID          string           `json:"eventId"`
	Index       uint64           `json:"eventIndex"`
	Type        EventType        `json:"type"`
	StateID     string           `json:"stateId"`
	NodeID      string           `json:"nodeId"`
	Timestamp   time.Time        `json:"timestamp"`
	VectorClock crdt.VectorClock `json:"vectorClock"`
	Data        EventData        `json:"data"`
}

// State is a copy of a state container.
type State struct {
	ID             string          `json:"id"`
	Value          json.RawMessage `json:"value"`
	LastModified   time.Time       `json:"lastModified"`
	LastModifiedBy string          `json:"lastModifiedBy"`
	Version        int             `json:"version"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
}

// Decode unmarshals the value into v.
func (s State) Decode(v any) error {
	return json.Unmarshal(s.Value, v)
}

// Snapshot captures a container at an event index of the log that took it.
type Snapshot struct {
	StateID        string          `json:"stateId"`
	Value          json.RawMessage `json:"value"`
	EventIndex     uint64          `json:"eventIndex"`
	Timestamp      time.Time       `json:"timestamp"`
	LastModified   time.Time       `json:"lastModified"`
	LastModifiedBy string          `json:"lastModifiedBy"`
	Version        int             `json:"version"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
	Deleted        bool            `json:"deleted,omitempty"`
}

// SyncData is the state sync payload.
type SyncData struct {
	NodeID            string              `json:"nodeId"`
	VectorClock       crdt.VectorClock    `json:"vectorClock"`
	Events            []Event             `json:"events"`
	Snapshots         map[string]Snapshot `json:"snapshots"`
	CurrentEventIndex uint64              `json:"currentEventIndex"`
}

// Change is delivered to subscribers after the debounce delay.
type Change struct {
	State   State
	Deleted bool
}

type container struct {
	id             string
	value          json.RawMessage
	lastModified   time.Time
	lastModifiedBy string
	version        int
	metadata       map[string]any
	deleted        bool
}

func (c *container) view() State {
	return State{
		ID:             c.id,
		Value:          bytes.Clone(c.value),
		LastModified:   c.lastModified,
		LastModifiedBy: c.lastModifiedBy,
		Version:        c.version,
		Metadata:       maps.Clone(c.metadata),
	}
}

func (c *container) snapshot(index uint64, now time.Time) Snapshot {
	return Snapshot{
		StateID:        c.id,
		Value:          bytes.Clone(c.value),
		EventIndex:     index,
		Timestamp:      now,
		LastModified:   c.lastModified,
		LastModifiedBy: c.lastModifiedBy,
		Version:        c.version,
		Metadata:       maps.Clone(c.metadata),
		Deleted:        c.deleted,
	}
}

func fromSnapshot(s Snapshot) *container {
	return &container{
		id:             s.StateID,
		value:          bytes.Clone(s.Value),
		lastModified:   s.LastModified,
		lastModifiedBy: s.LastModifiedBy,
		version:        s.Version,
		metadata:       maps.Clone(s.Metadata),
		deleted:        s.Deleted,
	}
}

// apply folds ev into c under the last-writer-wins rule and reports whether
// it was accepted.
func (c *container) apply(ev Event) bool {
	if !crdt.Newer(ev.Timestamp, ev.NodeID, c.lastModified, c.lastModifiedBy) {
		return false
	}
	c.lastModified = ev.Timestamp
	c.lastModifiedBy = ev.NodeID
	c.version++
	if ev.Data.Metadata != nil {
		c.metadata = maps.Clone(ev.Data.Metadata)
	}
	switch ev.Type {
	case EventDeleted:
		c.deleted = true
		c.value = nil
	default:
		c.deleted = false
		c.value = bytes.Clone(ev.Data.Value)
	}
	return true
}

func (c *container) sameAs(o *container) bool {
	if c == nil || o == nil {
		return c == o
	}
	return c.deleted == o.deleted &&
		c.lastModified.Equal(o.lastModified) &&
		c.lastModifiedBy == o.lastModifiedBy &&
		bytes.Equal(c.value, o.value)
}
