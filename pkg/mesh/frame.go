package mesh

import (
	"encoding/json"
)

// FrameType selects how a direct-link frame is routed.
type FrameType string

const (
	FrameCRDTSync  FrameType = "crdt_sync"
	FrameStateSync FrameType = "state_sync"
	FrameHeartbeat FrameType = "heartbeat"
	FrameApp       FrameType = "app"
)

// Frame is the unit exchanged over direct links and the relay fallback.
// Payload carries application JSON, Data carries wire-encoded sync.
type Frame struct {
	Type    FrameType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Data    []byte          `json:"data,omitempty"`
}

// envelope wraps transport signals so the receiver knows which side of
// the handshake produced them.
type envelope struct {
	Initiator bool            `json:"initiator"`
	Data      json.RawMessage `json:"data"`
}

const (
	pathDirect = "direct"
	pathRelay  = "relay"
)
