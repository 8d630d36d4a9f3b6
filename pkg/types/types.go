package types

import (
	"slices"
	"time"
)

// PeerMetadata is the self-description a node registers with the relay.
type PeerMetadata struct {
	UserName     string            `json:"userName,omitempty"`
	Region       string            `json:"region,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Extra        map[string]string `json:"extra,omitempty"`
}

// Clone returns a deep copy.
func (m PeerMetadata) Clone() PeerMetadata {
	out := m
	out.Capabilities = slices.Clone(m.Capabilities)
	if m.Extra != nil {
		out.Extra = make(map[string]string, len(m.Extra))
		for k, v := range m.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// HasCapability reports whether c is advertised.
func (m PeerMetadata) HasCapability(c string) bool {
	return slices.Contains(m.Capabilities, c)
}

// PeerInfo describes a known peer as published by the relay directory.
// Note: LastSeen is serialized as RFC 3339 so browser clients can parse it.
type PeerInfo struct {
	NodeID   string       `json:"nodeId"`
	Metadata PeerMetadata `json:"metadata"`
	LastSeen time.Time    `json:"lastSeen"`
	Room     string       `json:"room,omitempty"`
}

// ConnectionStatus is the node's relationship with the signaling relay.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusDegraded     ConnectionStatus = "degraded"
)
