// Package signaling defines the relay wire protocol and a reconnecting
// websocket client for it.
package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ElisAS4/neonet-sub000/pkg/types"
)

// MessageType selects the schema of a Message.
type MessageType string

const (
	TypeWelcome              MessageType = "welcome"
	TypeRegister             MessageType = "register"
	TypePeerDiscoveryRequest MessageType = "peer_discovery_request"
	TypePeerList             MessageType = "peer_list"
	TypePeerUpdate           MessageType = "peer_update"
	TypePeerLeft             MessageType = "peer_left"
	TypeJoinRoom             MessageType = "join_room"
	TypeLeaveRoom            MessageType = "leave_room"
	TypeSignal               MessageType = "signal"
	TypeMessage              MessageType = "message"
	TypeBroadcast            MessageType = "broadcast"
	TypeHeartbeat            MessageType = "heartbeat"
	TypePing                 MessageType = "ping"
	TypePong                 MessageType = "pong"
	TypeError                MessageType = "error"
	TypeServerShutdown       MessageType = "server_shutdown"
)

var aliases = map[string]MessageType{
	"peer_discovery": TypePeerDiscoveryRequest,
	"discover":       TypePeerDiscoveryRequest,
}

// Normalize maps dashed and legacy spellings onto the canonical type.
func Normalize(t MessageType) MessageType {
	s := strings.ReplaceAll(strings.ToLower(string(t)), "-", "_")
	if a, ok := aliases[s]; ok {
		return a
	}
	return MessageType(s)
}

// ErrDecode marks an unparseable protocol message.
var ErrDecode = errors.New("signaling: malformed message")

// DiscoveryFilters narrows a peer_discovery_request.
type DiscoveryFilters struct {
	Region       string   `json:"region,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Limit        int      `json:"limit,omitempty"`
}

// Match reports whether info passes the filters.
func (f *DiscoveryFilters) Match(info types.PeerInfo) bool {
	if f == nil {
		return true
	}
	if f.Region != "" && info.Metadata.Region != f.Region {
		return false
	}
	for _, c := range f.Capabilities {
		if !info.Metadata.HasCapability(c) {
			return false
		}
	}
	return true
}

// Message is the single envelope for every protocol message; Type selects
// which fields are meaningful.
type Message struct {
	Type      MessageType         `json:"type"`
	ClientID  string              `json:"clientId,omitempty"`
	SenderID  string              `json:"senderId,omitempty"`
	TargetID  string              `json:"targetId,omitempty"`
	PeerID    string              `json:"peerId,omitempty"`
	Room      string              `json:"room,omitempty"`
	Metadata  *types.PeerMetadata `json:"metadata,omitempty"`
	Filters   *DiscoveryFilters   `json:"filters,omitempty"`
	Peers     []types.PeerInfo    `json:"peers,omitempty"`
	Peer      *types.PeerInfo     `json:"peer,omitempty"`
	Signal    json.RawMessage     `json:"signal,omitempty"`
	Payload   json.RawMessage     `json:"payload,omitempty"`
	Error     string              `json:"message,omitempty"`
	Timestamp int64               `json:"timestamp,omitempty"`
}

// Decode parses and normalizes one message.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrDecode)
	}
	m.Type = Normalize(m.Type)
	return m, nil
}

// Encode stamps and serializes m.
func Encode(m Message) ([]byte, error) {
	if m.Timestamp == 0 {
		m.Timestamp = time.Now().UnixMilli()
	}
	return json.Marshal(m)
}
