package mesh

import (
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ElisAS4/neonet-sub000/pkg/types"
)

// Config configures a Manager. Zero fields take the defaults below.
type Config struct {
	NodeID       string
	SignalingURL string
	Metadata     types.PeerMetadata
	// Room is joined before registering when set.
	Room string

	MaxDirectConnections int
	MaxTotalKnownPeers   int
	ConnectionTimeout    time.Duration
	HeartbeatInterval    time.Duration

	// ReconnectDelay and MaxReconnectDelay bound the exponential backoff
	// used for peers and for the relay alike.
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration

	MaxMessagesPerMinute int
	RateWindow           time.Duration

	PreferredRegions     []string
	RequiredCapabilities []string

	MaxConnectionAttempts     int
	BlockDuration             time.Duration
	MaxTransportErrors        int
	StalePeerTimeout          time.Duration
	SyncInterval              time.Duration
	ReplaceDelay              time.Duration
	MaxRelayReconnectAttempts int

	Clock clockwork.Clock
}

func (c Config) withDefaults() Config {
	if c.MaxDirectConnections <= 0 {
		c.MaxDirectConnections = 8
	}
	if c.MaxTotalKnownPeers <= 0 {
		c.MaxTotalKnownPeers = 100
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = 30 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = time.Second
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = time.Minute
	}
	if c.MaxMessagesPerMinute <= 0 {
		c.MaxMessagesPerMinute = 100
	}
	if c.RateWindow <= 0 {
		c.RateWindow = time.Minute
	}
	if c.MaxConnectionAttempts <= 0 {
		c.MaxConnectionAttempts = 5
	}
	if c.BlockDuration <= 0 {
		c.BlockDuration = 5 * time.Minute
	}
	if c.MaxTransportErrors <= 0 {
		c.MaxTransportErrors = 3
	}
	if c.StalePeerTimeout <= 0 {
		c.StalePeerTimeout = 5 * time.Minute
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = 5 * time.Second
	}
	if c.ReplaceDelay <= 0 {
		c.ReplaceDelay = time.Second
	}
	if c.MaxRelayReconnectAttempts == 0 {
		c.MaxRelayReconnectAttempts = 10
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return c
}
