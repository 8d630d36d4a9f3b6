package signaling

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ElisAS4/neonet-sub000/pkg/types"
)

func TestNormalize(t *testing.T) {
	assert.Equal(t, TypeJoinRoom, Normalize("join-room"))
	assert.Equal(t, TypePeerDiscoveryRequest, Normalize("peer-discovery"))
	assert.Equal(t, TypePeerDiscoveryRequest, Normalize("peer_discovery_request"))
	assert.Equal(t, TypeServerShutdown, Normalize("server-shutdown"))
	assert.Equal(t, TypeSignal, Normalize("SIGNAL"))
}

func TestDecode(t *testing.T) {
	m, err := Decode([]byte(`{"type":"leave-room","room":"r"}`))
	require.NoError(t, err)
	assert.Equal(t, TypeLeaveRoom, m.Type)

	_, err = Decode([]byte(`{"room":"r"}`))
	assert.ErrorIs(t, err, ErrDecode)
	_, err = Decode([]byte(`[`))
	assert.ErrorIs(t, err, ErrDecode)
}

func TestFiltersMatch(t *testing.T) {
	info := types.PeerInfo{NodeID: "p", Metadata: types.PeerMetadata{Region: "eu", Capabilities: []string{"video", "storage"}}}

	var none *DiscoveryFilters
	assert.True(t, none.Match(info))
	assert.True(t, (&DiscoveryFilters{Region: "eu", Capabilities: []string{"video"}}).Match(info))
	assert.False(t, (&DiscoveryFilters{Region: "us"}).Match(info))
	assert.False(t, (&DiscoveryFilters{Capabilities: []string{"gpu"}}).Match(info))
}
