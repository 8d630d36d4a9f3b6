package relay

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/ElisAS4/neonet-sub000/pkg/metrics"
	"github.com/ElisAS4/neonet-sub000/pkg/types"
)

// ErrUnknownClient is returned by Forward when no relay owns the client.
var ErrUnknownClient = errors.New("relay: unknown client")

// DeliverFunc hands a forwarded, already-encoded message to a local client.
type DeliverFunc func(clientID string, msg []byte)

// Federation shares the client directory between relay processes so that
// signal and message traffic reaches clients connected elsewhere.
type Federation interface {
	// Announce publishes or refreshes a locally connected client.
	Announce(info types.PeerInfo)
	// Withdraw removes a locally connected client.
	Withdraw(clientID string)
	// Forward delivers msg to a client owned by another relay.
	Forward(ctx context.Context, clientID string, msg []byte) error
	// Peers lists clients owned by other relays; room "" matches all.
	Peers(room string, limit int) []types.PeerInfo
	SetDeliver(fn DeliverFunc)
	// Members counts relays in the federation including this one.
	Members() int
	Close() error
}

// LocalHub connects relays living in the same process. A relay with no
// peers uses a hub of its own.
type LocalHub struct {
	mu      sync.RWMutex
	nodes   map[string]*LocalFederation
	entries map[string]localEntry
}

type localEntry struct {
	node string
	info types.PeerInfo
}

func NewLocalHub() *LocalHub {
	return &LocalHub{
		nodes:   make(map[string]*LocalFederation),
		entries: make(map[string]localEntry),
	}
}

// Join attaches a relay named node to the hub.
func (h *LocalHub) Join(logger *slog.Logger, node string) *LocalFederation {
	if logger == nil {
		logger = slog.Default()
	}
	f := &LocalFederation{
		logger: logger.With("component", "federation_local", "node", node),
		hub:    h,
		node:   node,
	}
	h.mu.Lock()
	h.nodes[node] = f
	n := len(h.nodes)
	h.mu.Unlock()
	metrics.SetRelayFederationMembers(float64(n))
	return f
}

// LocalFederation is the in-process Federation backend.
type LocalFederation struct {
	logger *slog.Logger
	hub    *LocalHub
	node   string

	mu      sync.RWMutex
	deliver DeliverFunc
}

// NewLocalFederation returns a standalone single-relay federation.
func NewLocalFederation(logger *slog.Logger, node string) *LocalFederation {
	return NewLocalHub().Join(logger, node)
}

func (f *LocalFederation) Announce(info types.PeerInfo) {
	if info.NodeID == "" {
		return
	}
	f.hub.mu.Lock()
	f.hub.entries[info.NodeID] = localEntry{node: f.node, info: info}
	f.hub.mu.Unlock()
	metrics.RecordFederationOp("local", "announce", "success")
}

func (f *LocalFederation) Withdraw(clientID string) {
	f.hub.mu.Lock()
	if e, ok := f.hub.entries[clientID]; ok && e.node == f.node {
		delete(f.hub.entries, clientID)
	}
	f.hub.mu.Unlock()
	metrics.RecordFederationOp("local", "withdraw", "success")
}

func (f *LocalFederation) Forward(ctx context.Context, clientID string, msg []byte) error {
	f.hub.mu.RLock()
	e, ok := f.hub.entries[clientID]
	var owner *LocalFederation
	if ok && e.node != f.node {
		owner = f.hub.nodes[e.node]
	}
	f.hub.mu.RUnlock()
	if owner == nil {
		metrics.RecordFederationOp("local", "forward", "not_found")
		return ErrUnknownClient
	}
	owner.mu.RLock()
	deliver := owner.deliver
	owner.mu.RUnlock()
	if deliver == nil {
		metrics.RecordFederationOp("local", "forward", "not_found")
		return ErrUnknownClient
	}
	deliver(clientID, msg)
	metrics.RecordFederationOp("local", "forward", "success")
	return nil
}

func (f *LocalFederation) Peers(room string, limit int) []types.PeerInfo {
	f.hub.mu.RLock()
	out := make([]types.PeerInfo, 0)
	for _, e := range f.hub.entries {
		if e.node == f.node || (room != "" && e.info.Room != room) {
			continue
		}
		out = append(out, e.info)
	}
	f.hub.mu.RUnlock()
	return truncatePeers(out, limit)
}

func (f *LocalFederation) SetDeliver(fn DeliverFunc) {
	f.mu.Lock()
	f.deliver = fn
	f.mu.Unlock()
}

func (f *LocalFederation) Members() int {
	f.hub.mu.RLock()
	defer f.hub.mu.RUnlock()
	return len(f.hub.nodes)
}

// Close detaches from the hub and withdraws every client this relay owns.
func (f *LocalFederation) Close() error {
	f.hub.mu.Lock()
	delete(f.hub.nodes, f.node)
	for id, e := range f.hub.entries {
		if e.node == f.node {
			delete(f.hub.entries, id)
		}
	}
	n := len(f.hub.nodes)
	f.hub.mu.Unlock()
	metrics.SetRelayFederationMembers(float64(n))
	f.logger.Debug("left local federation")
	return nil
}

func truncatePeers(peers []types.PeerInfo, limit int) []types.PeerInfo {
	sort.Slice(peers, func(i, j int) bool { return peers[i].NodeID < peers[j].NodeID })
	if limit > 0 && len(peers) > limit {
		peers = peers[:limit]
	}
	return peers
}
