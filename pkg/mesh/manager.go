// Package mesh keeps a bounded-degree set of direct peer connections,
// bootstrapped through the signaling relay, and runs CRDT and state sync
// over them.
package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ElisAS4/neonet-sub000/pkg/metrics"
	"github.com/ElisAS4/neonet-sub000/pkg/peer"
	"github.com/ElisAS4/neonet-sub000/pkg/retry"
	"github.com/ElisAS4/neonet-sub000/pkg/signaling"
	"github.com/ElisAS4/neonet-sub000/pkg/tracing"
	"github.com/ElisAS4/neonet-sub000/pkg/types"
)

var (
	ErrUnreachable = errors.New("mesh: peer not reachable directly or through the relay")
	ErrClosed      = errors.New("mesh: manager closed")
	// ErrIDReassigned is reported when the relay hands out a different id
	// than the one requested, usually because the requested id is in use.
	ErrIDReassigned = errors.New("mesh: relay reassigned node id")
)

var allStatuses = []string{
	string(types.StatusDisconnected),
	string(types.StatusConnecting),
	string(types.StatusConnected),
	string(types.StatusDegraded),
}

// Signaler is the relay session the manager talks through.
type Signaler interface {
	Run(ctx context.Context) error
	Send(m signaling.Message) error
}

// SignalerFactory builds a Signaler that reports to the given callbacks.
type SignalerFactory func(onMessage func(signaling.Message), onStatus func(signaling.Status)) Signaler

// link is one direct connection, pending or established.
type link struct {
	conn      peer.Conn
	startedAt time.Time
	connected bool
}

// Manager is the peer manager. Construct with NewManager, then Start.
type Manager struct {
	logger      *slog.Logger
	cfg         Config
	clock       clockwork.Clock
	factory     peer.Factory
	backoff     retry.Backoff
	limiter     *rateLimiter
	events      *bus
	replicators map[FrameType]Replicator
	order       []Replicator
	signaler    Signaler

	maintainMu sync.Mutex

	mu          sync.Mutex
	self        string
	peers       map[string]*peerRecord
	links       map[string]*link
	status      types.ConnectionStatus
	relayUp     bool
	everUp      bool
	replacing   bool
	cancel      context.CancelFunc
	closed      bool
	startedOnce sync.Once
}

// NewManager wires a manager over factory. A nil newSignaler dials
// cfg.SignalingURL with the signaling client.
func NewManager(logger *slog.Logger, cfg Config, factory peer.Factory, newSignaler SignalerFactory, replicators ...Replicator) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	m := &Manager{
		logger:      logger.With("component", "mesh", "node", cfg.NodeID),
		cfg:         cfg,
		clock:       cfg.Clock,
		factory:     factory,
		backoff:     retry.Backoff{Base: cfg.ReconnectDelay, Max: cfg.MaxReconnectDelay},
		limiter:     newRateLimiter(cfg.MaxMessagesPerMinute, cfg.RateWindow),
		events:      newBus(),
		replicators: make(map[FrameType]Replicator, len(replicators)),
		self:        cfg.NodeID,
		peers:       make(map[string]*peerRecord),
		links:       make(map[string]*link),
		status:      types.StatusDisconnected,
	}
	for _, r := range replicators {
		m.replicators[r.FrameType()] = r
		m.order = append(m.order, r)
	}
	if newSignaler == nil {
		newSignaler = m.defaultSignaler
	}
	m.signaler = newSignaler(m.handleSignaling, m.handleRelayStatus)
	return m
}

func (m *Manager) defaultSignaler(onMessage func(signaling.Message), onStatus func(signaling.Status)) Signaler {
	return signaling.NewClient(m.logger, signaling.ClientConfig{
		URL:                  m.cfg.SignalingURL,
		NodeID:               m.cfg.NodeID,
		Backoff:              m.backoff,
		MaxReconnectAttempts: m.cfg.MaxRelayReconnectAttempts,
		Clock:                m.clock,
	}, onMessage, onStatus)
}

// Start connects to the relay and runs maintenance and sync until ctx is
// done or Close is called.
func (m *Manager) Start(ctx context.Context) {
	m.startedOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		m.mu.Lock()
		m.cancel = cancel
		m.mu.Unlock()
		m.setStatus(types.StatusConnecting)
		go m.runSignaler(ctx)
		go m.loop(ctx)
	})
}

func (m *Manager) runSignaler(ctx context.Context) {
	err := m.signaler.Run(ctx)
	if ctx.Err() != nil {
		return
	}
	m.logger.Error("relay connection abandoned", "error", err)
	m.setRelay(false)
	m.setStatus(types.StatusDisconnected)
	m.events.publish(Event{Type: EventError, Err: err})
}

func (m *Manager) loop(ctx context.Context) {
	heartbeat := m.clock.NewTicker(m.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	syncTick := m.clock.NewTicker(m.cfg.SyncInterval)
	defer syncTick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.Chan():
			m.Maintain()
			m.heartbeatRelay()
		case <-syncTick.Chan():
			m.PushSync()
		}
	}
}

// Close tears down every direct connection and the relay session.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	cancel := m.cancel
	links := m.links
	m.links = make(map[string]*link)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, l := range links {
		l.conn.Destroy()
	}
	m.setStatus(types.StatusDisconnected)
	metrics.SetMeshDirectConnections(0)
}

// NodeID is the id the relay knows this node by.
func (m *Manager) NodeID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.self
}

func (m *Manager) Status() types.ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Subscribe registers fn for mesh events and returns a cancel func.
func (m *Manager) Subscribe(fn func(Event)) func() { return m.events.subscribe(fn) }

// Peers returns every known peer, best priority first.
func (m *Manager) Peers() []types.PeerInfo {
	m.mu.Lock()
	recs := make([]*peerRecord, 0, len(m.peers))
	for _, r := range m.peers {
		recs = append(recs, r)
	}
	byPriority(recs)
	out := make([]types.PeerInfo, len(recs))
	for i, r := range recs {
		out[i] = r.info
		out[i].Metadata = r.info.Metadata.Clone()
	}
	m.mu.Unlock()
	return out
}

// ConnectedPeers returns the ids of established direct connections.
func (m *Manager) ConnectedPeers() []string {
	m.mu.Lock()
	out := make([]string, 0, len(m.links))
	for id, l := range m.links {
		if l.connected {
			out = append(out, id)
		}
	}
	m.mu.Unlock()
	sort.Strings(out)
	return out
}

func (m *Manager) setStatus(s types.ConnectionStatus) {
	m.mu.Lock()
	if m.status == s || (m.closed && s != types.StatusDisconnected) {
		m.mu.Unlock()
		return
	}
	prev := m.status
	m.status = s
	m.mu.Unlock()
	metrics.SetMeshSignalingStatus(string(s), allStatuses)
	m.logger.Info("signaling status changed", "from", prev, "to", s)
	m.events.publish(Event{Type: EventStatusChanged, Status: s})
}

func (m *Manager) setRelay(up bool) {
	m.mu.Lock()
	m.relayUp = up
	if up {
		m.everUp = true
	}
	m.mu.Unlock()
}

// handleRelayStatus maps relay session transitions onto the mesh status.
func (m *Manager) handleRelayStatus(s signaling.Status) {
	switch s {
	case signaling.StatusConnecting:
		m.mu.Lock()
		degraded := m.status == types.StatusDegraded
		m.mu.Unlock()
		if !degraded {
			m.setStatus(types.StatusConnecting)
		}
	case signaling.StatusConnected:
		m.setRelay(true)
		m.setStatus(types.StatusConnected)
		m.announce()
	case signaling.StatusLost:
		m.setRelay(false)
		m.mu.Lock()
		everUp := m.everUp
		m.mu.Unlock()
		if everUp {
			m.setStatus(types.StatusDegraded)
		} else {
			m.setStatus(types.StatusConnecting)
		}
	case signaling.StatusGaveUp:
		m.setRelay(false)
		m.setStatus(types.StatusDisconnected)
	}
}

// announce joins the room, registers metadata and asks for peers.
func (m *Manager) announce() {
	if m.cfg.Room != "" {
		m.sendRelay(signaling.Message{Type: signaling.TypeJoinRoom, Room: m.cfg.Room})
	}
	md := m.cfg.Metadata.Clone()
	m.sendRelay(signaling.Message{Type: signaling.TypeRegister, Metadata: &md})
	m.requestPeers()
}

func (m *Manager) requestPeers() {
	m.sendRelay(signaling.Message{Type: signaling.TypePeerDiscoveryRequest, Filters: &signaling.DiscoveryFilters{
		Limit: m.cfg.MaxTotalKnownPeers,
	}})
}

func (m *Manager) sendRelay(msg signaling.Message) bool {
	m.mu.Lock()
	up := m.relayUp
	m.mu.Unlock()
	if !up {
		return false
	}
	if err := m.signaler.Send(msg); err != nil {
		m.logger.Debug("relay send failed", "type", msg.Type, "error", err)
		return false
	}
	return true
}

func (m *Manager) handleSignaling(msg signaling.Message) {
	switch msg.Type {
	case signaling.TypeWelcome:
		if msg.ClientID != "" {
			m.mu.Lock()
			changed := m.self != msg.ClientID
			m.self = msg.ClientID
			m.mu.Unlock()
			if changed && m.cfg.NodeID != "" && msg.ClientID != m.cfg.NodeID {
				m.logger.Warn("relay assigned a different node id", "requested", m.cfg.NodeID, "assigned", msg.ClientID)
				m.events.publish(Event{Type: EventError, PeerID: msg.ClientID,
					Err: fmt.Errorf("%w: requested %q, assigned %q", ErrIDReassigned, m.cfg.NodeID, msg.ClientID)})
			}
		}
	case signaling.TypePeerList:
		for _, p := range msg.Peers {
			m.upsertPeer(p)
		}
		m.Maintain()
	case signaling.TypePeerUpdate:
		if msg.Peer != nil {
			m.upsertPeer(*msg.Peer)
			m.Maintain()
		}
	case signaling.TypePeerLeft:
		m.forgetPeer(msg.PeerID)
	case signaling.TypeSignal:
		m.handleSignal(msg.SenderID, msg.Signal)
	case signaling.TypeMessage, signaling.TypeBroadcast:
		m.handleFrame(msg.SenderID, msg.Payload, pathRelay)
	case signaling.TypeError:
		m.logger.Warn("relay reported error", "message", msg.Error, "target_id", msg.TargetID)
		m.events.publish(Event{Type: EventError, PeerID: msg.TargetID, Err: fmt.Errorf("relay: %s", msg.Error)})
	case signaling.TypeServerShutdown:
		m.logger.Warn("relay shutting down")
	case signaling.TypePong:
	default:
		m.logger.Debug("ignoring relay message", "type", msg.Type)
	}
}

func (m *Manager) upsertPeer(info types.PeerInfo) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if info.NodeID == "" || info.NodeID == m.self {
		return
	}
	info.LastSeen = now
	info.Metadata = info.Metadata.Clone()
	rec, ok := m.peers[info.NodeID]
	if !ok {
		rec = &peerRecord{}
		m.peers[info.NodeID] = rec
	}
	rec.info = info
	rec.priority = score(rec.info, rec.failures, m.cfg, now)
	metrics.SetMeshKnownPeers(float64(len(m.peers)))
}

// forgetPeer drops a peer the relay reports gone unless a direct link to
// it is established.
func (m *Manager) forgetPeer(id string) {
	m.mu.Lock()
	l := m.links[id]
	if l != nil && l.connected {
		m.mu.Unlock()
		return
	}
	delete(m.peers, id)
	if l != nil {
		delete(m.links, id)
	}
	metrics.SetMeshKnownPeers(float64(len(m.peers)))
	m.mu.Unlock()
	if l != nil {
		l.conn.Destroy()
	}
}

func (m *Manager) touch(id string) {
	now := m.clock.Now()
	m.mu.Lock()
	if rec, ok := m.peers[id]; ok {
		rec.info.LastSeen = now
	}
	m.mu.Unlock()
}

// newLinkLocked creates a connection and registers it under peerID.
func (m *Manager) newLinkLocked(peerID string, initiator bool) (*link, error) {
	l := &link{startedAt: m.clock.Now()}
	conn, err := m.factory(peerID, initiator, peer.Handlers{
		OnSignal:  func(sig json.RawMessage) { m.onLinkSignal(peerID, l, sig) },
		OnConnect: func() { m.onLinkConnect(peerID, l) },
		OnData:    func(data []byte) { m.handleFrame(peerID, data, pathDirect) },
		OnClose:   func() { m.onLinkClose(peerID, l) },
		OnError:   func(err error) { m.onLinkError(peerID, l, err) },
	})
	if err != nil {
		return nil, err
	}
	l.conn = conn
	m.links[peerID] = l
	return l, nil
}

func (m *Manager) onLinkSignal(peerID string, l *link, sig json.RawMessage) {
	raw, err := json.Marshal(envelope{Initiator: l.conn.Initiator(), Data: sig})
	if err != nil {
		return
	}
	if !m.sendRelay(signaling.Message{Type: signaling.TypeSignal, TargetID: peerID, Signal: raw}) {
		m.logger.Debug("signal not relayed", "peer", peerID)
	}
}

func (m *Manager) onLinkConnect(peerID string, l *link) {
	m.mu.Lock()
	if m.links[peerID] != l {
		m.mu.Unlock()
		return
	}
	l.connected = true
	if rec, ok := m.peers[peerID]; ok {
		rec.failures = 0
		rec.transportErrors = 0
		rec.info.LastSeen = m.clock.Now()
	} else {
		m.peers[peerID] = &peerRecord{info: types.PeerInfo{NodeID: peerID, LastSeen: m.clock.Now()}}
	}
	n := m.connectedLocked()
	m.mu.Unlock()

	metrics.RecordMeshAttempt(metrics.AttemptConnected)
	metrics.SetMeshDirectConnections(float64(n))
	m.logger.Info("peer connected", "peer", peerID, "initiator", l.conn.Initiator())
	m.events.publish(Event{Type: EventPeerJoined, PeerID: peerID})

	for _, r := range m.order {
		r.Reset(peerID)
	}
	m.syncPeer(peerID, l)
}

func (m *Manager) onLinkClose(peerID string, l *link) {
	m.mu.Lock()
	if m.links[peerID] != l {
		m.mu.Unlock()
		return
	}
	delete(m.links, peerID)
	n := m.connectedLocked()
	m.mu.Unlock()

	metrics.SetMeshDirectConnections(float64(n))
	if l.connected {
		m.logger.Info("peer disconnected", "peer", peerID)
		m.events.publish(Event{Type: EventPeerLeft, PeerID: peerID})
	}
	m.scheduleReplace()
}

func (m *Manager) onLinkError(peerID string, l *link, err error) {
	now := m.clock.Now()
	m.mu.Lock()
	if m.links[peerID] != l {
		m.mu.Unlock()
		return
	}
	delete(m.links, peerID)
	blocked := false
	if rec, ok := m.peers[peerID]; ok {
		rec.transportErrors++
		if !l.connected {
			rec.failures++
		}
		blocked = m.maybeBlockLocked(rec, now)
	}
	n := m.connectedLocked()
	m.mu.Unlock()

	metrics.SetMeshDirectConnections(float64(n))
	if !l.connected {
		metrics.RecordMeshAttempt(metrics.AttemptFailed)
	}
	m.logger.Warn("peer connection error", "peer", peerID, "connected", l.connected, "blocked", blocked, "error", err)
	m.events.publish(Event{Type: EventError, PeerID: peerID, Err: err})
	if l.connected {
		m.events.publish(Event{Type: EventPeerLeft, PeerID: peerID})
	}
	m.scheduleReplace()
}

// maybeBlockLocked blocks rec once it crosses either failure threshold.
func (m *Manager) maybeBlockLocked(rec *peerRecord, now time.Time) bool {
	if rec.blocked(now) {
		return true
	}
	if rec.failures < m.cfg.MaxConnectionAttempts && rec.transportErrors < m.cfg.MaxTransportErrors {
		return false
	}
	rec.blockedUntil = now.Add(m.cfg.BlockDuration)
	metrics.IncMeshPeersBlocked()
	m.logger.Warn("peer blocked", "peer", rec.info.NodeID, "failures", rec.failures,
		"transport_errors", rec.transportErrors, "until", rec.blockedUntil)
	return true
}

func (m *Manager) connectedLocked() int {
	n := 0
	for _, l := range m.links {
		if l.connected {
			n++
		}
	}
	return n
}

// scheduleReplace runs maintenance once after ReplaceDelay.
func (m *Manager) scheduleReplace() {
	m.mu.Lock()
	if m.replacing || m.closed {
		m.mu.Unlock()
		return
	}
	m.replacing = true
	m.mu.Unlock()
	m.clock.AfterFunc(m.cfg.ReplaceDelay, func() {
		m.mu.Lock()
		m.replacing = false
		m.mu.Unlock()
		m.Maintain()
	})
}

// handleSignal routes a relayed signal to the matching connection, creating
// a responder for a first offer.
func (m *Manager) handleSignal(from string, raw json.RawMessage) {
	if from == "" {
		return
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || len(env.Data) == 0 {
		m.logger.Warn("drop malformed signal", "peer", from)
		metrics.RecordMeshFrameDropped(metrics.DropMalformed)
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	l := m.links[from]
	var discard *link
	switch {
	case !env.Initiator:
		if l == nil || !l.conn.Initiator() {
			m.mu.Unlock()
			return
		}
	case l != nil && l.conn.Initiator():
		// both sides initiated: the smaller id keeps its outbound attempt
		if m.self < from {
			m.mu.Unlock()
			return
		}
		discard = l
		delete(m.links, from)
		l = nil
	}
	if l == nil {
		if len(m.links) >= m.cfg.MaxDirectConnections {
			m.mu.Unlock()
			if discard != nil {
				discard.conn.Destroy()
			}
			metrics.RecordMeshAttempt(metrics.AttemptRefused)
			m.logger.Debug("refusing inbound connection at capacity", "peer", from)
			return
		}
		var err error
		l, err = m.newLinkLocked(from, false)
		if err != nil {
			m.mu.Unlock()
			if discard != nil {
				discard.conn.Destroy()
			}
			m.logger.Warn("create inbound connection", "peer", from, "error", err)
			return
		}
		if _, ok := m.peers[from]; !ok {
			m.peers[from] = &peerRecord{info: types.PeerInfo{NodeID: from, LastSeen: m.clock.Now()}}
		}
	}
	m.mu.Unlock()

	if discard != nil {
		discard.conn.Destroy()
	}
	if err := l.conn.Signal(env.Data); err != nil {
		m.logger.Warn("apply signal", "peer", from, "error", err)
	}
}

// handleFrame applies rate limiting and routes one frame.
func (m *Manager) handleFrame(from string, data []byte, path string) {
	if from == "" || len(data) == 0 {
		return
	}
	if !m.limiter.Allow(from, m.clock.Now()) {
		metrics.RecordMeshFrameDropped(metrics.DropRateLimited)
		m.logger.Warn("rate limit exceeded, dropping frame", "peer", from, "path", path)
		return
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil || f.Type == "" {
		metrics.RecordMeshFrameDropped(metrics.DropMalformed)
		m.logger.Warn("drop malformed frame", "peer", from, "path", path)
		return
	}
	m.touch(from)
	metrics.RecordMeshFrame(string(f.Type), path)

	if f.Type == FrameHeartbeat {
		return
	}
	if r, ok := m.replicators[f.Type]; ok {
		if err := r.Incoming(from, f.Data); err != nil {
			metrics.RecordMeshFrameDropped(metrics.DropDecode)
			m.logger.Warn("drop sync frame", "peer", from, "type", f.Type, "error", err)
		}
		return
	}
	m.events.publish(Event{Type: EventMessage, PeerID: from, Frame: f.Type, Payload: f.Payload})
}

// Maintain runs one mesh maintenance pass: evict stale and surplus peers,
// expire blocks and stuck attempts, fill free slots and send heartbeats.
func (m *Manager) Maintain() {
	m.maintainMu.Lock()
	defer m.maintainMu.Unlock()
	_, span := otel.Tracer(tracing.TracerMesh).Start(context.Background(), tracing.SpanMeshMaintain)
	defer span.End()

	now := m.clock.Now()
	var drop, dial []*link
	var dialIDs []string

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	for id, rec := range m.peers {
		if _, linked := m.links[id]; !linked && now.Sub(rec.info.LastSeen) > m.cfg.StalePeerTimeout {
			delete(m.peers, id)
			continue
		}
		if !rec.blockedUntil.IsZero() && !now.Before(rec.blockedUntil) {
			rec.blockedUntil = time.Time{}
			rec.failures = 0
			rec.transportErrors = 0
			m.logger.Info("peer unblocked", "peer", id)
		}
		rec.priority = score(rec.info, rec.failures, m.cfg, now)
	}

	for id, l := range m.links {
		if l.connected || now.Sub(l.startedAt) <= m.cfg.ConnectionTimeout {
			continue
		}
		delete(m.links, id)
		drop = append(drop, l)
		metrics.RecordMeshAttempt(metrics.AttemptTimeout)
		if rec, ok := m.peers[id]; ok {
			rec.failures++
			m.maybeBlockLocked(rec, now)
			rec.priority = score(rec.info, rec.failures, m.cfg, now)
		}
	}

	if excess := len(m.peers) - m.cfg.MaxTotalKnownPeers; excess > 0 {
		evictable := make([]*peerRecord, 0, len(m.peers))
		for id, rec := range m.peers {
			if _, linked := m.links[id]; !linked {
				evictable = append(evictable, rec)
			}
		}
		byPriority(evictable)
		for i := len(evictable) - 1; i >= 0 && excess > 0; i-- {
			delete(m.peers, evictable[i].info.NodeID)
			excess--
		}
	}

	if free := m.cfg.MaxDirectConnections - len(m.links); free > 0 {
		candidates := make([]*peerRecord, 0, len(m.peers))
		for id, rec := range m.peers {
			if _, linked := m.links[id]; linked || rec.blocked(now) {
				continue
			}
			if !m.backoff.Eligible(rec.failures, rec.lastAttempt, now) {
				continue
			}
			candidates = append(candidates, rec)
		}
		byPriority(candidates)
		for _, rec := range candidates {
			if free == 0 {
				break
			}
			l, err := m.newLinkLocked(rec.info.NodeID, true)
			if err != nil {
				m.logger.Warn("create outbound connection", "peer", rec.info.NodeID, "error", err)
				continue
			}
			rec.lastAttempt = now
			dial = append(dial, l)
			dialIDs = append(dialIDs, rec.info.NodeID)
			free--
		}
	}

	known, linked := len(m.peers), len(m.links)
	connected := m.connectedLocked()
	heartbeats := make(map[string]*link, connected)
	for id, l := range m.links {
		if l.connected {
			heartbeats[id] = l
		}
	}
	m.mu.Unlock()

	m.limiter.Prune(now)
	for _, l := range drop {
		m.logger.Debug("connection attempt timed out", "peer", l.conn.PeerID())
		l.conn.Destroy()
	}
	for i, l := range dial {
		metrics.RecordMeshAttempt(metrics.AttemptStarted)
		if err := l.conn.Initiate(); err != nil {
			m.onLinkError(dialIDs[i], l, err)
		}
	}
	hb, _ := json.Marshal(Frame{Type: FrameHeartbeat})
	for id, l := range heartbeats {
		if err := l.conn.Send(hb); err != nil {
			m.logger.Debug("heartbeat failed", "peer", id, "error", err)
		}
	}
	metrics.SetMeshKnownPeers(float64(known))
	metrics.SetMeshDirectConnections(float64(connected))
	span.SetAttributes(
		attribute.Int("mesh.known", known),
		attribute.Int("mesh.links", linked),
		attribute.Int("mesh.dialed", len(dial)),
	)
}

// heartbeatRelay keeps the relay session alive and asks for more peers
// while free slots remain.
func (m *Manager) heartbeatRelay() {
	if !m.sendRelay(signaling.Message{Type: signaling.TypeHeartbeat}) {
		return
	}
	m.mu.Lock()
	free := len(m.links) < m.cfg.MaxDirectConnections
	m.mu.Unlock()
	if free {
		m.requestPeers()
	}
}

// PushSync sends every replicator's payload to every linked peer:
// directly when connected, through the relay while still signaling.
func (m *Manager) PushSync() {
	_, span := otel.Tracer(tracing.TracerMesh).Start(context.Background(), tracing.SpanMeshSyncPush)
	defer span.End()

	m.mu.Lock()
	targets := make(map[string]*link, len(m.links))
	for id, l := range m.links {
		targets[id] = l
	}
	m.mu.Unlock()

	for id, l := range targets {
		m.syncPeer(id, l)
	}
	span.SetAttributes(attribute.Int("mesh.targets", len(targets)))
}

func (m *Manager) syncPeer(peerID string, l *link) {
	if len(m.order) == 0 {
		return
	}
	m.mu.Lock()
	connected := l.connected && m.links[peerID] == l
	m.mu.Unlock()

	for _, r := range m.order {
		data, err := r.Outgoing(peerID)
		if err != nil {
			m.logger.Warn("build sync payload", "peer", peerID, "type", r.FrameType(), "error", err)
			continue
		}
		frame, err := json.Marshal(Frame{Type: r.FrameType(), Data: data})
		if err != nil {
			continue
		}
		if connected {
			if err := l.conn.Send(frame); err == nil {
				metrics.RecordMeshFrame(string(r.FrameType()), pathDirect+"_out")
				continue
			}
		}
		if m.sendRelay(signaling.Message{Type: signaling.TypeMessage, TargetID: peerID, Payload: frame}) {
			metrics.RecordMeshFrame(string(r.FrameType()), pathRelay+"_out")
			continue
		}
		r.Reset(peerID)
	}
}

// SendMessage delivers an application payload to one peer, directly when
// connected and through the relay otherwise.
func (m *Manager) SendMessage(peerID string, payload any) error {
	frame, err := appFrame(payload)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	l := m.links[peerID]
	m.mu.Unlock()

	if l != nil && l.connected {
		if err := l.conn.Send(frame); err == nil {
			return nil
		}
	}
	if m.sendRelay(signaling.Message{Type: signaling.TypeMessage, TargetID: peerID, Payload: frame}) {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnreachable, peerID)
}

// BroadcastMessage sends payload to every directly connected peer and
// returns how many accepted it.
func (m *Manager) BroadcastMessage(payload any) (int, error) {
	frame, err := appFrame(payload)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	targets := make([]*link, 0, len(m.links))
	for _, l := range m.links {
		if l.connected {
			targets = append(targets, l)
		}
	}
	m.mu.Unlock()

	sent := 0
	for _, l := range targets {
		if err := l.conn.Send(frame); err == nil {
			sent++
		}
	}
	return sent, nil
}

func appFrame(payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return json.Marshal(Frame{Type: FrameApp, Payload: raw})
}
