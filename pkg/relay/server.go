// Package relay implements the websocket rendezvous server nodes use to
// discover each other and exchange connection signals. Payloads are relayed
// verbatim and never interpreted.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ElisAS4/neonet-sub000/pkg/metrics"
	"github.com/ElisAS4/neonet-sub000/pkg/signaling"
	"github.com/ElisAS4/neonet-sub000/pkg/tracing"
	"github.com/ElisAS4/neonet-sub000/pkg/types"
)

// ErrShutdown is returned for connections arriving after Shutdown.
var ErrShutdown = errors.New("relay: shutting down")

// Config configures a Server.
type Config struct {
	NodeName          string
	MaxDiscoveryPeers int
	// BroadcastSample bounds fan-out for clients outside any room.
	BroadcastSample int
	SendBuffer      int
	WriteTimeout    time.Duration
	// ReadTimeout closes clients that send nothing, pongs included, for this long.
	ReadTimeout time.Duration
	Federation  Federation
	Clock       clockwork.Clock
}

func (c Config) withDefaults() Config {
	if c.NodeName == "" {
		c.NodeName = "relay-" + uuid.NewString()[:8]
	}
	if c.MaxDiscoveryPeers <= 0 {
		c.MaxDiscoveryPeers = 20
	}
	if c.BroadcastSample <= 0 {
		c.BroadcastSample = 50
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return c
}

type client struct {
	id          string
	addr        string
	connectedAt time.Time
	conn        *websocket.Conn
	send        chan []byte
	closeOnce   sync.Once
	done        chan struct{}

	// guarded by Server.mu
	room     string
	metadata types.PeerMetadata
	lastSeen time.Time
}

func (c *client) info() types.PeerInfo {
	return types.PeerInfo{NodeID: c.id, Metadata: c.metadata.Clone(), LastSeen: c.lastSeen, Room: c.room}
}

func (c *client) stop() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Server is the signaling relay. It implements http.Handler for the
// websocket endpoint.
type Server struct {
	logger   *slog.Logger
	cfg      Config
	upgrader websocket.Upgrader
	fed      Federation

	mu       sync.RWMutex
	clients  map[string]*client
	rooms    map[string]map[string]struct{}
	shutdown bool
	wg       sync.WaitGroup
}

func NewServer(logger *slog.Logger, cfg Config) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	s := &Server{
		logger: logger.With("component", "relay", "node", cfg.NodeName),
		cfg:    cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		fed:     cfg.Federation,
		clients: make(map[string]*client),
		rooms:   make(map[string]map[string]struct{}),
	}
	if s.fed == nil {
		s.fed = NewLocalFederation(logger, cfg.NodeName)
	}
	s.fed.SetDeliver(s.deliverForwarded)
	return s
}

// ServeHTTP upgrades the request and serves the client until it leaves.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	down := s.shutdown
	s.mu.RUnlock()
	if down {
		http.Error(w, ErrShutdown.Error(), http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	c, err := s.register(conn, r.RemoteAddr, r.URL.Query().Get("nodeId"))
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, err.Error()), time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	s.fed.Announce(c.info())
	go func() {
		defer s.wg.Done()
		s.writePump(c)
	}()
	s.enqueue(c, signaling.Message{Type: signaling.TypeWelcome, ClientID: c.id})
	s.readPump(c)
	s.unregister(c)
}

func (s *Server) register(conn *websocket.Conn, addr, requested string) (*client, error) {
	now := s.cfg.Clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return nil, ErrShutdown
	}
	id := requested
	if _, taken := s.clients[id]; id == "" || taken {
		id = uuid.NewString()
	}
	c := &client{
		id:          id,
		addr:        addr,
		connectedAt: now,
		lastSeen:    now,
		conn:        conn,
		send:        make(chan []byte, s.cfg.SendBuffer),
		done:        make(chan struct{}),
	}
	s.clients[id] = c
	s.wg.Add(1)
	metrics.SetRelayClients(float64(len(s.clients)))
	s.logger.Info("client connected", "client_id", id, "remote", addr)
	return c, nil
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	if s.clients[c.id] != c {
		s.mu.Unlock()
		return
	}
	delete(s.clients, c.id)
	room := c.room
	s.leaveRoomLocked(c)
	targets := s.scopeLocked(room, c.id)
	metrics.SetRelayClients(float64(len(s.clients)))
	s.mu.Unlock()

	c.stop()
	s.fed.Withdraw(c.id)
	s.fanout(targets, signaling.Message{Type: signaling.TypePeerLeft, PeerID: c.id, Room: room})
	s.logger.Info("client disconnected", "client_id", c.id, "session", s.cfg.Clock.Since(c.connectedAt).Round(time.Millisecond))
}

func (s *Server) readPump(c *client) {
	defer c.conn.Close()
	_ = c.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("client read error", "client_id", c.id, "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		msg, err := signaling.Decode(data)
		if err != nil {
			metrics.RecordRelayMessage("invalid", metrics.RelayDropped)
			s.enqueue(c, signaling.Message{Type: signaling.TypeError, Error: "malformed message"})
			continue
		}
		s.handle(c, msg)
	}
}

func (s *Server) writePump(c *client) {
	ping := time.NewTicker(s.cfg.ReadTimeout * 9 / 10)
	defer func() {
		ping.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case <-c.done:
			// flush what is already queued, server_shutdown included
			for {
				select {
				case b := <-c.send:
					if s.write(c, websocket.TextMessage, b) != nil {
						return
					}
				default:
					_ = c.conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(s.cfg.WriteTimeout))
					return
				}
			}
		case b := <-c.send:
			if err := s.write(c, websocket.TextMessage, b); err != nil {
				s.logger.Debug("client write failed", "client_id", c.id, "error", err)
				return
			}
		case <-ping.C:
			if err := s.write(c, websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) write(c *client, kind int, b []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return c.conn.WriteMessage(kind, b)
}

func (s *Server) handle(c *client, msg signaling.Message) {
	s.touch(c)
	switch msg.Type {
	case signaling.TypeRegister:
		s.handleRegister(c, msg)
	case signaling.TypeJoinRoom:
		s.handleJoin(c, msg.Room)
	case signaling.TypeLeaveRoom:
		s.handleLeave(c)
	case signaling.TypePeerDiscoveryRequest:
		s.handleDiscovery(c, msg.Filters)
	case signaling.TypeSignal, signaling.TypeMessage:
		s.handleRelay(c, msg)
	case signaling.TypeBroadcast:
		s.handleBroadcast(c, msg)
	case signaling.TypeHeartbeat, signaling.TypePing:
		s.enqueue(c, signaling.Message{Type: signaling.TypePong})
	default:
		metrics.RecordRelayMessage(string(msg.Type), metrics.RelayDropped)
		s.enqueue(c, signaling.Message{Type: signaling.TypeError, Error: "unknown message type: " + string(msg.Type)})
		return
	}
	metrics.RecordRelayMessage(string(msg.Type), metrics.RelayDelivered)
}

func (s *Server) touch(c *client) {
	s.mu.Lock()
	c.lastSeen = s.cfg.Clock.Now()
	s.mu.Unlock()
}

func (s *Server) handleRegister(c *client, msg signaling.Message) {
	s.mu.Lock()
	if msg.Metadata != nil {
		c.metadata = msg.Metadata.Clone()
	}
	info := c.info()
	targets := s.scopeLocked(c.room, c.id)
	s.mu.Unlock()

	s.fed.Announce(info)
	s.fanout(targets, signaling.Message{Type: signaling.TypePeerUpdate, Peer: &info})
}

func (s *Server) handleJoin(c *client, room string) {
	if room == "" {
		s.enqueue(c, signaling.Message{Type: signaling.TypeError, Error: "room required"})
		return
	}
	s.mu.Lock()
	prev := c.room
	if prev == room {
		s.mu.Unlock()
		return
	}
	var left []*client
	if prev != "" {
		s.leaveRoomLocked(c)
		left = s.scopeLocked(prev, c.id)
	}
	members := s.rooms[room]
	if members == nil {
		members = make(map[string]struct{})
		s.rooms[room] = members
	}
	members[c.id] = struct{}{}
	c.room = room
	info := c.info()
	targets := s.scopeLocked(room, c.id)
	metrics.SetRelayRooms(float64(len(s.rooms)))
	s.mu.Unlock()

	s.logger.Debug("client joined room", "client_id", c.id, "room", room)
	s.fed.Announce(info)
	s.fanout(left, signaling.Message{Type: signaling.TypePeerLeft, PeerID: c.id, Room: prev})
	s.fanout(targets, signaling.Message{Type: signaling.TypePeerUpdate, Peer: &info})
}

func (s *Server) handleLeave(c *client) {
	s.mu.Lock()
	prev := c.room
	if prev == "" {
		s.mu.Unlock()
		return
	}
	s.leaveRoomLocked(c)
	targets := s.scopeLocked(prev, c.id)
	info := c.info()
	s.mu.Unlock()

	s.fed.Announce(info)
	s.fanout(targets, signaling.Message{Type: signaling.TypePeerLeft, PeerID: c.id, Room: prev})
}

// leaveRoomLocked drops c from its room and prunes the room when empty.
func (s *Server) leaveRoomLocked(c *client) {
	if c.room == "" {
		return
	}
	if members := s.rooms[c.room]; members != nil {
		delete(members, c.id)
		if len(members) == 0 {
			delete(s.rooms, c.room)
		}
	}
	c.room = ""
	metrics.SetRelayRooms(float64(len(s.rooms)))
}

func (s *Server) handleDiscovery(c *client, filters *signaling.DiscoveryFilters) {
	limit := s.cfg.MaxDiscoveryPeers
	if filters != nil && filters.Limit > 0 && filters.Limit < limit {
		limit = filters.Limit
	}

	s.mu.RLock()
	room := c.room
	var candidates []types.PeerInfo
	if room != "" {
		for id := range s.rooms[room] {
			if id != c.id {
				candidates = append(candidates, s.clients[id].info())
			}
		}
	} else {
		for id, other := range s.clients {
			if id != c.id {
				candidates = append(candidates, other.info())
			}
		}
	}
	s.mu.RUnlock()
	candidates = append(candidates, s.fed.Peers(room, 0)...)

	rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	peers := make([]types.PeerInfo, 0, limit)
	seen := make(map[string]struct{}, limit)
	for _, info := range candidates {
		if len(peers) == limit {
			break
		}
		if _, dup := seen[info.NodeID]; dup || !filters.Match(info) {
			continue
		}
		seen[info.NodeID] = struct{}{}
		peers = append(peers, info)
	}
	s.enqueue(c, signaling.Message{Type: signaling.TypePeerList, Peers: peers, Room: room})
}

func (s *Server) handleRelay(c *client, msg signaling.Message) {
	if msg.TargetID == "" {
		s.enqueue(c, signaling.Message{Type: signaling.TypeError, Error: "targetId required"})
		return
	}
	out := signaling.Message{
		Type:     msg.Type,
		SenderID: c.id,
		Signal:   msg.Signal,
		Payload:  msg.Payload,
		Room:     msg.Room,
	}

	s.mu.RLock()
	target := s.clients[msg.TargetID]
	s.mu.RUnlock()
	if target != nil {
		s.enqueue(target, out)
		return
	}

	data, err := signaling.Encode(out)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()
	ctx, span := otel.Tracer(tracing.TracerRelay).Start(ctx, tracing.SpanRelayFederationFwd,
		trace.WithAttributes(attribute.String("relay.target", msg.TargetID)))
	defer span.End()
	if err := s.fed.Forward(ctx, msg.TargetID, data); err != nil {
		span.RecordError(err)
		if !errors.Is(err, ErrUnknownClient) {
			s.logger.Warn("federation forward failed", "target_id", msg.TargetID, "error", err)
		}
		metrics.RecordRelayMessage(string(msg.Type), metrics.RelayNotFound)
		s.enqueue(c, signaling.Message{Type: signaling.TypeError, Error: "peer not found", TargetID: msg.TargetID})
		return
	}
	metrics.RecordRelayMessage(string(msg.Type), metrics.RelayForwarded)
}

func (s *Server) handleBroadcast(c *client, msg signaling.Message) {
	s.mu.RLock()
	room := c.room
	targets := s.scopeLocked(room, c.id)
	s.mu.RUnlock()
	s.fanout(targets, signaling.Message{Type: signaling.TypeBroadcast, SenderID: c.id, Payload: msg.Payload, Room: room})
}

// scopeLocked returns the other members of room, or a bounded sample of
// every client when room is empty.
func (s *Server) scopeLocked(room, self string) []*client {
	var out []*client
	if room != "" {
		for id := range s.rooms[room] {
			if id != self {
				out = append(out, s.clients[id])
			}
		}
		return out
	}
	for id, c := range s.clients {
		if id == self {
			continue
		}
		if len(out) == s.cfg.BroadcastSample {
			break
		}
		out = append(out, c)
	}
	return out
}

func (s *Server) fanout(targets []*client, msg signaling.Message) {
	if len(targets) == 0 {
		return
	}
	data, err := signaling.Encode(msg)
	if err != nil {
		s.logger.Error("encode fanout", "type", msg.Type, "error", err)
		return
	}
	for _, t := range targets {
		s.enqueueRaw(t, data)
	}
}

func (s *Server) enqueue(c *client, msg signaling.Message) {
	data, err := signaling.Encode(msg)
	if err != nil {
		s.logger.Error("encode message", "type", msg.Type, "error", err)
		return
	}
	s.enqueueRaw(c, data)
}

func (s *Server) enqueueRaw(c *client, data []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- data:
	default:
		metrics.RecordRelayMessage("outbound", metrics.RelayDropped)
		s.logger.Warn("client send buffer full, dropping message", "client_id", c.id)
	}
}

func (s *Server) deliverForwarded(clientID string, msg []byte) {
	s.mu.RLock()
	c := s.clients[clientID]
	s.mu.RUnlock()
	if c == nil {
		metrics.RecordRelayMessage("forwarded", metrics.RelayNotFound)
		return
	}
	s.enqueueRaw(c, msg)
}

// Peers lists local clients, narrowed to room when set.
func (s *Server) Peers(room string) []types.PeerInfo {
	s.mu.RLock()
	out := make([]types.PeerInfo, 0, len(s.clients))
	for _, c := range s.clients {
		if room == "" || c.room == room {
			out = append(out, c.info())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Rooms maps each non-empty room to its member count.
func (s *Server) Rooms() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int, len(s.rooms))
	for name, members := range s.rooms {
		out[name] = len(members)
	}
	return out
}

func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Ready reports whether the server still accepts sessions.
func (s *Server) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.shutdown
}

// Federation exposes the directory backend for health reporting.
func (s *Server) Federation() Federation { return s.fed }

// Shutdown notifies every client with server_shutdown, closes their
// sessions and waits for the writers to drain or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown = true
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		s.enqueue(c, signaling.Message{Type: signaling.TypeServerShutdown})
		c.stop()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	s.logger.Info("relay shut down", "clients", len(clients))
	return errors.Join(err, s.fed.Close())
}
