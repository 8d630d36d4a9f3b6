package relay

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	hmemberlist "github.com/hashicorp/memberlist"
	"github.com/jonboulle/clockwork"

	"github.com/ElisAS4/neonet-sub000/pkg/cache"
	"github.com/ElisAS4/neonet-sub000/pkg/metrics"
	"github.com/ElisAS4/neonet-sub000/pkg/types"
)

// MemberlistConfig configures the gossip-backed federation.
type MemberlistConfig struct {
	NodeName string
	BindAddr string // host:port, port 0 picks a free one
	Seeds    []string
	// Profile selects memberlist defaults: "lan" (default), "wan" or "local".
	Profile          string
	RetransmitMult   int
	GossipInterval   time.Duration
	ProbeInterval    time.Duration
	PushPullInterval time.Duration
	KeyHex           string // optional hex-encoded keyring secret
	// EntryTTL expires remote directory entries that are not refreshed by
	// gossip or push/pull.
	EntryTTL time.Duration
	Clock    clockwork.Clock
}

func (c MemberlistConfig) withDefaults() MemberlistConfig {
	if c.EntryTTL <= 0 {
		c.EntryTTL = 2 * time.Minute
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return c
}

type fedMsgType string

const (
	fedAnnounce fedMsgType = "announce"
	fedWithdraw fedMsgType = "withdraw"
	fedForward  fedMsgType = "forward"
)

type fedMsg struct {
	Type   fedMsgType      `json:"type"`
	Node   string          `json:"node"`
	Client string          `json:"client"`
	Info   *types.PeerInfo `json:"info,omitempty"`
	Data   []byte          `json:"data,omitempty"`
}

type remoteEntry struct {
	Node string         `json:"node"`
	Info types.PeerInfo `json:"info"`
}

type directoryState struct {
	Node    string           `json:"node"`
	Entries []types.PeerInfo `json:"entries"`
}

// MemberlistFederation gossips the client directory between relays and
// forwards targeted traffic over memberlist's reliable channel.
type MemberlistFederation struct {
	logger *slog.Logger
	cfg    MemberlistConfig
	cancel context.CancelFunc

	mu      sync.RWMutex
	local   map[string]types.PeerInfo
	deliver DeliverFunc

	remote *cache.TTL[remoteEntry]
	ml     atomic.Pointer[hmemberlist.Memberlist]
	queue  *hmemberlist.TransmitLimitedQueue
}

// NewMemberlistFederation creates the memberlist node and joins any seeds.
func NewMemberlistFederation(logger *slog.Logger, cfg MemberlistConfig) (*MemberlistFederation, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	f := &MemberlistFederation{
		logger: logger.With("component", "federation_memberlist"),
		cfg:    cfg,
		local:  make(map[string]types.PeerInfo),
	}
	f.remote = cache.NewTTL[remoteEntry](f.logger, cfg.Clock, cfg.EntryTTL, cfg.EntryTTL/4)

	var mlCfg *hmemberlist.Config
	switch cfg.Profile {
	case "local":
		mlCfg = hmemberlist.DefaultLocalConfig()
	case "wan":
		mlCfg = hmemberlist.DefaultWANConfig()
	default:
		mlCfg = hmemberlist.DefaultLANConfig()
	}
	if cfg.NodeName != "" {
		mlCfg.Name = cfg.NodeName
	}
	if cfg.BindAddr != "" {
		host, port, err := ParseAddr(cfg.BindAddr)
		if err != nil {
			return nil, err
		}
		mlCfg.BindAddr, mlCfg.BindPort = host, port
		mlCfg.AdvertisePort = port
	}
	if cfg.RetransmitMult > 0 {
		mlCfg.RetransmitMult = cfg.RetransmitMult
	}
	if cfg.GossipInterval > 0 {
		mlCfg.GossipInterval = cfg.GossipInterval
	}
	if cfg.ProbeInterval > 0 {
		mlCfg.ProbeInterval = cfg.ProbeInterval
	}
	if cfg.PushPullInterval > 0 {
		mlCfg.PushPullInterval = cfg.PushPullInterval
	}
	if cfg.KeyHex != "" {
		b, err := hex.DecodeString(cfg.KeyHex)
		if err != nil {
			return nil, fmt.Errorf("invalid KeyHex: %w", err)
		}
		kr, err := hmemberlist.NewKeyring([][]byte{b}, b)
		if err != nil {
			return nil, err
		}
		mlCfg.Keyring = kr
	}
	mlCfg.LogOutput = slogWriter{f.logger}

	f.cfg.NodeName = mlCfg.Name
	f.queue = &hmemberlist.TransmitLimitedQueue{
		NumNodes:       f.Members,
		RetransmitMult: mlCfg.RetransmitMult,
	}
	d := &fedDelegate{f: f}
	mlCfg.Delegate = d
	mlCfg.Events = d

	ml, err := hmemberlist.Create(mlCfg)
	if err != nil {
		return nil, fmt.Errorf("memberlist create: %w", err)
	}
	f.ml.Store(ml)

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.remote.Start(ctx)

	if len(cfg.Seeds) > 0 {
		if n, err := ml.Join(cfg.Seeds); err != nil {
			f.logger.Warn("federation join incomplete", "seeds", cfg.Seeds, "joined", n, "error", err)
		}
	}
	metrics.SetRelayFederationMembers(float64(ml.NumMembers()))
	return f, nil
}

// Addr is the address other relays use as a seed.
func (f *MemberlistFederation) Addr() string {
	n := f.ml.Load().LocalNode()
	return net.JoinHostPort(n.Addr.String(), strconv.Itoa(int(n.Port)))
}

func (f *MemberlistFederation) Announce(info types.PeerInfo) {
	if info.NodeID == "" {
		return
	}
	f.mu.Lock()
	f.local[info.NodeID] = info
	f.mu.Unlock()
	f.broadcast(fedMsg{Type: fedAnnounce, Node: f.cfg.NodeName, Client: info.NodeID, Info: &info})
}

func (f *MemberlistFederation) Withdraw(clientID string) {
	f.mu.Lock()
	_, ok := f.local[clientID]
	delete(f.local, clientID)
	f.mu.Unlock()
	if ok {
		f.broadcast(fedMsg{Type: fedWithdraw, Node: f.cfg.NodeName, Client: clientID})
	}
}

func (f *MemberlistFederation) Forward(ctx context.Context, clientID string, msg []byte) error {
	entry, ok := f.remote.Get(clientID)
	if !ok {
		metrics.RecordFederationOp("memberlist", "forward", "not_found")
		return ErrUnknownClient
	}
	var target *hmemberlist.Node
	for _, n := range f.ml.Load().Members() {
		if n.Name == entry.Node {
			target = n
			break
		}
	}
	if target == nil {
		f.remote.Remove(clientID)
		metrics.RecordFederationOp("memberlist", "forward", "not_found")
		return ErrUnknownClient
	}
	b, err := json.Marshal(fedMsg{Type: fedForward, Node: f.cfg.NodeName, Client: clientID, Data: msg})
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := f.ml.Load().SendReliable(target, b); err != nil {
		metrics.RecordFederationOp("memberlist", "forward", "error")
		return fmt.Errorf("forward to %s: %w", entry.Node, err)
	}
	metrics.RecordFederationOp("memberlist", "forward", "success")
	return nil
}

func (f *MemberlistFederation) Peers(room string, limit int) []types.PeerInfo {
	out := make([]types.PeerInfo, 0)
	f.remote.Range(func(_ string, e remoteEntry) bool {
		if room == "" || e.Info.Room == room {
			out = append(out, e.Info)
		}
		return true
	})
	return truncatePeers(out, limit)
}

func (f *MemberlistFederation) SetDeliver(fn DeliverFunc) {
	f.mu.Lock()
	f.deliver = fn
	f.mu.Unlock()
}

func (f *MemberlistFederation) Members() int {
	if ml := f.ml.Load(); ml != nil {
		return ml.NumMembers()
	}
	return 1
}

// Close leaves the cluster and shuts memberlist down.
func (f *MemberlistFederation) Close() error {
	f.cancel()
	ml := f.ml.Load()
	if err := ml.Leave(time.Second); err != nil {
		f.logger.Warn("federation leave failed", "error", err)
	}
	return ml.Shutdown()
}

func (f *MemberlistFederation) broadcast(msg fedMsg) {
	b, err := json.Marshal(msg)
	if err != nil {
		metrics.RecordFederationOp("memberlist", string(msg.Type), "marshal_error")
		return
	}
	f.queue.QueueBroadcast(simpleBroadcast(b))
	metrics.RecordFederationOp("memberlist", string(msg.Type), "queued")
}

func (f *MemberlistFederation) apply(msg fedMsg) {
	if msg.Node == f.cfg.NodeName {
		return
	}
	switch msg.Type {
	case fedAnnounce:
		if msg.Info != nil {
			f.remote.Put(msg.Client, remoteEntry{Node: msg.Node, Info: *msg.Info})
		}
	case fedWithdraw:
		if e, ok := f.remote.Get(msg.Client); ok && e.Node == msg.Node {
			f.remote.Remove(msg.Client)
		}
	case fedForward:
		f.mu.RLock()
		deliver := f.deliver
		f.mu.RUnlock()
		if deliver != nil {
			deliver(msg.Client, msg.Data)
		}
	}
	metrics.RecordFederationOp("memberlist", "receive_"+string(msg.Type), "success")
}

// fedDelegate wires memberlist callbacks to the federation.
type fedDelegate struct{ f *MemberlistFederation }

// Delegate
func (d *fedDelegate) NodeMeta(limit int) []byte { return nil }

func (d *fedDelegate) NotifyMsg(b []byte) {
	var m fedMsg
	if err := json.Unmarshal(b, &m); err != nil {
		metrics.RecordFederationOp("memberlist", "receive", "error")
		return
	}
	d.f.apply(m)
}

func (d *fedDelegate) GetBroadcasts(overhead, limit int) [][]byte {
	return d.f.queue.GetBroadcasts(overhead, limit)
}

func (d *fedDelegate) LocalState(join bool) []byte {
	d.f.mu.RLock()
	st := directoryState{Node: d.f.cfg.NodeName, Entries: make([]types.PeerInfo, 0, len(d.f.local))}
	for _, info := range d.f.local {
		st.Entries = append(st.Entries, info)
	}
	d.f.mu.RUnlock()
	b, err := json.Marshal(st)
	if err != nil {
		metrics.RecordFederationOp("memberlist", "local_state", "marshal_error")
		return nil
	}
	return b
}

// MergeRemoteState refreshes the remote directory on every push/pull so
// entries survive EntryTTL while their relay is alive.
func (d *fedDelegate) MergeRemoteState(buf []byte, join bool) {
	if len(buf) == 0 {
		return
	}
	var st directoryState
	if err := json.Unmarshal(buf, &st); err != nil {
		metrics.RecordFederationOp("memberlist", "merge_state", "unmarshal_error")
		return
	}
	if st.Node == d.f.cfg.NodeName {
		return
	}
	live := make(map[string]struct{}, len(st.Entries))
	for _, info := range st.Entries {
		live[info.NodeID] = struct{}{}
		d.f.remote.Put(info.NodeID, remoteEntry{Node: st.Node, Info: info})
	}
	d.f.remote.RemoveIf(func(id string, e remoteEntry) bool {
		_, ok := live[id]
		return e.Node == st.Node && !ok
	})
	metrics.RecordFederationOp("memberlist", "merge_state", "success")
}

// EventDelegate
func (d *fedDelegate) NotifyJoin(n *hmemberlist.Node) {
	d.members()
}

func (d *fedDelegate) NotifyLeave(n *hmemberlist.Node) {
	removed := d.f.remote.RemoveIf(func(_ string, e remoteEntry) bool { return e.Node == n.Name })
	d.f.logger.Info("relay left federation", "node", n.Name, "clients_dropped", removed)
	d.members()
}

func (d *fedDelegate) NotifyUpdate(n *hmemberlist.Node) {}

func (d *fedDelegate) members() {
	metrics.SetRelayFederationMembers(float64(d.f.Members()))
}

type simpleBroadcast []byte

func (s simpleBroadcast) Invalidates(other hmemberlist.Broadcast) bool { return false }
func (s simpleBroadcast) Message() []byte                              { return []byte(s) }
func (s simpleBroadcast) Finished()                                    {}

// ParseAddr splits host:port into host and port.
func ParseAddr(addr string) (string, int, error) {
	host, p, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("parse %q: %w", addr, err)
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return "", 0, fmt.Errorf("parse port %q: %w", p, err)
	}
	return host, port, nil
}

// slogWriter routes memberlist's log.Logger output through slog at debug.
type slogWriter struct{ logger *slog.Logger }

func (w slogWriter) Write(p []byte) (int, error) {
	w.logger.Debug(string(trimNewline(p)))
	return len(p), nil
}

func trimNewline(p []byte) []byte {
	for len(p) > 0 && (p[len(p)-1] == '\n' || p[len(p)-1] == '\r') {
		p = p[:len(p)-1]
	}
	return p
}
