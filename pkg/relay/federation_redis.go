package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/ElisAS4/neonet-sub000/pkg/metrics"
	"github.com/ElisAS4/neonet-sub000/pkg/types"
)

// RedisConfig configures the Redis-backed federation.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	NodeName  string
	KeyPrefix string
	// EntryTTL discards directory entries whose relay stopped refreshing
	// them; RefreshInterval is how often this relay rewrites its own.
	EntryTTL        time.Duration
	RefreshInterval time.Duration
	Clock           clockwork.Clock
}

func (c RedisConfig) withDefaults() RedisConfig {
	if c.Addr == "" {
		c.Addr = "localhost:6379"
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "neonet:relay"
	}
	if c.EntryTTL <= 0 {
		c.EntryTTL = 2 * time.Minute
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = c.EntryTTL / 4
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return c
}

type redisEntry struct {
	Node      string         `json:"node"`
	Info      types.PeerInfo `json:"info"`
	UpdatedAt int64          `json:"updatedAt"`
}

type redisForward struct {
	Client string `json:"client"`
	Data   []byte `json:"data"`
}

// RedisFederation keeps the client directory in one Redis hash and fans
// targeted traffic out over a pub/sub channel per relay.
type RedisFederation struct {
	logger *slog.Logger
	cfg    RedisConfig
	rdb    *redis.Client
	sub    *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.RWMutex
	local   map[string]types.PeerInfo
	deliver DeliverFunc
}

// NewRedisFederation connects, subscribes to this relay's channel and
// starts the refresh loop.
func NewRedisFederation(ctx context.Context, logger *slog.Logger, cfg RedisConfig) (*RedisFederation, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	if cfg.NodeName == "" {
		return nil, errors.New("redis federation: NodeName required")
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}

	f := &RedisFederation{
		logger: logger.With("component", "federation_redis", "node", cfg.NodeName),
		cfg:    cfg,
		rdb:    rdb,
		done:   make(chan struct{}),
		local:  make(map[string]types.PeerInfo),
	}
	f.sub = rdb.Subscribe(ctx, f.channel(cfg.NodeName))
	if _, err := f.sub.Receive(ctx); err != nil {
		_ = f.sub.Close()
		_ = rdb.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go f.receiveLoop()
	go f.refreshLoop(loopCtx)
	return f, nil
}

func (f *RedisFederation) directoryKey() string { return f.cfg.KeyPrefix + ":directory" }
func (f *RedisFederation) channel(node string) string {
	return f.cfg.KeyPrefix + ":node:" + node
}

func (f *RedisFederation) Announce(info types.PeerInfo) {
	if info.NodeID == "" {
		return
	}
	f.mu.Lock()
	f.local[info.NodeID] = info
	f.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.write(ctx, info); err != nil {
		f.logger.Warn("announce failed", "client_id", info.NodeID, "error", err)
		metrics.RecordFederationOp("redis", "announce", "error")
		return
	}
	metrics.RecordFederationOp("redis", "announce", "success")
}

func (f *RedisFederation) write(ctx context.Context, info types.PeerInfo) error {
	b, err := json.Marshal(redisEntry{Node: f.cfg.NodeName, Info: info, UpdatedAt: f.cfg.Clock.Now().UnixMilli()})
	if err != nil {
		return err
	}
	return f.rdb.HSet(ctx, f.directoryKey(), info.NodeID, b).Err()
}

func (f *RedisFederation) Withdraw(clientID string) {
	f.mu.Lock()
	_, ok := f.local[clientID]
	delete(f.local, clientID)
	f.mu.Unlock()
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.rdb.HDel(ctx, f.directoryKey(), clientID).Err(); err != nil {
		f.logger.Warn("withdraw failed", "client_id", clientID, "error", err)
		metrics.RecordFederationOp("redis", "withdraw", "error")
		return
	}
	metrics.RecordFederationOp("redis", "withdraw", "success")
}

func (f *RedisFederation) lookup(ctx context.Context, clientID string) (redisEntry, bool, error) {
	raw, err := f.rdb.HGet(ctx, f.directoryKey(), clientID).Result()
	if errors.Is(err, redis.Nil) {
		return redisEntry{}, false, nil
	}
	if err != nil {
		return redisEntry{}, false, err
	}
	var e redisEntry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return redisEntry{}, false, nil
	}
	return e, !f.stale(e), nil
}

func (f *RedisFederation) stale(e redisEntry) bool {
	return f.cfg.Clock.Now().Sub(time.UnixMilli(e.UpdatedAt)) > f.cfg.EntryTTL
}

func (f *RedisFederation) Forward(ctx context.Context, clientID string, msg []byte) error {
	e, ok, err := f.lookup(ctx, clientID)
	if err != nil {
		metrics.RecordFederationOp("redis", "forward", "error")
		return fmt.Errorf("redis lookup %s: %w", clientID, err)
	}
	if !ok || e.Node == f.cfg.NodeName {
		metrics.RecordFederationOp("redis", "forward", "not_found")
		return ErrUnknownClient
	}
	b, err := json.Marshal(redisForward{Client: clientID, Data: msg})
	if err != nil {
		return err
	}
	receivers, err := f.rdb.Publish(ctx, f.channel(e.Node), b).Result()
	if err != nil {
		metrics.RecordFederationOp("redis", "forward", "error")
		return fmt.Errorf("redis publish to %s: %w", e.Node, err)
	}
	if receivers == 0 {
		metrics.RecordFederationOp("redis", "forward", "not_found")
		return ErrUnknownClient
	}
	metrics.RecordFederationOp("redis", "forward", "success")
	return nil
}

func (f *RedisFederation) Peers(room string, limit int) []types.PeerInfo {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	all, err := f.rdb.HGetAll(ctx, f.directoryKey()).Result()
	if err != nil {
		f.logger.Warn("directory read failed", "error", err)
		metrics.RecordFederationOp("redis", "peers", "error")
		return nil
	}
	out := make([]types.PeerInfo, 0, len(all))
	for _, raw := range all {
		var e redisEntry
		if json.Unmarshal([]byte(raw), &e) != nil || e.Node == f.cfg.NodeName || f.stale(e) {
			continue
		}
		if room == "" || e.Info.Room == room {
			out = append(out, e.Info)
		}
	}
	return truncatePeers(out, limit)
}

func (f *RedisFederation) SetDeliver(fn DeliverFunc) {
	f.mu.Lock()
	f.deliver = fn
	f.mu.Unlock()
}

// Members counts relays with a live subscription on the node channels.
func (f *RedisFederation) Members() int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	chans, err := f.rdb.PubSubChannels(ctx, f.cfg.KeyPrefix+":node:*").Result()
	if err != nil || len(chans) == 0 {
		return 1
	}
	return len(chans)
}

func (f *RedisFederation) Close() error {
	f.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	f.mu.Lock()
	ids := make([]string, 0, len(f.local))
	for id := range f.local {
		ids = append(ids, id)
	}
	f.local = make(map[string]types.PeerInfo)
	f.mu.Unlock()
	if len(ids) > 0 {
		if err := f.rdb.HDel(ctx, f.directoryKey(), ids...).Err(); err != nil {
			f.logger.Warn("directory cleanup failed", "error", err)
		}
	}
	err := f.sub.Close()
	<-f.done
	return errors.Join(err, f.rdb.Close())
}

func (f *RedisFederation) receiveLoop() {
	defer close(f.done)
	for msg := range f.sub.Channel() {
		var fwd redisForward
		if err := json.Unmarshal([]byte(msg.Payload), &fwd); err != nil {
			metrics.RecordFederationOp("redis", "receive", "error")
			continue
		}
		f.mu.RLock()
		deliver := f.deliver
		f.mu.RUnlock()
		if deliver != nil {
			deliver(fwd.Client, fwd.Data)
		}
		metrics.RecordFederationOp("redis", "receive", "success")
	}
}

func (f *RedisFederation) refreshLoop(ctx context.Context) {
	ticker := f.cfg.Clock.NewTicker(f.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			f.mu.RLock()
			infos := make([]types.PeerInfo, 0, len(f.local))
			for _, info := range f.local {
				infos = append(infos, info)
			}
			f.mu.RUnlock()
			for _, info := range infos {
				if err := f.write(ctx, info); err != nil {
					f.logger.Warn("directory refresh failed", "client_id", info.NodeID, "error", err)
					break
				}
			}
			metrics.SetRelayFederationMembers(float64(f.Members()))
		}
	}
}
