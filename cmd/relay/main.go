package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ElisAS4/neonet-sub000/pkg/httpserver"
	"github.com/ElisAS4/neonet-sub000/pkg/relay"
	"github.com/ElisAS4/neonet-sub000/pkg/tracing"
)

func main() {
	addr := flag.String("addr", envOr("NEONET_RELAY_ADDR", "127.0.0.1:8080"), "HTTP listen address")
	node := flag.String("node", envOr("NEONET_RELAY_NODE", ""), "relay node name, random when empty")
	logLevel := flag.String("log-level", envOr("NEONET_LOG_LEVEL", "info"), "debug, info, warn or error")
	maxPeers := flag.Int("max-discovery-peers", envInt("NEONET_RELAY_MAX_DISCOVERY_PEERS", 20), "peers returned per discovery request")
	sample := flag.Int("broadcast-sample", envInt("NEONET_RELAY_BROADCAST_SAMPLE", 50), "recipients of a room-less broadcast")
	fedKind := flag.String("federation", envOr("NEONET_RELAY_FEDERATION", "local"), "local, memberlist or redis")
	gossipBind := flag.String("gossip-bind", envOr("NEONET_GOSSIP_BIND", "0.0.0.0:7946"), "memberlist bind address")
	gossipSeeds := flag.String("gossip-seeds", envOr("NEONET_GOSSIP_SEEDS", ""), "comma-separated memberlist seeds")
	gossipProfile := flag.String("gossip-profile", envOr("NEONET_GOSSIP_PROFILE", "lan"), "memberlist profile: lan, wan or local")
	gossipKey := flag.String("gossip-key", envOr("NEONET_GOSSIP_KEY", ""), "hex memberlist encryption key")
	redisAddr := flag.String("redis-addr", envOr("NEONET_REDIS_ADDR", "localhost:6379"), "redis address")
	redisPassword := flag.String("redis-password", envOr("NEONET_REDIS_PASSWORD", ""), "redis password")
	redisDB := flag.Int("redis-db", envInt("NEONET_REDIS_DB", 0), "redis database")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(*logLevel)}))
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := tracing.Init(ctx, logger, "neonet-relay")
	if err != nil {
		logger.Warn("tracing init failed", "error", err)
	}
	defer func() {
		if shutdownTracing != nil {
			_ = shutdownTracing(context.Background())
		}
	}()

	name := *node
	if name == "" {
		host, _ := os.Hostname()
		name = fmt.Sprintf("relay-%s-%d", host, os.Getpid())
	}

	var fed relay.Federation
	switch *fedKind {
	case "local":
	case "memberlist":
		f, err := relay.NewMemberlistFederation(logger, relay.MemberlistConfig{
			NodeName: name,
			BindAddr: *gossipBind,
			Seeds:    splitList(*gossipSeeds),
			Profile:  *gossipProfile,
			KeyHex:   *gossipKey,
		})
		if err != nil {
			logger.Error("failed to start memberlist federation", "error", err)
			os.Exit(1)
		}
		fed = f
	case "redis":
		f, err := relay.NewRedisFederation(ctx, logger, relay.RedisConfig{
			Addr:     *redisAddr,
			Password: *redisPassword,
			DB:       *redisDB,
			NodeName: name,
		})
		if err != nil {
			logger.Error("failed to start redis federation", "error", err)
			os.Exit(1)
		}
		fed = f
	default:
		logger.Error("unknown federation backend", "federation", *fedKind)
		os.Exit(2)
	}

	srv := relay.NewServer(logger, relay.Config{
		NodeName:          name,
		MaxDiscoveryPeers: *maxPeers,
		BroadcastSample:   *sample,
		Federation:        fed,
	})
	stop := httpserver.Start(ctx, logger, srv, name, *addr)
	logger.Info("relay started", "node", name, "addr", *addr, "federation", *fedKind)

	<-ctx.Done()
	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	if err := stop(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
	logger.Info("relay exiting", "reason", ctx.Err())
}

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}
