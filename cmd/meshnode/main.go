package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ElisAS4/neonet-sub000/pkg/mesh"
	"github.com/ElisAS4/neonet-sub000/pkg/node"
	"github.com/ElisAS4/neonet-sub000/pkg/peer"
	"github.com/ElisAS4/neonet-sub000/pkg/replica"
	"github.com/ElisAS4/neonet-sub000/pkg/tracing"
	"github.com/ElisAS4/neonet-sub000/pkg/types"
)

// rosterID is the OR-Set every node adds itself to on start.
const rosterID = "roster"

func main() {
	relayURL := flag.String("relay", envOr("NEONET_SIGNALING_URL", "ws://127.0.0.1:8080/ws"), "signaling relay websocket URL")
	nodeID := flag.String("id", envOr("NEONET_NODE_ID", ""), "node id, random when empty")
	room := flag.String("room", envOr("NEONET_ROOM", ""), "relay room to join")
	user := flag.String("user", envOr("NEONET_USER", ""), "display name registered with the relay")
	region := flag.String("region", envOr("NEONET_REGION", ""), "region registered with the relay")
	caps := flag.String("capabilities", envOr("NEONET_CAPABILITIES", ""), "comma-separated capabilities")
	prefer := flag.String("prefer-regions", envOr("NEONET_PREFER_REGIONS", ""), "comma-separated regions to favour")
	ice := flag.String("ice", envOr("NEONET_ICE_SERVERS", "stun:stun.l.google.com:19302"), "comma-separated ICE server URLs")
	maxConns := flag.Int("max-connections", envInt("NEONET_MAX_CONNECTIONS", 8), "direct connection bound")
	report := flag.Duration("report-interval", 30*time.Second, "how often to log mesh and roster state")
	logLevel := flag.String("log-level", envOr("NEONET_LOG_LEVEL", "info"), "debug, info, warn or error")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(*logLevel)}))
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := tracing.Init(ctx, logger, "neonet-meshnode")
	if err != nil {
		logger.Warn("tracing init failed", "error", err)
	}
	defer func() {
		if shutdownTracing != nil {
			_ = shutdownTracing(context.Background())
		}
	}()

	factory := peer.WebRTCFactory(logger, peer.WebRTCConfig{ICEServers: splitList(*ice)})
	n, err := node.New(logger, node.Config{
		NodeID: *nodeID,
		Mesh: mesh.Config{
			SignalingURL:         *relayURL,
			Room:                 *room,
			MaxDirectConnections: *maxConns,
			PreferredRegions:     splitList(*prefer),
			Metadata: types.PeerMetadata{
				UserName:     *user,
				Region:       *region,
				Capabilities: splitList(*caps),
			},
		},
	}, factory, nil)
	if err != nil {
		logger.Error("failed to create node", "error", err)
		os.Exit(1)
	}
	defer n.Close()

	n.Subscribe(func(ev node.Event) {
		switch ev.Type {
		case node.EventPeerJoined, node.EventPeerLeft:
			logger.Info("mesh membership changed", "event", ev.Type, "peer", ev.Mesh.PeerID)
		case node.EventMessage:
			logger.Info("message received", "peer", ev.Mesh.PeerID, "payload", string(ev.Mesh.Payload))
		case node.EventStatusChanged:
			logger.Info("mesh status", "status", ev.Mesh.Status)
		case node.EventCRDTChanged:
			logger.Debug("crdts changed", "ids", ev.CRDTs.IDs, "senders", ev.CRDTs.Senders)
		}
	})

	if err := n.CRDTs().CreateORSet(rosterID, n.ID()); err != nil && !errors.Is(err, replica.ErrExists) {
		logger.Error("failed to create roster", "error", err)
		os.Exit(1)
	}
	n.Start(ctx)
	logger.Info("meshnode started", "node", n.ID(), "relay", *relayURL)

	t := time.NewTicker(*report)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("meshnode exiting", "reason", ctx.Err())
			return
		case <-t.C:
			roster, _ := n.CRDTs().Value(rosterID)
			logger.Info("mesh report",
				"status", n.Status(),
				"connected", n.Mesh().ConnectedPeers(),
				"known", len(n.Mesh().Peers()),
				"roster", roster,
			)
		}
	}
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
