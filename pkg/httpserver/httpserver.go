package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/ElisAS4/neonet-sub000/pkg/metrics"
	"github.com/ElisAS4/neonet-sub000/pkg/relay"
	"github.com/ElisAS4/neonet-sub000/pkg/types"
)

type peersResponse struct {
	Room  string           `json:"room,omitempty"`
	Count int              `json:"count"`
	Peers []types.PeerInfo `json:"peers"`
}

type statusResponse struct {
	Node       string `json:"node"`
	Clients    int    `json:"clients"`
	Rooms      int    `json:"rooms"`
	Federation int    `json:"federationMembers"`
}

// NewRouter exposes the relay over HTTP. The websocket endpoint is served
// on /ws and on / for clients that dial the bare host.
func NewRouter(logger *slog.Logger, srv *relay.Server, node string) *mux.Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := mux.NewRouter()
	r.Handle("/ws", wrapWithMetrics("/ws", srv)).Methods(http.MethodGet)
	r.Handle("/metrics", wrapWithMetrics("/metrics", metrics.Handler())).Methods(http.MethodGet)

	r.Handle("/healthz", wrapHandlerFuncWithMetrics("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})).Methods(http.MethodGet)

	r.Handle("/readyz", wrapHandlerFuncWithMetrics("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !srv.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("shutting down"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})).Methods(http.MethodGet)

	api := r.PathPrefix("/v1").Subrouter()
	api.Handle("/peers", wrapHandlerFuncWithMetrics("/v1/peers", func(w http.ResponseWriter, r *http.Request) {
		room := r.URL.Query().Get("room")
		peers := srv.Peers(room)
		writeJSON(w, http.StatusOK, peersResponse{Room: room, Count: len(peers), Peers: peers})
	})).Methods(http.MethodGet)

	api.Handle("/rooms", wrapHandlerFuncWithMetrics("/v1/rooms", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, srv.Rooms())
	})).Methods(http.MethodGet)

	api.Handle("/status", wrapHandlerFuncWithMetrics("/v1/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, statusResponse{
			Node:       node,
			Clients:    srv.ClientCount(),
			Rooms:      len(srv.Rooms()),
			Federation: srv.Federation().Members(),
		})
	})).Methods(http.MethodGet)

	r.Handle("/", wrapWithMetrics("/", srv)).Methods(http.MethodGet)
	r.NotFoundHandler = wrapHandlerFuncWithMetrics("not_found", func(w http.ResponseWriter, r *http.Request) {
		logger.Debug("route not found", "path", r.URL.Path)
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Start launches an HTTP server for srv on addr, like "127.0.0.1:8080".
// It returns a shutdown function that drains relay sessions first.
func Start(ctx context.Context, logger *slog.Logger, srv *relay.Server, node, addr string) func(context.Context) error {
	if logger == nil {
		logger = slog.Default()
	}
	hs := &http.Server{
		Addr:              addr,
		Handler:           NewRouter(logger, srv, node),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}
	go func() {
		logger.Info("http server listening", "addr", addr)
		if err := hs.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()
	return func(shutdownCtx context.Context) error {
		relayErr := srv.Shutdown(shutdownCtx)
		return errors.Join(relayErr, hs.Shutdown(shutdownCtx))
	}
}
