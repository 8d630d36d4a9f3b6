package tracing

import (
	"context"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Tracer names
const (
	TracerHTTP    = "httpserver"
	TracerReplica = "replica"
	TracerState   = "state"
	TracerMesh    = "mesh"
	TracerRelay   = "relay"
	TracerCLI     = "meshctl"
)

// Span names
const (
	SpanHTTPRequest        = "http.request"
	SpanReplicaBatch       = "replica.process_batch"
	SpanStateSync          = "state.process_sync"
	SpanStateCompact       = "state.compact"
	SpanMeshMaintain       = "mesh.maintain"
	SpanMeshSyncPush       = "mesh.sync_push"
	SpanRelayFederationFwd = "relay.federation_forward"
	SpanCLIListPeers       = "meshctl.list_peers"
	SpanCLIListRooms       = "meshctl.list_rooms"
)

type ShutdownFunc func(context.Context) error

// Init configures a global tracer provider. Uses stdout exporter when OTEL_TRACING_STDOUT=1.
// Otherwise installs a provider without exporter so spans can still be created.
func Init(ctx context.Context, logger *slog.Logger, defaultService string) (ShutdownFunc, error) {
	if logger == nil {
		logger = slog.Default()
	}
	serviceName := os.Getenv("OTEL_SERVICE_NAME")
	if serviceName == "" {
		serviceName = defaultService
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", serviceName),
			attribute.String("library", "github.com/ElisAS4/neonet-sub000"),
		),
	)
	if err != nil {
		logger.Warn("tracing resource init failed", "error", err)
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if os.Getenv("OTEL_TRACING_STDOUT") == "1" {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			logger.Error("stdout trace exporter init failed", "error", err)
		} else {
			opts = append(opts, sdktrace.WithBatcher(exp), sdktrace.WithSampler(sdktrace.AlwaysSample()))
		}
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
