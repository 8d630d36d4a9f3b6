package httpserver

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ElisAS4/neonet-sub000/pkg/metrics"
	"github.com/ElisAS4/neonet-sub000/pkg/tracing"
)

// metricsMiddleware records request metrics and opens a server span.
type metricsMiddleware struct {
	handler   http.Handler
	routeName string
}

func (m *metricsMiddleware) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	metrics.IncrementActiveRequests()
	defer metrics.DecrementActiveRequests()

	wrapped := &responseWriter{ResponseWriter: w}

	ctx, span := otel.Tracer(tracing.TracerHTTP).Start(r.Context(), tracing.SpanHTTPRequest, trace.WithSpanKind(trace.SpanKindServer))
	span.SetAttributes(
		attribute.String("http.method", r.Method),
		attribute.String("http.route", m.routeName),
	)

	m.handler.ServeHTTP(wrapped, r.WithContext(ctx))

	status := wrapped.statusCode
	if wrapped.hijacked {
		status = http.StatusSwitchingProtocols
	} else if status == 0 {
		status = http.StatusOK
	}
	metrics.ObserveHTTPRequestDuration(r.Method, m.routeName, time.Since(start).Seconds())
	metrics.RecordHTTPRequest(r.Method, m.routeName, strconv.Itoa(status))

	span.SetAttributes(attribute.Int("http.status_code", status))
	if status >= 500 {
		span.SetStatus(codes.Error, "server error")
	}
	span.End()
}

// responseWriter captures the status code and passes hijacking through so
// websocket upgrades work behind the middleware.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	hijacked   bool
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if rw.statusCode == 0 {
		rw.statusCode = http.StatusOK
	}
	return rw.ResponseWriter.Write(b)
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("httpserver: response writer does not support hijacking")
	}
	conn, buf, err := h.Hijack()
	if err == nil {
		rw.hijacked = true
	}
	return conn, buf, err
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func wrapWithMetrics(routeName string, handler http.Handler) http.Handler {
	return &metricsMiddleware{handler: handler, routeName: routeName}
}

func wrapHandlerFuncWithMetrics(routeName string, handler http.HandlerFunc) http.Handler {
	return wrapWithMetrics(routeName, handler)
}
