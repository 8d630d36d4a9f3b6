package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "neonet_http_requests_total",
			Help: "Total number of relay HTTP requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "neonet_http_request_duration_seconds",
			Help:    "Duration of relay HTTP requests; websocket routes measure the whole session",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 60, 600},
		},
		[]string{"method", "route"},
	)

	httpActiveRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "neonet_http_active_requests",
			Help: "Number of in-flight HTTP requests including open websocket sessions",
		},
	)
)

func init() {
	MustRegister(
		httpRequestsTotal,
		httpRequestDurationSeconds,
		httpActiveRequests,
	)
}

// RecordHTTPRequest records an HTTP request with its result
func RecordHTTPRequest(method, route, status string) {
	httpRequestsTotal.WithLabelValues(method, route, status).Inc()
}

// ObserveHTTPRequestDuration records the duration of an HTTP request
func ObserveHTTPRequestDuration(method, route string, seconds float64) {
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(seconds)
}

func IncrementActiveRequests() { httpActiveRequests.Inc() }
func DecrementActiveRequests() { httpActiveRequests.Dec() }
