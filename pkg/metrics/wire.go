package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Codec labels.
const (
	CodecGzip  = "gzip"
	CodecError = "error"
)

var (
	wirePayloadSizeBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "neonet_wire_payload_size_bytes",
			Help:    "Size of encoded sync payloads in bytes",
			Buckets: []float64{64, 256, 1024, 4096, 16384, 65536, 262144},
		},
		[]string{"direction"},
	)

	wireCompressionRatio = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "neonet_wire_compression_ratio",
			Help: "Compressed/uncompressed size ratio of the last compressed payload",
		},
		[]string{"codec"},
	)

	wireDecodeErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "neonet_wire_decode_errors_total",
			Help: "Sync payloads that failed to decompress or decode",
		},
	)
)

func init() {
	MustRegister(wirePayloadSizeBytes, wireCompressionRatio, wireDecodeErrors)
}

// ObserveWirePayloadSize records an encoded payload size; direction is "out" or "in".
func ObserveWirePayloadSize(direction string, bytes float64) {
	wirePayloadSizeBytes.WithLabelValues(direction).Observe(bytes)
}

func SetWireCompressionRatio(codec string, ratio float64) {
	wireCompressionRatio.WithLabelValues(codec).Set(ratio)
}

func IncWireDecodeErrors() { wireDecodeErrors.Inc() }
