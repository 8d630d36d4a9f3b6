package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Connection attempt outcomes.
const (
	AttemptStarted   = "started"
	AttemptConnected = "connected"
	AttemptFailed    = "failed"
	AttemptTimeout   = "timeout"
	AttemptRefused   = "refused"
)

// Frame drop reasons.
const (
	DropRateLimited = "rate_limited"
	DropMalformed   = "malformed"
	DropDecode      = "decode"
)

var (
	meshDirectConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "neonet_mesh_direct_connections",
			Help: "Established direct peer connections",
		},
	)

	meshKnownPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "neonet_mesh_known_peers",
			Help: "Peer records in the local directory",
		},
	)

	meshAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "neonet_mesh_connection_attempts_total",
			Help: "Direct connection attempts by outcome",
		},
		[]string{"outcome"},
	)

	meshBlockedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "neonet_mesh_peers_blocked_total",
			Help: "Peers blocked after repeated failures",
		},
	)

	meshFramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "neonet_mesh_frames_total",
			Help: "Frames handled by type and path (direct or relay)",
		},
		[]string{"type", "path"},
	)

	meshFramesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "neonet_mesh_frames_dropped_total",
			Help: "Frames dropped by reason",
		},
		[]string{"reason"},
	)

	meshSignalingStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "neonet_mesh_signaling_status",
			Help: "1 for the current signaling status, 0 otherwise",
		},
		[]string{"status"},
	)
)

func init() {
	MustRegister(
		meshDirectConnections,
		meshKnownPeers,
		meshAttemptsTotal,
		meshBlockedTotal,
		meshFramesTotal,
		meshFramesDropped,
		meshSignalingStatus,
	)
}

func SetMeshDirectConnections(n float64) { meshDirectConnections.Set(n) }
func SetMeshKnownPeers(n float64) { meshKnownPeers.Set(n) }
func IncMeshPeersBlocked() { meshBlockedTotal.Inc() }

func RecordMeshAttempt(outcome string) {
	meshAttemptsTotal.WithLabelValues(outcome).Inc()
}

func RecordMeshFrame(frameType, path string) {
	meshFramesTotal.WithLabelValues(frameType, path).Inc()
}

func RecordMeshFrameDropped(reason string) {
	meshFramesDropped.WithLabelValues(reason).Inc()
}

// SetMeshSignalingStatus marks status as current among all known statuses.
func SetMeshSignalingStatus(status string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == status {
			v = 1
		}
		meshSignalingStatus.WithLabelValues(s).Set(v)
	}
}
