package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Event origins.
const (
	OriginLocal  = "local"
	OriginRemote = "remote"
)

var (
	stateEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "neonet_state_events_total",
			Help: "State events appended to the log by type and origin",
		},
		[]string{"type", "origin"},
	)

	stateRejectedWrites = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "neonet_state_rejected_writes_total",
			Help: "Writes logged but not applied because a newer write already won",
		},
	)

	stateEventLogSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "neonet_state_event_log_size",
			Help: "Events currently retained in the log",
		},
	)

	stateCompactionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "neonet_state_compactions_total",
			Help: "Event log compactions",
		},
	)

	stateSnapshotsInstalled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "neonet_state_remote_snapshots_installed_total",
			Help: "Remote snapshots installed over local ones",
		},
	)

	stateNotificationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "neonet_state_notifications_total",
			Help: "Debounced subscriber notifications delivered",
		},
	)
)

func init() {
	MustRegister(
		stateEventsTotal,
		stateRejectedWrites,
		stateEventLogSize,
		stateCompactionsTotal,
		stateSnapshotsInstalled,
		stateNotificationsTotal,
	)
}

func RecordStateEvent(eventType, origin string) {
	stateEventsTotal.WithLabelValues(eventType, origin).Inc()
}

func IncStateRejectedWrites() { stateRejectedWrites.Inc() }
func SetStateEventLogSize(n float64) { stateEventLogSize.Set(n) }
func IncStateCompactions() { stateCompactionsTotal.Inc() }
func IncStateSnapshotsInstalled() { stateSnapshotsInstalled.Inc() }
func AddStateNotifications(n int) { stateNotificationsTotal.Add(float64(n)) }
