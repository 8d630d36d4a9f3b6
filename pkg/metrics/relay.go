package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Relay delivery results.
const (
	RelayDelivered = "delivered"
	RelayForwarded = "forwarded"
	RelayNotFound  = "not_found"
	RelayDropped   = "dropped"
)

var (
	relayClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "neonet_relay_clients",
			Help: "Websocket clients connected to this relay",
		},
	)

	relayRooms = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "neonet_relay_rooms",
			Help: "Rooms with at least one member",
		},
	)

	relayMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "neonet_relay_messages_total",
			Help: "Protocol messages received by type and result",
		},
		[]string{"type", "result"},
	)

	relayFederationMembers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "neonet_relay_federation_members",
			Help: "Relay nodes in the federation including this one",
		},
	)

	relayFederationOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "neonet_relay_federation_operations_total",
			Help: "Federation operations by backend, operation and status",
		},
		[]string{"backend", "operation", "status"},
	)
)

func init() {
	MustRegister(relayClients, relayRooms, relayMessagesTotal, relayFederationMembers, relayFederationOps)
}

func SetRelayClients(n float64) { relayClients.Set(n) }
func SetRelayRooms(n float64) { relayRooms.Set(n) }
func SetRelayFederationMembers(n float64) { relayFederationMembers.Set(n) }

func RecordRelayMessage(msgType, result string) {
	relayMessagesTotal.WithLabelValues(msgType, result).Inc()
}

func RecordFederationOp(backend, op, status string) {
	relayFederationOps.WithLabelValues(backend, op, status).Inc()
}
