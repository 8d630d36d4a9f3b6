package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	MergeChanged   = "changed"
	MergeUnchanged = "unchanged"
	MergeCreated   = "created"
	MergeFailed    = "failed"
)

var (
	crdtMergesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "neonet_crdt_merges_total",
			Help: "Remote CRDT states merged by kind and result",
		},
		[]string{"kind", "result"},
	)

	crdtMutationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "neonet_crdt_local_mutations_total",
			Help: "Local CRDT mutations by kind",
		},
		[]string{"kind"},
	)

	crdtInstances = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "neonet_crdt_instances",
			Help: "CRDT instances held by the local replica",
		},
	)

	crdtQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "neonet_crdt_sync_queue_depth",
			Help: "Incoming sync payloads waiting for the batch processor",
		},
	)

	crdtBatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "neonet_crdt_batch_duration_seconds",
			Help:    "Time spent draining one batch of incoming sync payloads",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	MustRegister(crdtMergesTotal, crdtMutationsTotal, crdtInstances, crdtQueueDepth, crdtBatchDuration)
}

func RecordCRDTMerge(kind, result string) {
	crdtMergesTotal.WithLabelValues(kind, result).Inc()
}

func RecordCRDTMutation(kind string) {
	crdtMutationsTotal.WithLabelValues(kind).Inc()
}

func SetCRDTInstances(n float64) { crdtInstances.Set(n) }

func SetCRDTQueueDepth(n float64) { crdtQueueDepth.Set(n) }

func ObserveCRDTBatchDuration(seconds float64) { crdtBatchDuration.Observe(seconds) }
