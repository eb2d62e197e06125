// Package metrics exposes the engine's Prometheus metrics, grouped and
// registered the way the teacher's metrics.go does for its WebSocket
// server: package-level collectors, MustRegister in init, and a thin
// promhttp handler for scraping.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "replicon_connections_active",
		Help: "Current number of connected clients.",
	})

	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "replicon_connections_total",
		Help: "Total number of client connections accepted.",
	})

	TicksAssembled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "replicon_ticks_assembled_total",
		Help: "Total number of server ticks the assembler has run.",
	})

	BytesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "replicon_bytes_sent_total",
		Help: "Total bytes sent, by transport (the channel label carries the transport name).",
	}, []string{"channel"})

	BytesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "replicon_bytes_received_total",
		Help: "Total bytes received, by transport (the channel label carries the transport name).",
	}, []string{"channel"})

	MutationsQueued = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "replicon_mutations_queued",
		Help: "Current number of mutation packets held in the client's reorder queue, waiting for update_tick to catch up.",
	})

	MutationAckLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "replicon_mutation_ack_latency_seconds",
		Help:    "Time between sending a mutation packet and receiving its ack.",
		Buckets: prometheus.DefBuckets,
	})

	SkippedComponents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "replicon_skipped_components_total",
		Help: "Components skipped during decode (unknown fns id, entity mapping miss), and frames or connections dropped by the wsconn transport, by reason.",
	}, []string{"reason"})

	PendingReaped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "replicon_pending_reaped_total",
		Help: "Total number of unacked mutation packets dropped after PendingTimeout.",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsActive,
		ConnectionsTotal,
		TicksAssembled,
		BytesSent,
		BytesReceived,
		MutationsQueued,
		MutationAckLatency,
		SkippedComponents,
		PendingReaped,
	)
}

// Handler returns the promhttp handler for mounting at a scrape endpoint
// (e.g. GET /metrics).
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveAckLatency records the time between sending a mutation and its ack
// arriving.
func ObserveAckLatency(d time.Duration) {
	MutationAckLatency.Observe(d.Seconds())
}
