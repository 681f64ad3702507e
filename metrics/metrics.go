// Package metrics exposes the broker's observability surface as a
// Prometheus registry, scraped over HTTP at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds every metric the broker emits. Labels and names match
// the original Python service's metric surface so existing Grafana boards
// keep working.
type Registry struct {
	EdgeRelayConnections  prometheus.Gauge
	ConsumerConnections   prometheus.Gauge
	MessagesReceived      *prometheus.CounterVec // message_type, user_id
	MessagesProcessed     *prometheus.CounterVec // message_type
	MessagesFailed        *prometheus.CounterVec // message_type, error_type
	BufferSize            *prometheus.GaugeVec   // user_id
	BufferCapacity        *prometheus.GaugeVec   // user_id
	DBWritesTotal         *prometheus.CounterVec // table
	DBWriteDurationSecs   *prometheus.HistogramVec // table
	DBBatchSize           *prometheus.HistogramVec // table
	PendingWrites         *prometheus.GaugeVec   // table
	SampleLatencySeconds  *prometheus.HistogramVec // sample_type
	ActiveSessions        prometheus.Gauge
	SessionsCreatedTotal  prometheus.Counter
	SessionsEndedTotal    prometheus.Counter

	registerer prometheus.Registerer
}

// New builds a Registry and registers every metric with reg.
func New(reg prometheus.Registerer) *Registry {
	r := &Registry{
		registerer: reg,
		EdgeRelayConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "edge_relay_connections",
			Help: "Number of currently connected edge relay sockets.",
		}),
		ConsumerConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "consumer_connections",
			Help: "Number of currently connected consumer sockets.",
		}),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "messages_received_total",
			Help: "Messages received from edge connections.",
		}, []string{"message_type", "user_id"}),
		MessagesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "messages_processed_total",
			Help: "Messages successfully handled.",
		}, []string{"message_type"}),
		MessagesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "messages_failed_total",
			Help: "Messages that failed handling, by error type.",
		}, []string{"message_type", "error_type"}),
		BufferSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "buffer_size",
			Help: "Current sample count retained in a user's stream buffer.",
		}, []string{"user_id"}),
		BufferCapacity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "buffer_capacity",
			Help: "Configured capacity of a user's stream buffer.",
		}, []string{"user_id"}),
		DBWritesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "db_writes_total",
			Help: "Successful batch writes to the persistence sink.",
		}, []string{"table"}),
		DBWriteDurationSecs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "db_write_duration_seconds",
			Help: "Duration of a batch write to the persistence sink.",
		}, []string{"table"}),
		DBBatchSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "db_batch_size",
			Help:    "Size of batches written to the persistence sink.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}, []string{"table"}),
		PendingWrites: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pending_writes",
			Help: "Queue length awaiting flush, per table.",
		}, []string{"table"}),
		SampleLatencySeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "sample_latency_seconds",
			Help: "Time from sample receipt to fan-out/persistence enqueue.",
		}, []string{"sample_type"}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "active_sessions",
			Help: "Number of currently open edge sessions.",
		}),
		SessionsCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sessions_created_total",
			Help: "Total edge sessions created.",
		}),
		SessionsEndedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sessions_ended_total",
			Help: "Total edge sessions ended.",
		}),
	}

	reg.MustRegister(
		r.EdgeRelayConnections,
		r.ConsumerConnections,
		r.MessagesReceived,
		r.MessagesProcessed,
		r.MessagesFailed,
		r.BufferSize,
		r.BufferCapacity,
		r.DBWritesTotal,
		r.DBWriteDurationSecs,
		r.DBBatchSize,
		r.PendingWrites,
		r.SampleLatencySeconds,
		r.ActiveSessions,
		r.SessionsCreatedTotal,
		r.SessionsEndedTotal,
	)

	return r
}
