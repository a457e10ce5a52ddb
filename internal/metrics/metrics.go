package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Messages enqueued counter
	MessagesEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leaseq_messages_enqueued_total",
			Help: "Total number of messages enqueued",
		},
		[]string{"queue"},
	)

	// Messages leased to consumers
	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leaseq_messages_received_total",
			Help: "Total number of leases granted",
		},
		[]string{"queue"},
	)

	// Receives that returned no messages
	EmptyReceives = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leaseq_empty_receives_total",
			Help: "Total number of receive calls that returned no messages",
		},
		[]string{"queue"},
	)

	// Messages deleted with a valid lease
	MessagesDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leaseq_messages_deleted_total",
			Help: "Total number of messages deleted",
		},
		[]string{"queue"},
	)

	// Delete/extend calls rejected because the lease was no longer valid
	StaleLeases = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leaseq_stale_leases_total",
			Help: "Total number of delete or extend calls made with a stale lease",
		},
		[]string{"queue", "op"},
	)

	// Messages moved to the dead-letter queue
	MessagesRedriven = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leaseq_messages_redriven_total",
			Help: "Total number of messages moved to a dead-letter queue",
		},
		[]string{"queue", "dlq"},
	)

	// Store operations that failed
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leaseq_store_errors_total",
			Help: "Total number of failed store operations",
		},
		[]string{"queue", "op"},
	)

	// Queue depth by state, refreshed by the monitor
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "leaseq_queue_messages",
			Help: "Number of messages in a queue by state",
		},
		[]string{"queue", "state"},
	)

	// Monitor run duration
	MonitorDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "leaseq_monitor_duration_seconds",
			Help:    "Time taken for the monitor to collect queue stats",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Monitor errors counter
	MonitorErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "leaseq_monitor_errors_total",
			Help: "Total number of monitor errors",
		},
	)

	// Worker outcomes per message
	WorkerMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leaseq_worker_messages_total",
			Help: "Total number of messages processed by workers by outcome",
		},
		[]string{"queue", "outcome"},
	)

	// Handler latency
	WorkerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "leaseq_worker_handler_duration_seconds",
			Help:    "Time spent in message handlers",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue"},
	)
)

// Embedded storage latencies, fed by the pebble backend
var StorageDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "leaseq_storage_op_duration_seconds",
		Help:    "Latency of embedded storage reads and batch commits",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
	},
	[]string{"op"},
)

// Bytes moved through embedded storage
var StorageBytes = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "leaseq_storage_bytes_total",
		Help: "Bytes read from or committed to embedded storage",
	},
	[]string{"op"},
)
