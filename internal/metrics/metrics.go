// Package metrics defines the Prometheus instruments for the delivery
// pipeline. The factory takes a Registerer so every process (and every test)
// owns an isolated registry instead of sharing the global default.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus instruments for the pipeline
type Metrics struct {
	// Storage facade metrics
	StorageRequests *prometheus.CounterVec
	StorageDuration *prometheus.HistogramVec
	StorageErrors   *prometheus.CounterVec
	StoragePayload  *prometheus.HistogramVec
	CacheReadState  *prometheus.CounterVec

	// Cache manager metrics
	CacheOperations    *prometheus.CounterVec
	CacheDuration      *prometheus.HistogramVec
	CacheRetries       *prometheus.CounterVec
	CacheInvalidations *prometheus.CounterVec

	// Outbox dispatcher metrics
	OutboxTickDuration *prometheus.HistogramVec
	OutboxTickResults  *prometheus.CounterVec
	OutboxPurged       prometheus.Counter

	// Consumer metrics
	ConsumerEvents    *prometheus.CounterVec
	ConsumerFailures  *prometheus.CounterVec
	ConsumerAcks      *prometheus.CounterVec
	ConsumerPELSize   *prometheus.GaugeVec
	ConsumerReclaimed *prometheus.CounterVec
	DLQWrites         *prometheus.CounterVec
	DLQErrors         prometheus.Counter

	// Gateway metrics
	WSConnections prometheus.Gauge
	WSBroadcasts  *prometheus.CounterVec
	WSDropped     *prometheus.CounterVec

	// Participant cache metrics
	ParticipantLookups       *prometheus.CounterVec
	ParticipantCacheErrors   prometheus.Counter
	ParticipantInvalidations *prometheus.CounterVec

	// Middleware metrics
	AuthzDenials *prometheus.CounterVec
	RateLimited  *prometheus.CounterVec

	// Circuit breaker metrics
	BreakerState       *prometheus.GaugeVec
	BreakerTransitions *prometheus.CounterVec

	// Notification sink metrics
	NotifyPublished *prometheus.CounterVec
}

// payloadBuckets spans 256B to 16MB, the practical envelope range.
var payloadBuckets = prometheus.ExponentialBuckets(256, 4, 9)

// New creates all pipeline instruments on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// ====================================================================
		// STORAGE FACADE
		// ====================================================================
		StorageRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storage_requests_total",
				Help: "Storage facade operations, by adapter and namespace",
			},
			[]string{"op", "adapter", "namespace", "consistency"},
		),
		StorageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "storage_request_duration_seconds",
				Help:    "Latency of storage facade operations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op", "adapter", "namespace"},
		),
		StorageErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storage_errors_total",
				Help: "Storage facade failures, labelled by error code",
			},
			[]string{"op", "adapter", "namespace", "code"},
		),
		StoragePayload: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "storage_payload_bytes",
				Help:    "Payload sizes moving through the facade",
				Buckets: payloadBuckets,
			},
			[]string{"op", "adapter", "namespace"},
		),
		CacheReadState: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storage_cache_reads_total",
				Help: "Cache outcome of facade reads",
			},
			[]string{"namespace", "state"}, // state: hit, stale, miss, bypass
		),

		// ====================================================================
		// CACHE MANAGER
		// ====================================================================
		CacheOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_operations_total",
				Help: "Cache manager operations by outcome",
			},
			[]string{"op", "namespace", "adapter", "outcome"},
		),
		CacheDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cache_operation_duration_seconds",
				Help:    "Latency of cache provider calls",
				Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
			},
			[]string{"op", "namespace", "adapter"},
		),
		CacheRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_retry_attempts_total",
				Help: "Failed cache attempts that were retried",
			},
			[]string{"namespace", "adapter"},
		),
		CacheInvalidations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_invalidations_total",
				Help: "Cache invalidation events by source",
			},
			[]string{"source"}, // source: local, remote, malformed
		),

		// ====================================================================
		// OUTBOX DISPATCHER
		// ====================================================================
		OutboxTickDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "outbox_tick_duration_seconds",
				Help:    "Duration of one dispatcher tick",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"stream"},
		),
		OutboxTickResults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outbox_tick_results_total",
				Help: "Per-row outcomes of dispatcher ticks",
			},
			[]string{"stream", "result"}, // result: published, requeued, buried, empty, error
		),
		OutboxPurged: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "outbox_purged_rows_total",
				Help: "Sent outbox rows removed by retention sweeps",
			},
		),

		// ====================================================================
		// CONSUMER
		// ====================================================================
		ConsumerEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "consumer_events_total",
				Help: "Broker entries processed by the consumer",
			},
			[]string{"group", "result"}, // result: delivered, deduped, parse_error, permanent_error, transient_error
		),
		ConsumerFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "consumer_failures_total",
				Help: "Consumer processing failures by reason",
			},
			[]string{"group", "reason"},
		),
		ConsumerAcks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "consumer_acks_total",
				Help: "Broker acknowledgements issued by the consumer",
			},
			[]string{"group", "outcome"}, // outcome: ok, error
		),
		ConsumerPELSize: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "consumer_pel_size",
				Help: "Pending-entry-list depth per consumer group",
			},
			[]string{"group"},
		),
		ConsumerReclaimed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "consumer_reclaimed_total",
				Help: "Entries reclaimed from dead peers via autoclaim",
			},
			[]string{"group"},
		),
		DLQWrites: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "consumer_dlq_writes_total",
				Help: "Dead-letter rows written, by reason",
			},
			[]string{"reason"},
		),
		DLQErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "consumer_dlq_errors_total",
				Help: "Dead-letter writes that failed (acks proceed regardless)",
			},
		),

		// ====================================================================
		// GATEWAY
		// ====================================================================
		WSConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ws_connections",
				Help: "Currently attached websocket sessions",
			},
		),
		WSBroadcasts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ws_broadcasts_total",
				Help: "Hub broadcast outcomes",
			},
			[]string{"outcome"}, // outcome: delivered, no_subscribers, invalid
		),
		WSDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ws_dropped_total",
				Help: "Envelopes dropped by backpressure queues",
			},
			[]string{"reason", "policy"},
		),

		// ====================================================================
		// PARTICIPANT CACHE
		// ====================================================================
		ParticipantLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "participant_cache_lookups_total",
				Help: "Participant cache lookups by outcome",
			},
			[]string{"outcome"}, // outcome: local_hit, kv_hit, miss
		),
		ParticipantCacheErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "participant_cache_errors_total",
				Help: "Participant lookups that failed and denied the request",
			},
		),
		ParticipantInvalidations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "participant_invalidations_total",
				Help: "Participant cache invalidation events by origin",
			},
			[]string{"origin"}, // origin: local, remote, malformed
		),

		// ====================================================================
		// MIDDLEWARE
		// ====================================================================
		AuthzDenials: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authz_denials_total",
				Help: "Requests denied by the authorization middleware",
			},
			[]string{"reason"}, // reason: unauthenticated, not_a_participant, cache_error, role
		),
		RateLimited: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rate_limited_total",
				Help: "Requests rejected by the fixed-window limiter",
			},
			[]string{"route"},
		),

		// ====================================================================
		// CIRCUIT BREAKERS
		// ====================================================================
		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Breaker state: 0 closed, 1 open, 2 half-open",
			},
			[]string{"name"},
		),
		BreakerTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "circuit_breaker_transitions_total",
				Help: "Breaker state transitions",
			},
			[]string{"name", "to"},
		),

		// ====================================================================
		// NOTIFICATION SINK
		// ====================================================================
		NotifyPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notify_published_total",
				Help: "Offline notification publishes by outcome",
			},
			[]string{"outcome"}, // outcome: ok, error, skipped
		),
	}
}

// NewRegistry builds an isolated registry with the standard Go and process
// collectors plus the pipeline instruments.
func NewRegistry() (*prometheus.Registry, *Metrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, New(reg)
}

// ObserveBreaker wires a breaker's OnStateChange hook to the state gauge and
// transition counter.
func (m *Metrics) ObserveBreaker(name string, to int32) {
	states := [...]string{"CLOSED", "OPEN", "HALF_OPEN"}
	label := "UNKNOWN"
	if int(to) < len(states) {
		label = states[to]
	}
	m.BreakerState.WithLabelValues(name).Set(float64(to))
	m.BreakerTransitions.WithLabelValues(name, label).Inc()
}

// RecordStorageRequest observes one facade operation terminal outcome.
func (m *Metrics) RecordStorageRequest(op, adapter, namespace, consistency string, seconds float64) {
	m.StorageRequests.WithLabelValues(op, adapter, namespace, consistency).Inc()
	m.StorageDuration.WithLabelValues(op, adapter, namespace).Observe(seconds)
}

// RecordStorageError counts a facade failure by taxonomy code.
func (m *Metrics) RecordStorageError(op, adapter, namespace, code string) {
	m.StorageErrors.WithLabelValues(op, adapter, namespace, code).Inc()
}
