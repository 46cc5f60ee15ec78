package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the sync node.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Op cache metrics
	OpCacheRecordsTotal   *prometheus.CounterVec
	OpCacheEvictionsTotal *prometheus.CounterVec
	OpCacheEntries        *prometheus.GaugeVec
	OpCacheQueriesTotal   prometheus.Counter
	OpCacheQueryDuration  prometheus.Histogram

	// Subscription metrics
	SubscriptionsActive       prometheus.Gauge
	SubscriptionsTotal        *prometheus.CounterVec
	SubscriptionFailuresTotal *prometheus.CounterVec
	FramesDeliveredTotal      prometheus.Counter
	CatchupModeTotal          *prometheus.CounterVec

	// Store metrics
	MutationsTotal        *prometheus.CounterVec
	MutationConflicts     prometheus.Counter
	MutationDuration      prometheus.Histogram
	FetchRequestsTotal    *prometheus.CounterVec
	FetchRequestsDuration prometheus.Histogram

	// Transport metrics
	TransportRequestsTotal   *prometheus.CounterVec
	TransportRequestDuration *prometheus.HistogramVec
	TransportConnections     prometheus.Gauge

	// Gossip metrics
	GossipMembersTotal   prometheus.Gauge
	GossipMembersHealthy prometheus.Gauge
	GossipMessagesTotal  *prometheus.CounterVec

	// System metrics
	MemoryUsageBytes prometheus.Gauge
	GoroutinesTotal  prometheus.Gauge
}

// NewMetrics creates the metrics and registers them with reg.
func NewMetrics(nodeID string, reg prometheus.Registerer) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}
	factory := promauto.With(reg)

	return &Metrics{
		OpCacheRecordsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "syncnode",
			Subsystem:   "opcache",
			Name:        "records_total",
			Help:        "Total number of transactions recorded per source",
			ConstLabels: labels,
		}, []string{"source"}),
		OpCacheEvictionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "syncnode",
			Subsystem:   "opcache",
			Name:        "evictions_total",
			Help:        "Total number of entries evicted by retention per source",
			ConstLabels: labels,
		}, []string{"source"}),
		OpCacheEntries: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "syncnode",
			Subsystem:   "opcache",
			Name:        "entries",
			Help:        "Current number of retained entries per source",
			ConstLabels: labels,
		}, []string{"source"}),
		OpCacheQueriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "syncnode",
			Subsystem:   "opcache",
			Name:        "queries_total",
			Help:        "Total number of op cache range queries",
			ConstLabels: labels,
		}),
		OpCacheQueryDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "syncnode",
			Subsystem:   "opcache",
			Name:        "query_duration_seconds",
			Help:        "Histogram of op cache query durations",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),

		SubscriptionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "syncnode",
			Subsystem:   "subscription",
			Name:        "active",
			Help:        "Current number of open subscriptions",
			ConstLabels: labels,
		}),
		SubscriptionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "syncnode",
			Subsystem:   "subscription",
			Name:        "opened_total",
			Help:        "Total number of subscriptions by initial mode",
			ConstLabels: labels,
		}, []string{"mode"}),
		SubscriptionFailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "syncnode",
			Subsystem:   "subscription",
			Name:        "failures_total",
			Help:        "Total number of subscriptions failed by error code",
			ConstLabels: labels,
		}, []string{"code"}),
		FramesDeliveredTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "syncnode",
			Subsystem:   "subscription",
			Name:        "frames_total",
			Help:        "Total number of catchup frames delivered",
			ConstLabels: labels,
		}),
		CatchupModeTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "syncnode",
			Subsystem:   "subscription",
			Name:        "catchup_mode_total",
			Help:        "Total number of catchups by delivery mode (raw, composed, replace)",
			ConstLabels: labels,
		}, []string{"mode"}),

		MutationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "syncnode",
			Subsystem:   "store",
			Name:        "mutations_total",
			Help:        "Total number of mutations by store and status",
			ConstLabels: labels,
		}, []string{"store", "status"}),
		MutationConflicts: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "syncnode",
			Subsystem:   "store",
			Name:        "mutation_conflicts_total",
			Help:        "Total number of mutations rejected for a stale expected version",
			ConstLabels: labels,
		}),
		MutationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "syncnode",
			Subsystem:   "store",
			Name:        "mutation_duration_seconds",
			Help:        "Histogram of mutation durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		FetchRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "syncnode",
			Subsystem:   "store",
			Name:        "fetch_requests_total",
			Help:        "Total number of fetch requests by query kind",
			ConstLabels: labels,
		}, []string{"query_kind"}),
		FetchRequestsDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "syncnode",
			Subsystem:   "store",
			Name:        "fetch_duration_seconds",
			Help:        "Histogram of fetch durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),

		TransportRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "syncnode",
			Subsystem:   "transport",
			Name:        "requests_total",
			Help:        "Total number of transport requests by method and status",
			ConstLabels: labels,
		}, []string{"method", "status"}),
		TransportRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "syncnode",
			Subsystem:   "transport",
			Name:        "request_duration_seconds",
			Help:        "Histogram of transport request durations by method",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"method"}),
		TransportConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "syncnode",
			Subsystem:   "transport",
			Name:        "connections",
			Help:        "Current number of open transport connections",
			ConstLabels: labels,
		}),

		GossipMembersTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "syncnode",
			Subsystem:   "gossip",
			Name:        "members_total",
			Help:        "Total number of gossip members",
			ConstLabels: labels,
		}),
		GossipMembersHealthy: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "syncnode",
			Subsystem:   "gossip",
			Name:        "members_healthy",
			Help:        "Number of healthy gossip members",
			ConstLabels: labels,
		}),
		GossipMessagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "syncnode",
			Subsystem:   "gossip",
			Name:        "messages_total",
			Help:        "Total number of gossip messages by type",
			ConstLabels: labels,
		}, []string{"type"}),

		MemoryUsageBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "syncnode",
			Subsystem:   "system",
			Name:        "memory_usage_bytes",
			Help:        "Current heap usage in bytes",
			ConstLabels: labels,
		}),
		GoroutinesTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "syncnode",
			Subsystem:   "system",
			Name:        "goroutines_total",
			Help:        "Current number of goroutines",
			ConstLabels: labels,
		}),
	}
}

// RecordOpCacheAppend records an appended entry and the resulting log length.
func (m *Metrics) RecordOpCacheAppend(source string, evicted, entries int) {
	if m == nil {
		return
	}
	m.OpCacheRecordsTotal.WithLabelValues(source).Inc()
	if evicted > 0 {
		m.OpCacheEvictionsTotal.WithLabelValues(source).Add(float64(evicted))
	}
	m.OpCacheEntries.WithLabelValues(source).Set(float64(entries))
}

// RecordOpCacheQuery records an op cache query.
func (m *Metrics) RecordOpCacheQuery(duration float64) {
	if m == nil {
		return
	}
	m.OpCacheQueriesTotal.Inc()
	m.OpCacheQueryDuration.Observe(duration)
}

// SubscriptionOpened records a new subscription in the given initial mode.
func (m *Metrics) SubscriptionOpened(mode string) {
	if m == nil {
		return
	}
	m.SubscriptionsTotal.WithLabelValues(mode).Inc()
	m.SubscriptionsActive.Inc()
}

// SubscriptionClosed records a subscription releasing its registration.
func (m *Metrics) SubscriptionClosed() {
	if m == nil {
		return
	}
	m.SubscriptionsActive.Dec()
}

// RecordSubscriptionFailure records a terminal stream error.
func (m *Metrics) RecordSubscriptionFailure(code string) {
	if m == nil {
		return
	}
	m.SubscriptionFailuresTotal.WithLabelValues(code).Inc()
}

// RecordFrame records a delivered catchup frame.
func (m *Metrics) RecordFrame() {
	if m == nil {
		return
	}
	m.FramesDeliveredTotal.Inc()
}

// RecordCatchupMode records how missing history was delivered.
func (m *Metrics) RecordCatchupMode(mode string) {
	if m == nil {
		return
	}
	m.CatchupModeTotal.WithLabelValues(mode).Inc()
}

// RecordMutation records a mutation result.
func (m *Metrics) RecordMutation(store, status string, duration float64) {
	if m == nil {
		return
	}
	m.MutationsTotal.WithLabelValues(store, status).Inc()
	m.MutationDuration.Observe(duration)
}

// RecordConflict records a rejected stale mutation.
func (m *Metrics) RecordConflict() {
	if m == nil {
		return
	}
	m.MutationConflicts.Inc()
}

// RecordFetch records a fetch request.
func (m *Metrics) RecordFetch(queryKind string, duration float64) {
	if m == nil {
		return
	}
	m.FetchRequestsTotal.WithLabelValues(queryKind).Inc()
	m.FetchRequestsDuration.Observe(duration)
}

// RecordTransportRequest records a request served by the transport.
func (m *Metrics) RecordTransportRequest(method, status string, duration float64) {
	if m == nil {
		return
	}
	m.TransportRequestsTotal.WithLabelValues(method, status).Inc()
	m.TransportRequestDuration.WithLabelValues(method).Observe(duration)
}

// ConnectionOpened and ConnectionClosed track open transport connections.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.TransportConnections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.TransportConnections.Dec()
}

// UpdateGossipStats updates gossip statistics
func (m *Metrics) UpdateGossipStats(totalMembers, healthyMembers int) {
	if m == nil {
		return
	}
	m.GossipMembersTotal.Set(float64(totalMembers))
	m.GossipMembersHealthy.Set(float64(healthyMembers))
}

// RecordGossipMessage records a gossip message
func (m *Metrics) RecordGossipMessage(messageType string) {
	if m == nil {
		return
	}
	m.GossipMessagesTotal.WithLabelValues(messageType).Inc()
}

// UpdateSystemStats updates system-level statistics
func (m *Metrics) UpdateSystemStats(memoryUsage uint64, goroutines int) {
	if m == nil {
		return
	}
	m.MemoryUsageBytes.Set(float64(memoryUsage))
	m.GoroutinesTotal.Set(float64(goroutines))
}
