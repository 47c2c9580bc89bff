// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Cache metrics
	CacheFetchesStarted  *prometheus.CounterVec
	CacheFetchErrors     *prometheus.CounterVec
	CacheDedupHits       *prometheus.CounterVec
	CacheStaleDiscards   *prometheus.CounterVec
	CacheEntries         prometheus.Gauge
	CacheSubscribers     prometheus.Gauge
	CacheFetchLatency    *prometheus.HistogramVec
	CacheEvictions       prometheus.Counter
	CacheConnectionSkips *prometheus.CounterVec

	// RPC metrics
	RPCCallLatency *prometheus.HistogramVec
	RPCCallErrors  *prometheus.CounterVec
	RPCRateWaits   prometheus.Counter

	// WS metrics
	WSReconnects    prometheus.Counter
	WSNotifications prometheus.Counter

	// Health metrics
	LastSuccessfulFetch prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "solana_dex_view"
	}

	return &Metrics{
		CacheFetchesStarted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "fetches_started_total",
			Help:      "Total number of fetches started by operation",
		}, []string{"op"}),
		CacheFetchErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "fetch_errors_total",
			Help:      "Total number of failed fetches by operation",
		}, []string{"op"}),
		CacheDedupHits: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "dedup_hits_total",
			Help:      "Total number of fetch requests attached to an in-flight fetch",
		}, []string{"op"}),
		CacheStaleDiscards: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "stale_completions_discarded_total",
			Help:      "Total number of out-of-order fetch completions discarded",
		}, []string{"op"}),
		CacheEntries: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Current number of cache entries",
		}),
		CacheSubscribers: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "subscribers",
			Help:      "Current number of cache subscribers across all entries",
		}),
		CacheFetchLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "fetch_latency_seconds",
			Help:      "Fetch latency in seconds by operation",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		CacheEvictions: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Total number of idle cache entries evicted",
		}),
		CacheConnectionSkips: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "connection_skips_total",
			Help:      "Total number of fetches skipped because no wallet is connected",
		}, []string{"op"}),

		RPCCallLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "solana",
			Name:      "rpc_call_latency_seconds",
			Help:      "Solana RPC call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		RPCCallErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "solana",
			Name:      "rpc_call_errors_total",
			Help:      "Total number of failed RPC calls by method",
		}, []string{"method"}),
		RPCRateWaits: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "solana",
			Name:      "rpc_rate_limiter_waits_total",
			Help:      "Total number of RPC calls delayed by the client-side rate limiter",
		}),

		WSReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "solana",
			Name:      "ws_reconnects_total",
			Help:      "Total number of WebSocket reconnect attempts",
		}),
		WSNotifications: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "solana",
			Name:      "ws_account_notifications_total",
			Help:      "Total number of account notifications received",
		}),

		LastSuccessfulFetch: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_fetch_timestamp",
			Help:      "Unix timestamp of the last successful cache fetch",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordFetchStarted increments the fetches started counter.
func RecordFetchStarted(op string) {
	DefaultMetrics.CacheFetchesStarted.WithLabelValues(op).Inc()
}

// RecordFetchDone records fetch completion latency and outcome.
func RecordFetchDone(op string, seconds float64, err error) {
	DefaultMetrics.CacheFetchLatency.WithLabelValues(op).Observe(seconds)
	if err != nil {
		DefaultMetrics.CacheFetchErrors.WithLabelValues(op).Inc()
	}
}

// RecordDedupHit increments the dedup hit counter.
func RecordDedupHit(op string) {
	DefaultMetrics.CacheDedupHits.WithLabelValues(op).Inc()
}

// RecordStaleDiscard increments the discarded stale completion counter.
func RecordStaleDiscard(op string) {
	DefaultMetrics.CacheStaleDiscards.WithLabelValues(op).Inc()
}

// RecordConnectionSkip increments the connection-gated skip counter.
func RecordConnectionSkip(op string) {
	DefaultMetrics.CacheConnectionSkips.WithLabelValues(op).Inc()
}

// RecordEviction increments the eviction counter.
func RecordEviction() {
	DefaultMetrics.CacheEvictions.Inc()
}

// UpdateCacheSizes updates the entry and subscriber gauges.
func UpdateCacheSizes(entries, subscribers int) {
	DefaultMetrics.CacheEntries.Set(float64(entries))
	DefaultMetrics.CacheSubscribers.Set(float64(subscribers))
}

// RecordLastSuccess updates the last successful fetch timestamp.
func RecordLastSuccess(unixSeconds int64) {
	DefaultMetrics.LastSuccessfulFetch.Set(float64(unixSeconds))
}

// RecordRPCLatency records RPC call latency.
func RecordRPCLatency(method string, seconds float64) {
	DefaultMetrics.RPCCallLatency.WithLabelValues(method).Observe(seconds)
}

// RecordRPCError records a failed RPC call.
func RecordRPCError(method string) {
	DefaultMetrics.RPCCallErrors.WithLabelValues(method).Inc()
}

// RecordRateWait increments the rate limiter wait counter.
func RecordRateWait() {
	DefaultMetrics.RPCRateWaits.Inc()
}

// RecordWSReconnect increments the WebSocket reconnect counter.
func RecordWSReconnect() {
	DefaultMetrics.WSReconnects.Inc()
}

// RecordWSNotification increments the account notification counter.
func RecordWSNotification() {
	DefaultMetrics.WSNotifications.Inc()
}
