package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fetch metrics
	FetchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_fetch_total",
			Help: "Upstream fetch attempts per source and status",
		},
		[]string{"source", "status"},
	)
	FetchLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stream_fetch_latency_seconds",
			Help:    "Time to complete one upstream fetch",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)
	FetchErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_fetch_errors_total",
			Help: "Upstream fetch errors by failure class",
		},
		[]string{"source", "reason"},
	)

	// Scheduler metrics
	ActiveStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stream_active_streams",
			Help: "Number of streams currently running",
		})
	StreamSuspensions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_suspensions_total",
			Help: "Times a source was suspended after repeated failures",
		},
		[]string{"source"},
	)
	StreamUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_data_updates_total",
			Help: "Successful fetch-and-publish cycles per source",
		},
		[]string{"source"},
	)

	// Cache metrics
	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_cache_hits_total",
			Help: "Cache hits by lookup kind",
		},
		[]string{"kind"},
	)
	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_cache_misses_total",
			Help: "Cache misses by lookup kind",
		},
		[]string{"kind"},
	)

	// Control channel metrics
	ControlMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_control_messages_total",
			Help: "Control channel messages by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	// Historical query metrics
	HistoricalRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_historical_requests_total",
			Help: "Historical range requests per source and status",
		},
		[]string{"source", "status"},
	)
	HistoricalSubFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_historical_subfetches_total",
			Help: "Per-unit upstream calls issued while synthesizing a range",
		},
		[]string{"source"},
	)

	// Redis metrics
	RedisOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Redis operation duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "status"},
	)
	RedisErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redis_errors_total",
			Help: "Total Redis errors",
		},
		[]string{"operation"},
	)

	// API metrics
	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
	APIRequestTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total API requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	// WebSocket metrics
	WSClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ws_connected_clients",
			Help: "Number of connected WebSocket clients",
		})
	WSDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ws_dropped_frames_total",
			Help: "Frames dropped because a client send buffer was full",
		})
)

func init() {
	// MustRegister panics if registration fails (e.g. duplicate)
	prometheus.MustRegister(
		FetchTotal, FetchLatency, FetchErrors,
		ActiveStreams, StreamSuspensions, StreamUpdates,
		CacheHits, CacheMisses,
		ControlMessages,
		HistoricalRequests, HistoricalSubFetches,
		RedisOperationDuration, RedisErrors,
		APIRequestDuration, APIRequestTotal,
		WSClients, WSDropped,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
