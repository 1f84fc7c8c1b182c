package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skywave_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "skywave_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"method", "path"})
)

// Firehose metrics
var (
	FirehoseEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skywave_firehose_events_total",
		Help: "Total number of firehose events processed",
	}, []string{"collection", "operation"})

	FirehoseConnectionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "skywave_firehose_connection_state",
		Help: "Firehose connection state (1=connected, 0=disconnected)",
	})

	FirehoseErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "skywave_firehose_errors_total",
		Help: "Total number of firehose processing errors",
	})

	FirehoseIgnoredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "skywave_firehose_ignored_total",
		Help: "Total number of firehose events ignored by the classifier",
	})
)

// Ingest metrics
var (
	IngestDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "skywave_ingest_dropped_total",
		Help: "Total number of classified events dropped due to a full ingest backlog",
	})

	IngestBacklogDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "skywave_ingest_backlog_depth",
		Help: "Current depth of the ingest backlog channel",
	})

	SieveDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skywave_sieve_decisions_total",
		Help: "Total number of content filter decisions",
	}, []string{"decision"})
)

// Push metrics
var (
	PushSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skywave_push_sent_total",
		Help: "Total number of push deliveries attempted",
	}, []string{"kind", "status"})

	PushSubscriptionsPruned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "skywave_push_subscriptions_pruned_total",
		Help: "Total number of subscriptions removed after a gone endpoint response",
	})
)

// Outbound queue metrics
var (
	QueueItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skywave_queue_items_total",
		Help: "Total number of queue items reaching a terminal or retry state",
	}, []string{"outcome"})

	QueuePassDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "skywave_queue_pass_duration_seconds",
		Help:    "Outbound queue worker pass duration in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
	})

	QueuePending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "skywave_queue_pending",
		Help: "Number of pending outbound queue items",
	})

	SessionRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skywave_session_refresh_total",
		Help: "Total number of PDS session refresh attempts",
	}, []string{"status"})
)

// NormalizePath reduces high-cardinality path labels by replacing
// dynamic segments with placeholders. This keeps the metric label
// space bounded.
func NormalizePath(path string) string {
	if strings.HasPrefix(path, "/xrpc/") || strings.HasPrefix(path, "/push/") {
		return path
	}
	switch path {
	case "/", "/health", "/metrics", "/.well-known/did.json":
		return path
	}
	return "/other"
}

// Business metrics (gauges updated periodically by collector)
var (
	IndexedPostsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "skywave_indexed_posts_total",
		Help: "Total number of indexed posts",
	})

	MembersTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "skywave_members_total",
		Help: "Total number of registered member DIDs",
	})

	SubscriptionsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "skywave_push_subscriptions_total",
		Help: "Total number of registered push subscriptions",
	})
)
