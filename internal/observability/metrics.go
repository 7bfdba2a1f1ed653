// Package observability provides metrics and tracing.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookEventsTotal counts raw webhook deliveries by gateway discriminator.
	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wa_webhook_events_total",
		Help: "Total webhook deliveries received by gateway event name",
	}, []string{"event"})

	// EventsNormalized counts canonical events by type and kind.
	EventsNormalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wa_events_normalized_total",
		Help: "Total gateway events normalized into canonical events",
	}, []string{"type", "kind"})

	// EventsDiscarded counts payloads that produced no canonical event.
	EventsDiscarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wa_events_discarded_total",
		Help: "Total gateway payloads discarded during normalization",
	}, []string{"reason"})

	// TimestampDiagnostics counts timestamps that were defaulted or look suspicious.
	TimestampDiagnostics = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wa_timestamp_diagnostics_total",
		Help: "Timestamps that needed a fallback or fell outside the plausible range",
	}, []string{"diagnostic"})

	// ReconcileResults counts reconciler outcomes by event type.
	ReconcileResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wa_reconcile_results_total",
		Help: "Reconciler outcomes by event type and result",
	}, []string{"type", "result"})

	// ReconcileLatency records time spent applying one event.
	ReconcileLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wa_reconcile_latency_seconds",
		Help:    "Time spent applying one event, lock wait included",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	// StatusRegressions counts status updates ignored by the forward-only lattice.
	StatusRegressions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wa_status_regressions_total",
		Help: "Status updates ignored because they would move a message backwards",
	})

	// PlaceholderResolutions counts resolved placeholders by how they were matched.
	PlaceholderResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wa_placeholder_resolutions_total",
		Help: "Placeholders resolved to authoritative ids by match strategy",
	}, []string{"strategy"})

	// PendingStale is the number of placeholders older than the stale threshold.
	PendingStale = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wa_pending_stale",
		Help: "Unresolved placeholders older than the stale threshold",
	})

	// GatewayRequests counts outbound gateway calls by operation and outcome.
	GatewayRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wa_gateway_requests_total",
		Help: "Outbound gateway calls by operation and outcome",
	}, []string{"operation", "outcome"})

	// GatewayLatency records outbound gateway call latency.
	GatewayLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wa_gateway_latency_seconds",
		Help:    "Outbound gateway call latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	// DispatchFailures counts commands whose gateway call failed.
	DispatchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wa_dispatch_failures_total",
		Help: "Commands that failed at the gateway, by command and reason",
	}, []string{"command", "reason"})

	// WebSocketConnectionsTotal is the gauge of active realtime connections.
	WebSocketConnectionsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wa_websocket_connections_total",
		Help: "Total number of active WebSocket connections",
	})

	// FanoutDrops counts realtime frames dropped by sink and reason.
	FanoutDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wa_fanout_drops_total",
		Help: "Realtime events dropped due to backpressure",
	}, []string{"sink", "reason"})

	// RedisErrorRate counts Redis errors by operation type.
	RedisErrorRate = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wa_redis_error_rate_total",
		Help: "Total number of Redis errors by operation type",
	}, []string{"operation"})
)
