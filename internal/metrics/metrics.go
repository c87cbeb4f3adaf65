package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the lazer server.
// Declared centrally so hubs and the message pipeline share one registry
// without coupling between packages.
//
// Naming convention: namespace_subsystem_name
// - namespace: lazer (application-level grouping)
// - subsystem: signalr, multiplayer, spectator, chat, pipeline
// - name: specific metric (connections_active, invocations_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, watchers)
// - Counter: Cumulative events (invocations, messages persisted, errors)
// - Histogram: Latency distributions (invocation time, batch flush time)

var (
	// ActiveConnections tracks live SignalR connections per hub (Gauge - current state)
	ActiveConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "lazer",
		Subsystem: "signalr",
		Name:      "connections_active",
		Help:      "Current number of active hub connections",
	}, []string{"hub"})

	// HubInvocations tracks the total number of hub method invocations (CounterVec - cumulative)
	HubInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lazer",
		Subsystem: "signalr",
		Name:      "invocations_total",
		Help:      "Total hub method invocations processed",
	}, []string{"hub", "method", "status"})

	// InvocationDuration tracks the time spent executing hub methods (HistogramVec - latency distribution)
	InvocationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "lazer",
		Subsystem: "signalr",
		Name:      "invocation_seconds",
		Help:      "Time spent executing hub method invocations",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"hub", "method"})

	// ActiveRooms tracks the current number of active multiplayer rooms (Gauge - current state)
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "lazer",
		Subsystem: "multiplayer",
		Name:      "rooms_active",
		Help:      "Current number of active multiplayer rooms",
	})

	// RoomUsers tracks the number of users in each multiplayer room (GaugeVec with room_id label)
	RoomUsers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "lazer",
		Subsystem: "multiplayer",
		Name:      "room_users_count",
		Help:      "Number of users in each multiplayer room",
	}, []string{"room_id"})

	// ActiveSpectatorSessions tracks users currently in gameplay with spectator state (Gauge)
	ActiveSpectatorSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "lazer",
		Subsystem: "spectator",
		Name:      "play_sessions_active",
		Help:      "Current number of active spectated play sessions",
	})

	// SpectatorFrameBundles tracks frame bundles relayed to watchers (Counter - cumulative)
	SpectatorFrameBundles = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lazer",
		Subsystem: "spectator",
		Name:      "frame_bundles_total",
		Help:      "Total frame bundles relayed to watchers",
	})

	// ChatMessages tracks chat messages accepted per channel type (CounterVec - cumulative)
	ChatMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lazer",
		Subsystem: "chat",
		Name:      "messages_total",
		Help:      "Total chat messages accepted",
	}, []string{"channel_type"})

	// PipelineBatchSize tracks the size of persisted message batches (Histogram - distribution)
	PipelineBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "lazer",
		Subsystem: "pipeline",
		Name:      "batch_size",
		Help:      "Number of messages persisted per batch",
		Buckets:   []float64{1, 5, 10, 25, 50, 100},
	})

	// PipelineFlushDuration tracks the time spent flushing a batch to the database (Histogram)
	PipelineFlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "lazer",
		Subsystem: "pipeline",
		Name:      "flush_seconds",
		Help:      "Time spent flushing a message batch to the database",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})

	// AuthAttempts tracks token grant attempts (CounterVec - cumulative)
	AuthAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lazer",
		Subsystem: "auth",
		Name:      "token_grants_total",
		Help:      "Total OAuth token grant attempts",
	}, []string{"grant_type", "status"})

	// RateLimitRequests tracks requests passing through a rate-limited route (CounterVec)
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lazer",
		Subsystem: "ratelimit",
		Name:      "requests_total",
		Help:      "Requests checked against a rate limit",
	}, []string{"route"})

	// RateLimitExceeded tracks requests rejected by a rate limit (CounterVec)
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lazer",
		Subsystem: "ratelimit",
		Name:      "exceeded_total",
		Help:      "Requests rejected because a rate limit was reached",
	}, []string{"route", "key_type"})

	// CircuitBreakerState tracks breaker state per dependency (0=closed, 1=open, 2=half-open)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "lazer",
		Subsystem: "breaker",
		Name:      "state",
		Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"dependency"})

	// CircuitBreakerFailures tracks requests rejected by an open breaker (CounterVec - cumulative)
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lazer",
		Subsystem: "breaker",
		Name:      "rejections_total",
		Help:      "Requests rejected while a circuit breaker was open",
	}, []string{"dependency"})
)

func IncConnection(hub string) {
	ActiveConnections.WithLabelValues(hub).Inc()
}

func DecConnection(hub string) {
	ActiveConnections.WithLabelValues(hub).Dec()
}
