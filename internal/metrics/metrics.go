package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts total HTTP requests
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "colloquy_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// RequestDuration tracks request latency
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "colloquy_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// OpenConversations tracks live conversations per kind
	OpenConversations = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "colloquy_open_conversations",
			Help: "Number of open conversations",
		},
		[]string{"kind"},
	)

	// ConversationDuration tracks how long conversations stay open
	ConversationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "colloquy_conversation_duration_seconds",
			Help:    "Conversation lifetime in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"kind", "reason"},
	)

	// DriverInstances tracks live driver instances
	DriverInstances = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "colloquy_driver_instances",
			Help: "Number of live driver instances",
		},
		[]string{"kind"},
	)

	// QueueDepth tracks messages waiting behind an in-flight turn
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "colloquy_queue_depth",
			Help: "Number of queued messages not yet delivered",
		},
		[]string{"kind"},
	)

	// Turns counts delivered messages by outcome
	Turns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "colloquy_turns_total",
			Help: "Total number of message turns by outcome",
		},
		[]string{"kind", "outcome"},
	)

	// TurnDuration tracks time from delivery to a settled reply
	TurnDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "colloquy_turn_duration_seconds",
			Help:    "Turn duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 180},
		},
		[]string{"kind"},
	)

	// StabilizationPolls tracks how many reads a reply needed to settle
	StabilizationPolls = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "colloquy_stabilization_polls",
			Help:    "Number of polls per stabilized reply",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 50, 100, 250},
		},
		[]string{"mode"},
	)

	// ConfigResets counts global resets
	ConfigResets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "colloquy_config_resets_total",
			Help: "Total number of global resets",
		},
		[]string{"reason"},
	)

	// ToolCalls tracks MCP tool invocations
	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "colloquy_tool_calls_total",
			Help: "Total number of MCP tool calls",
		},
		[]string{"tool", "status"},
	)
)

// Turn outcome label values
const (
	OutcomeSettled   = "settled"
	OutcomeTimedOut  = "timed_out"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher for SSE support
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware creates an HTTP middleware that records metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := NormalizePath(r.URL.Path)

		RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		RequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// NormalizePath collapses conversation IDs so paths stay low-cardinality.
func NormalizePath(path string) string {
	switch path {
	case "/health", "/ready", "/metrics", "/mcp", "/conversation", "/config", "/config/headless", "/service/stop":
		return path
	}
	if strings.HasPrefix(path, "/mcp/") {
		return "/mcp"
	}

	parts := strings.Split(strings.Trim(path, "/"), "/")
	if parts[0] != "conversation" || len(parts) < 2 || len(parts) > 3 {
		return "other"
	}
	if len(parts) == 2 {
		return "/conversation/{id}"
	}
	switch parts[2] {
	case "message", "history":
		return "/conversation/{id}/" + parts[2]
	}
	return "other"
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordConversationOpened increments the open conversation gauge
func RecordConversationOpened(kind string) {
	OpenConversations.WithLabelValues(kind).Inc()
}

// RecordConversationClosed decrements the open gauge and records lifetime
func RecordConversationClosed(kind, reason string, durationSeconds float64) {
	OpenConversations.WithLabelValues(kind).Dec()
	ConversationDuration.WithLabelValues(kind, reason).Observe(durationSeconds)
}

// SetDriverInstances sets the live instance count for kind
func SetDriverInstances(kind string, count float64) {
	DriverInstances.WithLabelValues(kind).Set(count)
}

// AddQueueDepth adjusts the queued message gauge
func AddQueueDepth(kind string, delta float64) {
	QueueDepth.WithLabelValues(kind).Add(delta)
}

// RecordTurn records one delivered message
func RecordTurn(kind, outcome string, durationSeconds float64) {
	Turns.WithLabelValues(kind, outcome).Inc()
	if outcome == OutcomeSettled || outcome == OutcomeTimedOut {
		TurnDuration.WithLabelValues(kind).Observe(durationSeconds)
	}
}

// RecordStabilization records the polls one reply needed
func RecordStabilization(mode string, polls int) {
	StabilizationPolls.WithLabelValues(mode).Observe(float64(polls))
}

// RecordReset records a global reset
func RecordReset(reason string) {
	ConfigResets.WithLabelValues(reason).Inc()
}

// RecordToolCall records an MCP tool invocation
func RecordToolCall(tool, status string) {
	ToolCalls.WithLabelValues(tool, status).Inc()
}
