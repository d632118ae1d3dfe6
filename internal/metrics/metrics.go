// Package metrics provides Prometheus instrumentation for bountyhub.
package metrics

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bountyhub",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "bountyhub",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// APIClientRequestsTotal counts outbound API requests by status code.
	APIClientRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bountyhub",
			Name:      "api_client_requests_total",
			Help:      "Outbound API requests by method and status code.",
		},
		[]string{"code", "method"},
	)

	// ActiveWebSocketClients tracks clients connected to the server hub.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "bountyhub",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// ChannelState is the event channel state (0 disconnected .. 4 failed).
	ChannelState = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bountyhub", Name: "channel_state",
		Help: "Event channel connection state: 0=disconnected 1=connecting 2=connected 3=reconnecting 4=failed.",
	})

	ChannelReconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "bountyhub", Name: "channel_reconnects_total",
		Help: "Reconnect attempts scheduled by the event channel.",
	})

	// ChannelEventsTotal counts lifecycle events by name.
	ChannelEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bountyhub", Name: "channel_lifecycle_events_total",
		Help: "Connection lifecycle events emitted by the event channel.",
	}, []string{"event"})

	ChannelSendDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "bountyhub", Name: "channel_send_dropped_total",
		Help: "Outbound events dropped because the channel was not connected.",
	})

	// ProgressSessions tracks open progress stream sessions.
	ProgressSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bountyhub", Name: "progress_sessions",
		Help: "Number of progress stream sessions currently held open.",
	})

	ProgressRecordsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bountyhub", Name: "progress_records_total",
		Help: "Progress records appended by subject kind.",
	}, []string{"kind"})

	ProgressReconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "bountyhub", Name: "progress_reconnects_total",
		Help: "Progress stream reconnects scheduled.",
	})

	// LivenessPollsTotal counts poll fetches by result (ok, error, skipped).
	LivenessPollsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bountyhub", Name: "liveness_polls_total",
		Help: "Liveness poll fetches by result.",
	}, []string{"result"})

	// PaymentChallengesTotal counts parsed 402 challenges by terms source.
	PaymentChallengesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bountyhub", Name: "payment_challenges_total",
		Help: "Payment challenges parsed, by where the terms came from.",
	}, []string{"source"})

	// PaymentsTotal counts paid actions by final outcome.
	PaymentsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bountyhub", Name: "payments_total",
		Help: "Paid request flows by outcome.",
	}, []string{"outcome"})

	// SettlementStepsTotal counts settlement step transitions.
	SettlementStepsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bountyhub", Name: "settlement_steps_total",
		Help: "Settlement step transitions by step and state.",
	}, []string{"step", "state"})

	SettlementDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "bountyhub", Name: "settlement_duration_seconds",
		Help:    "End-to-end settlement duration by mode and status.",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
	}, []string{"mode", "status"})

	// BreakerTransitionsTotal counts circuit breaker state changes.
	BreakerTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bountyhub", Subsystem: "circuitbreaker", Name: "state_transitions_total",
		Help: "Circuit breaker state transitions by from-state and to-state.",
	}, []string{"from_state", "to_state"})

	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bountyhub", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		APIClientRequestsTotal,
		ActiveWebSocketClients,
		ChannelState,
		ChannelReconnectsTotal,
		ChannelEventsTotal,
		ChannelSendDroppedTotal,
		ProgressSessions,
		ProgressRecordsTotal,
		ProgressReconnectsTotal,
		LivenessPollsTotal,
		PaymentChallengesTotal,
		PaymentsTotal,
		SettlementStepsTotal,
		SettlementDuration,
		BreakerTransitionsTotal,
		GoroutineCount,
	)
}

// StartRuntimeCollector periodically samples the goroutine count. Call in a
// goroutine; exits when ctx is done.
func StartRuntimeCollector(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// InstrumentTransport counts outbound requests made through rt.
func InstrumentTransport(rt http.RoundTripper) http.RoundTripper {
	if rt == nil {
		rt = http.DefaultTransport
	}
	return promhttp.InstrumentRoundTripperCounter(APIClientRequestsTotal, rt)
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// HTTPHandler is Handler for plain net/http muxes.
func HTTPHandler() http.Handler {
	return promhttp.Handler()
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
