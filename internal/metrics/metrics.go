// Package metrics exposes Prometheus instrumentation for the gateway
// sessions, the command correlator, acquisitions, and the REST surface.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Session metrics
	sessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vibelink_sessions_active",
		Help: "Current number of authenticated gateway sessions",
	})

	reconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vibelink_reconnects_total",
		Help: "Total number of reconnect attempts scheduled",
	})

	heartbeatTimeoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vibelink_heartbeat_timeouts_total",
		Help: "Total number of sessions terminated for missing a heartbeat reply",
	})

	// Frame metrics
	framesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vibelink_frames_sent_total",
		Help: "Total number of protocol frames written to gateways",
	})

	framesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vibelink_frames_received_total",
		Help: "Total number of protocol frames read from gateways",
	})

	// Command metrics
	pendingCommands = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vibelink_pending_commands",
		Help: "Commands awaiting a gateway response",
	})

	commandDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vibelink_command_duration_seconds",
		Help:    "Round-trip time per command verb",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"verb", "outcome"})

	// Acquisition metrics
	acquisitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vibelink_acquisitions_total",
		Help: "Completed acquisition attempts by outcome",
	}, []string{"outcome"})

	readingsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vibelink_readings_published_total",
		Help: "Readings handed to an output sink",
	}, []string{"sink"})

	// Worker metrics
	workersActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vibelink_workers_active",
		Help: "Per-gateway session workers currently running",
	})

	// HTTP metrics
	httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vibelink_http_requests_total",
		Help: "REST requests by method, route and status code",
	}, []string{"method", "route", "status"})

	httpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vibelink_http_request_duration_seconds",
		Help:    "REST request latency by route",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"route"})

	rateLimitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vibelink_http_rate_limited_total",
		Help: "REST requests rejected by the rate limiter",
	})
)

func init() {
	prometheus.MustRegister(sessionsActive)
	prometheus.MustRegister(reconnectsTotal)
	prometheus.MustRegister(heartbeatTimeoutsTotal)

	prometheus.MustRegister(framesSent)
	prometheus.MustRegister(framesReceived)

	prometheus.MustRegister(pendingCommands)
	prometheus.MustRegister(commandDuration)

	prometheus.MustRegister(acquisitionsTotal)
	prometheus.MustRegister(readingsPublished)

	prometheus.MustRegister(workersActive)

	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(rateLimitedTotal)
}

// Command and acquisition outcomes.
const (
	OutcomeOK        = "ok"
	OutcomeError     = "error"
	OutcomeTimeout   = "timeout"
	OutcomeShutdown  = "shutdown"
	OutcomeNoSensors = "no_sensors"
)

// SessionUp records a session reaching the authenticated state.
func SessionUp() { sessionsActive.Inc() }

// SessionDown records a session leaving the authenticated state.
func SessionDown() { sessionsActive.Dec() }

// RecordReconnect counts a scheduled reconnect attempt.
func RecordReconnect() { reconnectsTotal.Inc() }

// RecordHeartbeatTimeout counts a session killed by a silent gateway.
func RecordHeartbeatTimeout() { heartbeatTimeoutsTotal.Inc() }

// RecordFrameSent counts one outbound protocol frame.
func RecordFrameSent() { framesSent.Inc() }

// RecordFrameReceived counts one inbound protocol frame.
func RecordFrameReceived() { framesReceived.Inc() }

// SetPendingCommands mirrors the correlator's pending-call count.
func SetPendingCommands(n int) { pendingCommands.Set(float64(n)) }

// RecordCommand tracks one command round trip.
func RecordCommand(verb, outcome string, d time.Duration) {
	commandDuration.WithLabelValues(verb, outcome).Observe(d.Seconds())
}

// RecordAcquisition tracks one full acquisition attempt.
func RecordAcquisition(outcome string) {
	acquisitionsTotal.WithLabelValues(outcome).Inc()
}

// RecordReadingPublished counts a reading delivered to a sink.
func RecordReadingPublished(sink string) {
	readingsPublished.WithLabelValues(sink).Inc()
}

// SetWorkersActive mirrors the worker manager's running count.
func SetWorkersActive(n int) { workersActive.Set(float64(n)) }

// RecordHTTPRequest tracks one REST request.
func RecordHTTPRequest(method, route string, status int, d time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(route).Observe(d.Seconds())
}

// RecordRateLimited counts a request rejected by the limiter.
func RecordRateLimited() { rateLimitedTotal.Inc() }

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
