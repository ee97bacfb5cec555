// ABOUTME: Prometheus metrics for the relay server
// ABOUTME: Tracks session lifecycle, forwarded frames and upstream failures
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Frame directions
const (
	// Inbound is client to upstream
	Inbound = "inbound"
	// Outbound is upstream to client
	Outbound = "outbound"
)

// Metrics contains all Prometheus metrics for the relay
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	ActiveSessions    prometheus.Gauge
	SessionsCreated   prometheus.Counter
	SessionsDestroyed prometheus.Counter
	SessionDuration   prometheus.Histogram

	// Forwarding metrics
	FramesForwarded *prometheus.CounterVec
	BytesForwarded  *prometheus.CounterVec
	SignalsSent     *prometheus.CounterVec
	FramesDropped   *prometheus.CounterVec

	// Upstream metrics
	UpstreamConnectFailures prometheus.Counter
	UpstreamErrors          prometheus.Counter
	UpstreamConnectTime     prometheus.Histogram
}

// New creates metrics on their own registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "liverelay_active_sessions",
			Help: "Number of client connections with a live upstream session",
		}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "liverelay_sessions_created_total",
			Help: "Total number of relay sessions created",
		}),
		SessionsDestroyed: factory.NewCounter(prometheus.CounterOpts{
			Name: "liverelay_sessions_destroyed_total",
			Help: "Total number of relay sessions torn down",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "liverelay_session_duration_seconds",
			Help:    "Duration of relay sessions",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1 hour
		}),

		FramesForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "liverelay_frames_forwarded_total",
			Help: "Total number of audio frames forwarded",
		}, []string{"direction"}),
		BytesForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "liverelay_bytes_forwarded_total",
			Help: "Total number of audio bytes forwarded",
		}, []string{"direction"}),
		SignalsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "liverelay_signals_sent_total",
			Help: "Total number of turn signals sent to clients",
		}, []string{"type"}),
		FramesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "liverelay_frames_dropped_total",
			Help: "Total number of frames dropped instead of forwarded",
		}, []string{"direction"}),

		UpstreamConnectFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "liverelay_upstream_connect_failures_total",
			Help: "Total number of failed upstream session attempts",
		}),
		UpstreamErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "liverelay_upstream_errors_total",
			Help: "Total number of upstream session errors after connect",
		}),
		UpstreamConnectTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "liverelay_upstream_connect_seconds",
			Help:    "Time taken to establish upstream sessions",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}),
	}
}

// Handler serves the metrics in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the registry backing these metrics
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordSessionCreated increments the sessions created counter and active gauge
func (m *Metrics) RecordSessionCreated(connectSeconds float64) {
	m.SessionsCreated.Inc()
	m.ActiveSessions.Inc()
	m.UpstreamConnectTime.Observe(connectSeconds)
}

// RecordSessionDestroyed increments the destroyed counter and records duration
func (m *Metrics) RecordSessionDestroyed(durationSeconds float64) {
	m.SessionsDestroyed.Inc()
	m.ActiveSessions.Dec()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordFrame records one forwarded frame
func (m *Metrics) RecordFrame(direction string, size int) {
	m.FramesForwarded.WithLabelValues(direction).Inc()
	m.BytesForwarded.WithLabelValues(direction).Add(float64(size))
}

// RecordDropped records a frame that arrived after teardown or could not be queued
func (m *Metrics) RecordDropped(direction string) {
	m.FramesDropped.WithLabelValues(direction).Inc()
}

// RecordSignal records a turn signal sent to a client
func (m *Metrics) RecordSignal(kind string) {
	m.SignalsSent.WithLabelValues(kind).Inc()
}

// RecordConnectFailure increments the upstream connect failure counter
func (m *Metrics) RecordConnectFailure() {
	m.UpstreamConnectFailures.Inc()
}

// RecordUpstreamError increments the upstream error counter
func (m *Metrics) RecordUpstreamError() {
	m.UpstreamErrors.Inc()
}
