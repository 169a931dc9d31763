package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the relay's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Realtime connection metrics
	ConnectionsActive  prometheus.Gauge
	ConnectionsTotal   *prometheus.CounterVec
	ConnectionDuration *prometheus.HistogramVec

	FramesTotal     *prometheus.CounterVec
	MixedAudioBytes prometheus.Counter
	ToolCallsTotal  *prometheus.CounterVec
	HandoffsTotal   *prometheus.CounterVec
	ClassifierTotal *prometheus.CounterVec
	HandshakesTotal *prometheus.CounterVec
	SessionsSwept   prometheus.Counter
	RateLimitHits   *prometheus.CounterVec
}

func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "vai_relay"
	}

	registry := prometheus.NewRegistry()

	connectionsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of open realtime client connections",
		},
	)

	connectionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total number of realtime client connections",
		},
		[]string{"mode", "status"},
	)

	connectionDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connection_duration_seconds",
			Help:      "Realtime connection duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"mode"},
	)

	framesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Realtime frames crossing the relay",
		},
		[]string{"direction", "type"},
	)

	mixedAudioBytes := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mixed_audio_bytes_total",
			Help:      "PCM bytes forwarded upstream by the audio mixer",
		},
	)

	toolCallsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool calls dispatched on behalf of the upstream model",
		},
		[]string{"tool", "outcome"},
	)

	handoffsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handoffs_total",
			Help:      "Agent handoffs attempted",
		},
		[]string{"from", "to", "outcome"},
	)

	classifierTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classifier_calls_total",
			Help:      "Intent classifier calls",
		},
		[]string{"outcome"},
	)

	handshakesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Handshake requests by action and status",
		},
		[]string{"action", "status"},
	)

	sessionsSwept := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_swept_total",
			Help:      "Idle sessions removed by the janitor",
		},
	)

	rateLimitHits := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_hits_total",
			Help:      "Total number of rate limit hits",
		},
		[]string{"limit_type"},
	)

	registry.MustRegister(
		connectionsActive,
		connectionsTotal,
		connectionDuration,
		framesTotal,
		mixedAudioBytes,
		toolCallsTotal,
		handoffsTotal,
		classifierTotal,
		handshakesTotal,
		sessionsSwept,
		rateLimitHits,
	)

	return &Metrics{
		registry:           registry,
		ConnectionsActive:  connectionsActive,
		ConnectionsTotal:   connectionsTotal,
		ConnectionDuration: connectionDuration,
		FramesTotal:        framesTotal,
		MixedAudioBytes:    mixedAudioBytes,
		ToolCallsTotal:     toolCallsTotal,
		HandoffsTotal:      handoffsTotal,
		ClassifierTotal:    classifierTotal,
		HandshakesTotal:    handshakesTotal,
		SessionsSwept:      sessionsSwept,
		RateLimitHits:      rateLimitHits,
	}
}

// Handler serves the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordConnectionStart() {
	if m == nil {
		return
	}
	m.ConnectionsActive.Inc()
}

func (m *Metrics) RecordConnectionEnd(mode, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ConnectionsActive.Dec()
	m.ConnectionsTotal.WithLabelValues(mode, status).Inc()
	m.ConnectionDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordFrame counts a frame. direction is "inbound" (upstream to client) or "outbound".
func (m *Metrics) RecordFrame(direction, frameType string) {
	if m == nil {
		return
	}
	m.FramesTotal.WithLabelValues(direction, frameType).Inc()
}

func (m *Metrics) RecordMixedAudio(bytes int) {
	if m == nil || bytes <= 0 {
		return
	}
	m.MixedAudioBytes.Add(float64(bytes))
}

func (m *Metrics) RecordToolCall(tool, outcome string) {
	if m == nil {
		return
	}
	m.ToolCallsTotal.WithLabelValues(tool, outcome).Inc()
}

func (m *Metrics) RecordHandoff(from, to, outcome string) {
	if m == nil {
		return
	}
	m.HandoffsTotal.WithLabelValues(from, to, outcome).Inc()
}

func (m *Metrics) RecordClassification(outcome string) {
	if m == nil {
		return
	}
	m.ClassifierTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordHandshake(action, status string) {
	if m == nil {
		return
	}
	m.HandshakesTotal.WithLabelValues(action, status).Inc()
}

func (m *Metrics) RecordSweep(removed int) {
	if m == nil || removed <= 0 {
		return
	}
	m.SessionsSwept.Add(float64(removed))
}

func (m *Metrics) RecordRateLimitHit(limitType string) {
	if m == nil {
		return
	}
	m.RateLimitHits.WithLabelValues(limitType).Inc()
}
