// Package metrics exposes Prometheus instrumentation for the audio bridge.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	ConnectionsActive  prometheus.Gauge
	ConnectionsTotal   prometheus.Counter
	ClientAudioBytes   prometheus.Counter
	ClientAudioFrames  prometheus.Counter
	UpstreamAudioBytes prometheus.Counter
	ToolInvocations    *prometheus.CounterVec
	ToolDuration       *prometheus.HistogramVec
	Shutdowns          *prometheus.CounterVec
	HTTPRequests       *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "reporecon_client_connections_active",
			Help: "Number of websocket clients currently bridged to a live session.",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "reporecon_client_connections_total",
			Help: "Total number of accepted websocket client connections.",
		}),
		ClientAudioBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "reporecon_client_audio_bytes_total",
			Help: "Raw PCM bytes received from clients and forwarded upstream.",
		}),
		ClientAudioFrames: factory.NewCounter(prometheus.CounterOpts{
			Name: "reporecon_client_audio_frames_total",
			Help: "Binary audio frames received from clients.",
		}),
		UpstreamAudioBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "reporecon_upstream_audio_bytes_total",
			Help: "PCM bytes received from the live session and forwarded to clients.",
		}),
		ToolInvocations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "reporecon_tool_invocations_total",
			Help: "Tool invocations requested by the live session.",
		}, []string{"tool", "outcome"}),
		ToolDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reporecon_tool_duration_seconds",
			Help:    "Wall time spent executing a tool.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),
		Shutdowns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "reporecon_bridge_shutdowns_total",
			Help: "Bridge shutdowns grouped by recorded reason.",
		}, []string{"reason"}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "reporecon_http_requests_total",
			Help: "HTTP requests served, grouped by method, path and status code.",
		}, []string{"method", "path", "status"}),
	}
}

func (m *Metrics) ConnectionOpened() {
	m.ConnectionsTotal.Inc()
	m.ConnectionsActive.Inc()
}

func (m *Metrics) ConnectionClosed() {
	m.ConnectionsActive.Dec()
}

func (m *Metrics) RecordClientAudio(bytes int) {
	m.ClientAudioFrames.Inc()
	m.ClientAudioBytes.Add(float64(bytes))
}

func (m *Metrics) RecordUpstreamAudio(bytes int) {
	m.UpstreamAudioBytes.Add(float64(bytes))
}

func (m *Metrics) RecordTool(tool, outcome string, elapsed time.Duration) {
	m.ToolInvocations.WithLabelValues(tool, outcome).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
}

func (m *Metrics) RecordShutdown(reason string) {
	m.Shutdowns.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordHTTPRequest(method, path, status string) {
	m.HTTPRequests.WithLabelValues(method, path, status).Inc()
}
