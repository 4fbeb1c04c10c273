package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's Prometheus collectors. Each instance owns its
// registry, so several servers can run in one process. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	activeConnections prometheus.Gauge
	connectionsTotal  prometheus.Counter
	loggedInUsers     prometheus.Gauge
	rooms             prometheus.Gauge
	framesReceived    *prometheus.CounterVec
	framesSent        *prometheus.CounterVec
	broadcastFanout   prometheus.Histogram
	attachmentBytes   prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "picochat_active_connections",
			Help: "Number of currently open client connections",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "picochat_connections_total",
			Help: "Total connections accepted",
		}),
		loggedInUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "picochat_logged_in_users",
			Help: "Number of connections holding a name",
		}),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "picochat_rooms",
			Help: "Number of rooms",
		}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "picochat_frames_received_total",
			Help: "Frames received by message type",
		}, []string{"type"}),
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "picochat_frames_sent_total",
			Help: "Frames sent by message type",
		}, []string{"type"}),
		broadcastFanout: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "picochat_broadcast_fanout",
			Help:    "Recipients per room broadcast",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		attachmentBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "picochat_attachment_bytes_total",
			Help: "Bytes of attachments stored",
		}),
	}

	m.registry.MustRegister(
		m.activeConnections,
		m.connectionsTotal,
		m.loggedInUsers,
		m.rooms,
		m.framesReceived,
		m.framesSent,
		m.broadcastFanout,
		m.attachmentBytes,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry (used by tests).
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordConnectionOpened() {
	if m == nil {
		return
	}
	m.activeConnections.Inc()
	m.connectionsTotal.Inc()
}

func (m *Metrics) RecordConnectionClosed() {
	if m == nil {
		return
	}
	m.activeConnections.Dec()
}

func (m *Metrics) RecordLoggedInUsers(n int) {
	if m == nil {
		return
	}
	m.loggedInUsers.Set(float64(n))
}

func (m *Metrics) RecordRooms(n int) {
	if m == nil {
		return
	}
	m.rooms.Set(float64(n))
}

func (m *Metrics) RecordFrameReceived(msgType string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(msgType).Inc()
}

func (m *Metrics) RecordFrameSent(msgType string) {
	if m == nil {
		return
	}
	m.framesSent.WithLabelValues(msgType).Inc()
}

func (m *Metrics) RecordBroadcastFanout(recipients int) {
	if m == nil {
		return
	}
	m.broadcastFanout.Observe(float64(recipients))
}

func (m *Metrics) RecordAttachmentStored(size int64) {
	if m == nil {
		return
	}
	m.attachmentBytes.Add(float64(size))
}
