// Package metrics holds the relay's prometheus collectors. A nil *Metrics is
// valid and records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

type Metrics struct {
	clientConnections prometheus.Gauge
	groups            prometheus.Gauge
	sfuSockets        *prometheus.GaugeVec
	messages          *prometheus.CounterVec
	dropped           *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	promFactory := promauto.With(reg)
	return &Metrics{
		clientConnections: promFactory.NewGauge(prometheus.GaugeOpts{
			Name: "sfusignal_client_connections",
			Help: "Current number of client transports attached to the relay",
		}),
		groups: promFactory.NewGauge(prometheus.GaugeOpts{
			Name: "sfusignal_groups",
			Help: "Current number of groups with at least one member",
		}),
		sfuSockets: promFactory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sfusignal_sfu_sockets",
			Help: "Current number of open SFU negotiation sockets labelled by mode",
		}, []string{"mode"}),
		messages: promFactory.NewCounterVec(prometheus.CounterOpts{
			Name: "sfusignal_messages_total",
			Help: "Signaling messages handled by the relay labelled by direction and command",
		}, []string{"direction", "command"}),
		dropped: promFactory.NewCounterVec(prometheus.CounterOpts{
			Name: "sfusignal_dropped_messages_total",
			Help: "Messages the relay could not decode or route labelled by reason",
		}, []string{"reason"}),
		requestDuration: promFactory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sfusignal_http_request_duration_seconds",
			Help:    "Duration of HTTP requests served by the relay",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"status", "method", "path"}),
	}
}

func (m *Metrics) ClientConnected() {
	if m == nil {
		return
	}
	m.clientConnections.Inc()
}

func (m *Metrics) ClientDisconnected() {
	if m == nil {
		return
	}
	m.clientConnections.Dec()
}

func (m *Metrics) SetGroups(n int) {
	if m == nil {
		return
	}
	m.groups.Set(float64(n))
}

func (m *Metrics) SFUSocketOpened(mode string) {
	if m == nil {
		return
	}
	m.sfuSockets.WithLabelValues(mode).Inc()
}

func (m *Metrics) SFUSocketClosed(mode string) {
	if m == nil {
		return
	}
	m.sfuSockets.WithLabelValues(mode).Dec()
}

func (m *Metrics) Message(direction, command string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(direction, command).Inc()
}

func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

// Middleware records request durations by route template.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.requestDuration.With(prometheus.Labels{
			"status": strconv.Itoa(c.Writer.Status()),
			"method": c.Request.Method,
			"path":   path,
		}).Observe(time.Since(start).Seconds())
	}
}
