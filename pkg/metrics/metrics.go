// Package metrics holds the prometheus collectors of a hub.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wsrpc"

// Drop reasons
const (
	ReasonMalformed    = "malformed"
	ReasonUnknownOp    = "unknown_operation"
	ReasonMiddleware   = "middleware"
	ReasonCrypto       = "crypto"
	ReasonHandler      = "handler"
	ReasonPanic        = "panic"
	ReasonReply        = "reply"
	ReasonUnregistered = "unregistered"
)

// Metrics is one hub's collector set with its own registry
type Metrics struct {
	registry *prometheus.Registry

	messages     *prometheus.CounterVec
	dropped      *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	handshakes   prometheus.Counter
	disconnects  prometheus.Counter
	sessions     prometheus.Gauge
	pushes       *prometheus.CounterVec
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New creates and registers the collectors for a hub
func New(hubID string) *Metrics {
	labels := prometheus.Labels{"hub": hubID}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   "dispatch",
				Name:        "messages_total",
				Help:        "Inbound messages dispatched to a handler.",
				ConstLabels: labels,
			},
			[]string{"operation"},
		),
		dropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   "dispatch",
				Name:        "dropped_total",
				Help:        "Inbound messages dropped without a reply.",
				ConstLabels: labels,
			},
			[]string{"reason"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   namespace,
				Subsystem:   "dispatch",
				Name:        "duration_seconds",
				Help:        "Time from receipt to reply.",
				ConstLabels: labels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		handshakes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "sessions",
			Name:        "handshakes_total",
			Help:        "Sessions created by a connection handshake.",
			ConstLabels: labels,
		}),
		disconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "sessions",
			Name:        "disconnects_total",
			Help:        "Sessions removed on transport close.",
			ConstLabels: labels,
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "sessions",
			Name:        "active",
			Help:        "Currently registered sessions.",
			ConstLabels: labels,
		}),
		pushes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   "push",
				Name:        "messages_total",
				Help:        "Messages pushed by directed send or broadcast.",
				ConstLabels: labels,
			},
			[]string{"kind"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   "http",
				Name:        "requests_total",
				Help:        "Admin API requests.",
				ConstLabels: labels,
			},
			[]string{"method", "path", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   namespace,
				Subsystem:   "http",
				Name:        "request_duration_seconds",
				Help:        "Admin API request duration in seconds.",
				ConstLabels: labels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
	}

	m.registry.MustRegister(
		m.messages, m.dropped, m.duration,
		m.handshakes, m.disconnects, m.sessions,
		m.pushes, m.httpRequests, m.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the prometheus registry backing m
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the exposition format for this hub's registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) RecordMessage(operation string, duration time.Duration) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(operation).Inc()
	m.duration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (m *Metrics) RecordDrop(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordHandshake() {
	if m == nil {
		return
	}
	m.handshakes.Inc()
	m.sessions.Inc()
}

func (m *Metrics) RecordDisconnect() {
	if m == nil {
		return
	}
	m.disconnects.Inc()
	m.sessions.Dec()
}

func (m *Metrics) RecordPush(kind string, delivered int) {
	if m == nil {
		return
	}
	m.pushes.WithLabelValues(kind).Add(float64(delivered))
}

func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	statusLabel := strconv.Itoa(status)
	m.httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	m.httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}
