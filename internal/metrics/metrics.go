// ABOUTME: Prometheus collectors for the realtime gateway
// ABOUTME: Owns a private registry and implements the router and broadcast observer hooks

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hush"

// Metrics holds the gateway collectors.
type Metrics struct {
	registry *prometheus.Registry

	ops           *prometheus.CounterVec
	opDuration    *prometheus.HistogramVec
	framesDropped *prometheus.CounterVec
	connects      prometheus.Counter
	evictions     prometheus.Counter
	authFailures  prometheus.Counter
}

// New creates the collectors on a fresh registry, including Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ops_total",
				Help:      "Number of inbound operations by op and result code",
			},
			[]string{"op", "code"},
		),
		opDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "op_duration_seconds",
				Help:      "Handler latency of inbound operations",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
			},
			[]string{"op"},
		),
		framesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frames_dropped_total",
				Help:      "Number of outbound frames not queued because the recipient was offline or backpressured",
			},
			[]string{"op"},
		),
		connects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Number of accepted realtime connections",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_evictions_total",
			Help:      "Number of connections closed because the same identity connected again",
		}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Number of rejected connection attempts",
		}),
	}

	m.registry.MustRegister(
		m.ops,
		m.opDuration,
		m.framesDropped,
		m.connects,
		m.evictions,
		m.authFailures,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveOp records one dispatched operation.
func (m *Metrics) ObserveOp(op, code string, elapsed time.Duration) {
	if op == "" {
		op = "malformed"
	}
	m.ops.WithLabelValues(op, code).Inc()
	if elapsed > 0 {
		m.opDuration.WithLabelValues(op).Observe(elapsed.Seconds())
	}
}

// FrameDropped records an undeliverable outbound frame.
func (m *Metrics) FrameDropped(op string) {
	m.framesDropped.WithLabelValues(op).Inc()
}

// Connected records an accepted connection and whether it evicted another.
func (m *Metrics) Connected(evicted bool) {
	m.connects.Inc()
	if evicted {
		m.evictions.Inc()
	}
}

// AuthFailed records a rejected connection attempt.
func (m *Metrics) AuthFailed() {
	m.authFailures.Inc()
}

// RegisterGauge exposes a value computed on scrape, such as the number of
// live connections.
func (m *Metrics) RegisterGauge(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
