// Package metrics exposes tinyportmapper's forwarding counters as
// Prometheus metrics and satisfies the tcpconn.Metrics/udpsess.Metrics
// interfaces the reactor's handlers call into directly.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "tinyportmapper"
	subsystem = "forward"
)

// Label values for the BytesForwarded counter's direction label.
const (
	directionToRemote = "to_remote"
	directionToLocal  = "to_local"
)

// -------------------------------------------------------------------------
// Collector — Prometheus forwarding metrics
// -------------------------------------------------------------------------

// Collector holds all tinyportmapper Prometheus metrics (spec §6:
// "Periodic statistics line every 10 s: current TCP connection count,
// UDP session count, and cumulative bytes forwarded in each
// direction").
//
// Collector implements both tcpconn.Metrics and udpsess.Metrics, so a
// single instance can be wired into reactor.Config.TCPMetrics and
// reactor.Config.UDPMetrics.
type Collector struct {
	// TCPConnections tracks the number of currently active TCP
	// connections.
	TCPConnections prometheus.Gauge

	// UDPSessions tracks the number of currently active UDP sessions.
	UDPSessions prometheus.Gauge

	// BytesForwarded counts cumulative bytes relayed, labeled by
	// direction (to_remote, to_local).
	BytesForwarded *prometheus.CounterVec

	// ConnectionsTotal and SessionsTotal count lifetime opened
	// connections/sessions, for computing churn rates alongside the
	// gauges above.
	ConnectionsTotal prometheus.Counter
	SessionsTotal    prometheus.Counter

	// tcpCount and udpCount mirror the gauges above as plain integers
	// so Snapshot can report them without going through Prometheus's
	// collector interface.
	tcpCount atomic.Int64
	udpCount atomic.Int64
}

// NewCollector creates a Collector with all metrics registered against
// the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.TCPConnections,
		c.UDPSessions,
		c.BytesForwarded,
		c.ConnectionsTotal,
		c.SessionsTotal,
	)

	return c
}

// newMetrics creates all Prometheus metrics without registering them.
func newMetrics() *Collector {
	return &Collector{
		TCPConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tcp_connections",
			Help:      "Number of currently active TCP forwarding connections.",
		}),
		UDPSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "udp_sessions",
			Help:      "Number of currently active UDP forwarding sessions.",
		}),
		BytesForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bytes_forwarded_total",
			Help:      "Total bytes relayed, labeled by direction.",
		}, []string{"direction"}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tcp_connections_opened_total",
			Help:      "Total TCP connections accepted and paired with a remote socket.",
		}),
		SessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "udp_sessions_opened_total",
			Help:      "Total UDP sessions created.",
		}),
	}
}

// -------------------------------------------------------------------------
// tcpconn.Metrics
// -------------------------------------------------------------------------

// ConnectionOpened implements tcpconn.Metrics.
func (c *Collector) ConnectionOpened() {
	c.TCPConnections.Inc()
	c.ConnectionsTotal.Inc()
	c.tcpCount.Add(1)
}

// ConnectionClosed implements tcpconn.Metrics.
func (c *Collector) ConnectionClosed() {
	c.TCPConnections.Dec()
	c.tcpCount.Add(-1)
}

// -------------------------------------------------------------------------
// udpsess.Metrics
// -------------------------------------------------------------------------

// SessionOpened implements udpsess.Metrics.
func (c *Collector) SessionOpened() {
	c.UDPSessions.Inc()
	c.SessionsTotal.Inc()
	c.udpCount.Add(1)
}

// SessionClosed implements udpsess.Metrics.
func (c *Collector) SessionClosed() {
	c.UDPSessions.Dec()
	c.udpCount.Add(-1)
}

// -------------------------------------------------------------------------
// Shared
// -------------------------------------------------------------------------

// BytesForwarded implements both tcpconn.Metrics and udpsess.Metrics:
// toRemote selects the direction label, n is added to the counter.
func (c *Collector) BytesForwarded(toRemote bool, n int) {
	direction := directionToLocal
	if toRemote {
		direction = directionToRemote
	}
	c.BytesForwarded.WithLabelValues(direction).Add(float64(n))
}

// Snapshot returns the current connection/session counts tracked by
// this collector. The reactor's periodic statistics log line takes its
// counts from reactor.Stats, not from Snapshot.
func (c *Collector) Snapshot() (tcpConnections, udpSessions int) {
	return int(c.tcpCount.Load()), int(c.udpCount.Load())
}
