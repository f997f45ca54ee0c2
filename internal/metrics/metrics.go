// Package metrics exposes the gateway's operational counters on a private
// Prometheus registry — never the global default, so constructing more than
// one Collector (as tests do) never panics on duplicate registration.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds every metric series this gateway produces. It never reads
// or influences a routing decision — it is purely observational.
type Collector struct {
	Registry *prometheus.Registry

	connectionsActive   *prometheus.GaugeVec
	handshakeDuration   *prometheus.HistogramVec
	routeResolutions    *prometheus.CounterVec
	spliceBytesTotal    *prometheus.CounterVec
	upstreamHealth      *prometheus.GaugeVec
	healthCheckDuration *prometheus.HistogramVec
}

// New creates a Collector registered on its own registry. Safe to call more
// than once (e.g. once per test) since each call is independent.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		connectionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_connections_active",
				Help: "Number of client connections currently spliced to an upstream per protocol",
			},
			[]string{"protocol"},
		),
		handshakeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_handshake_duration_seconds",
				Help:    "Time from accept to splice-start per protocol",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
			},
			[]string{"protocol"},
		),
		routeResolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_route_resolutions_total",
				Help: "Routing table lookups by protocol and outcome",
			},
			[]string{"protocol", "result"},
		),
		spliceBytesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_splice_bytes_total",
				Help: "Bytes copied by the splicer by protocol and direction",
			},
			[]string{"protocol", "direction"},
		),
		upstreamHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_upstream_health",
				Help: "Health prober result per upstream key (1=healthy, 0=unhealthy)",
			},
			[]string{"protocol", "key"},
		),
		healthCheckDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_health_check_duration_seconds",
				Help:    "Time taken by the upstream health prober's dial+probe per protocol",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
			},
			[]string{"protocol"},
		),
	}

	reg.MustRegister(
		c.connectionsActive,
		c.handshakeDuration,
		c.routeResolutions,
		c.spliceBytesTotal,
		c.upstreamHealth,
		c.healthCheckDuration,
	)

	return c
}

// ConnectionOpened increments the active-connection gauge for a protocol.
func (c *Collector) ConnectionOpened(protocol string) {
	c.connectionsActive.WithLabelValues(protocol).Inc()
}

// ConnectionClosed decrements the active-connection gauge for a protocol.
func (c *Collector) ConnectionClosed(protocol string) {
	c.connectionsActive.WithLabelValues(protocol).Dec()
}

// HandshakeDuration observes the accept-to-splice-start latency.
func (c *Collector) HandshakeDuration(protocol string, seconds float64) {
	c.handshakeDuration.WithLabelValues(protocol).Observe(seconds)
}

// RouteResolved records which of the four lookup passes produced the
// routing outcome for a connection (exact, prefix, wildcard, not_found).
func (c *Collector) RouteResolved(protocol, result string) {
	c.routeResolutions.WithLabelValues(protocol, result).Inc()
}

// BytesSpliced adds to the byte counter for one splice direction.
func (c *Collector) BytesSpliced(protocol, direction string, n int64) {
	if n <= 0 {
		return
	}
	c.spliceBytesTotal.WithLabelValues(protocol, direction).Add(float64(n))
}

// SetUpstreamHealth records the health prober's verdict for one upstream key.
func (c *Collector) SetUpstreamHealth(protocol, key string, healthy bool) {
	val := 0.0
	if healthy {
		val = 1.0
	}
	c.upstreamHealth.WithLabelValues(protocol, key).Set(val)
}

// HealthCheckDuration observes one prober dial+probe cycle for a protocol.
func (c *Collector) HealthCheckDuration(protocol string, seconds float64) {
	c.healthCheckDuration.WithLabelValues(protocol).Observe(seconds)
}
