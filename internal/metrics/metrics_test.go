package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	c := New()
	return c, c.Registry
}

func getGaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	g.Write(m)
	return m.GetGauge().GetValue()
}

func getCounterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	c.Write(m)
	return m.GetCounter().GetValue()
}

func TestConnectionOpenedAndClosed(t *testing.T) {
	c, _ := newTestCollector(t)

	c.ConnectionOpened("postgres")
	c.ConnectionOpened("postgres")
	if v := getGaugeValue(c.connectionsActive.WithLabelValues("postgres")); v != 2 {
		t.Errorf("expected active=2, got %v", v)
	}

	c.ConnectionClosed("postgres")
	if v := getGaugeValue(c.connectionsActive.WithLabelValues("postgres")); v != 1 {
		t.Errorf("expected active=1 after close, got %v", v)
	}
}

func TestHandshakeDuration(t *testing.T) {
	c, reg := newTestCollector(t)

	c.HandshakeDuration("mysql", 0.01)
	c.HandshakeDuration("mysql", 0.02)

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, f := range families {
		if f.GetName() == "gateway_handshake_duration_seconds" {
			found = true
			if f.GetMetric()[0].GetHistogram().GetSampleCount() != 2 {
				t.Errorf("expected 2 samples, got %d", f.GetMetric()[0].GetHistogram().GetSampleCount())
			}
		}
	}
	if !found {
		t.Error("handshake duration metric not found")
	}
}

func TestRouteResolved(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RouteResolved("postgres", "exact")
	c.RouteResolved("postgres", "exact")
	c.RouteResolved("postgres", "not_found")

	if v := getCounterValue(c.routeResolutions.WithLabelValues("postgres", "exact")); v != 2 {
		t.Errorf("expected exact=2, got %v", v)
	}
	if v := getCounterValue(c.routeResolutions.WithLabelValues("postgres", "not_found")); v != 1 {
		t.Errorf("expected not_found=1, got %v", v)
	}
}

func TestBytesSpliced(t *testing.T) {
	c, _ := newTestCollector(t)

	c.BytesSpliced("tds", "client_to_upstream", 128)
	c.BytesSpliced("tds", "client_to_upstream", 64)
	c.BytesSpliced("tds", "client_to_upstream", 0) // no-op, must not register a sample

	if v := getCounterValue(c.spliceBytesTotal.WithLabelValues("tds", "client_to_upstream")); v != 192 {
		t.Errorf("expected 192 bytes total, got %v", v)
	}
}

func TestSetUpstreamHealth(t *testing.T) {
	c, _ := newTestCollector(t)

	c.SetUpstreamHealth("mysql", "tenant_a", true)
	if v := getGaugeValue(c.upstreamHealth.WithLabelValues("mysql", "tenant_a")); v != 1 {
		t.Errorf("expected healthy=1, got %v", v)
	}

	c.SetUpstreamHealth("mysql", "tenant_a", false)
	if v := getGaugeValue(c.upstreamHealth.WithLabelValues("mysql", "tenant_a")); v != 0 {
		t.Errorf("expected healthy=0, got %v", v)
	}
}

func TestHealthCheckDuration(t *testing.T) {
	c, reg := newTestCollector(t)

	c.HealthCheckDuration("postgres", 0.005)
	c.HealthCheckDuration("postgres", 0.015)

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, f := range families {
		if f.GetName() == "gateway_health_check_duration_seconds" {
			found = true
			if f.GetMetric()[0].GetHistogram().GetSampleCount() != 2 {
				t.Errorf("expected 2 samples, got %d", f.GetMetric()[0].GetHistogram().GetSampleCount())
			}
		}
	}
	if !found {
		t.Error("health check duration metric not found")
	}
}

func TestNewDoesNotPanicOnMultipleCalls(t *testing.T) {
	// Each call registers against its own private registry instead of the
	// global default, so constructing a second Collector must not panic on
	// duplicate registration.
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("New() panicked on repeated calls: %v", r)
		}
	}()

	c1 := New()
	c2 := New()

	c1.ConnectionOpened("postgres")
	c2.ConnectionOpened("postgres")
	c2.ConnectionOpened("postgres")

	if v := getGaugeValue(c1.connectionsActive.WithLabelValues("postgres")); v != 1 {
		t.Errorf("c1 expected active=1, got %v", v)
	}
	if v := getGaugeValue(c2.connectionsActive.WithLabelValues("postgres")); v != 2 {
		t.Errorf("c2 expected active=2, got %v", v)
	}
}
