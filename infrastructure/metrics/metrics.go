// Package metrics exposes Prometheus counters for driver activity.
package metrics

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ucdriver"

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	patches    *prometheus.CounterVec
	launches   *prometheus.CounterVec
	reconnects *prometheus.CounterVec
	cdpEvents  *prometheus.CounterVec
	active     prometheus.Gauge
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		patches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "driver_patches_total",
			Help:      "Chromedriver patch attempts by result.",
		}, []string{"result"}),
		launches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "browser_launches_total",
			Help:      "Browser process launches by mode.",
		}, []string{"mode"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "driver_reconnects_total",
			Help:      "WebDriver disconnect/connect operations.",
		}, []string{"op"}),
		cdpEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cdp_events_total",
			Help:      "CDP events received by domain.",
		}, []string{"domain"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_drivers",
			Help:      "Drivers currently running.",
		}),
	}
	m.registry.MustRegister(m.patches, m.launches, m.reconnects, m.cdpEvents, m.active)
	return m
}

// Registry returns the underlying registry, for tests and custom exporters.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// PatchResult records a patch attempt ("patched", "already_patched", "failed").
func (m *Metrics) PatchResult(result string) {
	if m == nil {
		return
	}
	m.patches.WithLabelValues(result).Inc()
}

// BrowserLaunched records a browser launch ("detached" or "subprocess").
func (m *Metrics) BrowserLaunched(mode string) {
	if m == nil {
		return
	}
	m.launches.WithLabelValues(mode).Inc()
}

// Reconnect records a "disconnect" or "connect".
func (m *Metrics) Reconnect(op string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(op).Inc()
}

// CDPEvent records an event, labelled by the method's domain.
func (m *Metrics) CDPEvent(method string) {
	if m == nil {
		return
	}
	domain, _, _ := strings.Cut(method, ".")
	m.cdpEvents.WithLabelValues(domain).Inc()
}

// DriverStarted increments the active driver gauge.
func (m *Metrics) DriverStarted() {
	if m == nil {
		return
	}
	m.active.Inc()
}

// DriverStopped decrements the active driver gauge.
func (m *Metrics) DriverStopped() {
	if m == nil {
		return
	}
	m.active.Dec()
}
