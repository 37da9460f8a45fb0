package stats

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exports events as Prometheus counters on its own registry.
type Metrics struct {
	registry *prometheus.Registry
	events   *prometheus.CounterVec
}

// GaugeSource reports a current value, such as queue depth.
type GaugeSource func() float64

// NewMetrics creates the registry with the event counter, Go runtime
// collectors and one gauge per entry of gauges.
func NewMetrics(gauges map[string]GaugeSource) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailscribe_events_total",
			Help: "Pipeline events by type.",
		}, []string{"type"}),
	}

	m.registry.MustRegister(
		m.events,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	for name, fn := range gauges {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "mailscribe_" + name,
			Help: "Current value of " + name + ".",
		}, fn))
	}

	// Pre-create every series so dashboards see zeros.
	for _, t := range EventTypes {
		m.events.WithLabelValues(string(t))
	}

	return m
}

func (m *Metrics) Emit(evt Event) {
	m.events.WithLabelValues(string(evt.Type)).Inc()
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
