package mqttclient

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// PrometheusMetrics exports client metrics through a Prometheus registry.
// One collector vector is registered per metric name; the label names of
// the first use of a name are fixed for that name.
type PrometheusMetrics struct {
	reg prometheus.Registerer

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// NewPrometheusMetrics registers collectors on reg as they are first used.
// A nil reg uses prometheus.DefaultRegisterer.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &PrometheusMetrics{
		reg:        reg,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

func labelNames(labels MetricLabels) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}

// register returns the collector already registered under the same
// descriptor, if any.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}

func (p *PrometheusMetrics) Counter(name string, labels MetricLabels) Counter {
	p.mu.Lock()
	vec, ok := p.counters[name]
	if !ok {
		vec = register(p.reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: name,
			Help: "MQTT client counter " + name + ".",
		}, labelNames(labels)))
		p.counters[name] = vec
	}
	p.mu.Unlock()

	return promCounter{vec.With(prometheus.Labels(labels))}
}

func (p *PrometheusMetrics) Gauge(name string, labels MetricLabels) Gauge {
	p.mu.Lock()
	vec, ok := p.gauges[name]
	if !ok {
		vec = register(p.reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: name,
			Help: "MQTT client gauge " + name + ".",
		}, labelNames(labels)))
		p.gauges[name] = vec
	}
	p.mu.Unlock()

	return promGauge{vec.With(prometheus.Labels(labels))}
}

func (p *PrometheusMetrics) Histogram(name string, labels MetricLabels) Histogram {
	p.mu.Lock()
	vec, ok := p.histograms[name]
	if !ok {
		vec = register(p.reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    name,
			Help:    "MQTT client histogram " + name + ".",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
		}, labelNames(labels)))
		p.histograms[name] = vec
	}
	p.mu.Unlock()

	return promHistogram{vec.With(prometheus.Labels(labels))}
}

// read collects the current state of m.
func read(m prometheus.Metric) *dto.Metric {
	out := &dto.Metric{}
	if err := m.Write(out); err != nil {
		return &dto.Metric{}
	}
	return out
}

type promCounter struct {
	c prometheus.Counter
}

func (c promCounter) Inc()              { c.c.Inc() }
func (c promCounter) Add(delta float64) { c.c.Add(delta) }
func (c promCounter) Value() float64    { return read(c.c).GetCounter().GetValue() }

type promGauge struct {
	g prometheus.Gauge
}

func (g promGauge) Set(value float64) { g.g.Set(value) }
func (g promGauge) Inc()              { g.g.Inc() }
func (g promGauge) Dec()              { g.g.Dec() }
func (g promGauge) Add(delta float64) { g.g.Add(delta) }
func (g promGauge) Sub(delta float64) { g.g.Sub(delta) }
func (g promGauge) Value() float64    { return read(g.g).GetGauge().GetValue() }

type promHistogram struct {
	o prometheus.Observer
}

func (h promHistogram) Observe(value float64)           { h.o.Observe(value) }
func (h promHistogram) ObserveDuration(d time.Duration) { h.o.Observe(d.Seconds()) }

func (h promHistogram) Count() uint64 {
	if m, ok := h.o.(prometheus.Metric); ok {
		return read(m).GetHistogram().GetSampleCount()
	}
	return 0
}

func (h promHistogram) Sum() float64 {
	if m, ok := h.o.(prometheus.Metric); ok {
		return read(m).GetHistogram().GetSampleSum()
	}
	return 0
}
