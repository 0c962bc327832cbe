package mqttclient

import (
	"math"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryMetrics keeps every series in memory. It is meant for tests and
// for applications that export metrics themselves.
type MemoryMetrics struct {
	mu         sync.Mutex
	counters   map[string]*memoryCounter
	gauges     map[string]*memoryGauge
	histograms map[string]*memoryHistogram
}

func NewMemoryMetrics() *MemoryMetrics {
	return &MemoryMetrics{
		counters:   make(map[string]*memoryCounter),
		gauges:     make(map[string]*memoryGauge),
		histograms: make(map[string]*memoryHistogram),
	}
}

// seriesKey renders name and labels with labels sorted by key.
func seriesKey(name string, labels MetricLabels) string {
	if len(labels) == 0 {
		return name
	}

	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	b.WriteByte('}')

	return b.String()
}

func lookup[T any](m *MemoryMetrics, series map[string]*T, key string) *T {
	m.mu.Lock()
	defer m.mu.Unlock()

	if v, ok := series[key]; ok {
		return v
	}
	v := new(T)
	series[key] = v
	return v
}

func (m *MemoryMetrics) Counter(name string, labels MetricLabels) Counter {
	return lookup(m, m.counters, seriesKey(name, labels))
}

func (m *MemoryMetrics) Gauge(name string, labels MetricLabels) Gauge {
	return lookup(m, m.gauges, seriesKey(name, labels))
}

func (m *MemoryMetrics) Histogram(name string, labels MetricLabels) Histogram {
	return lookup(m, m.histograms, seriesKey(name, labels))
}

// CounterValue returns the value of a counter, zero when it was never
// touched.
func (m *MemoryMetrics) CounterValue(name string, labels MetricLabels) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.counters[seriesKey(name, labels)]; ok {
		return c.Value()
	}
	return 0
}

// GaugeValue returns the value of a gauge, zero when it was never touched.
func (m *MemoryMetrics) GaugeValue(name string, labels MetricLabels) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if g, ok := m.gauges[seriesKey(name, labels)]; ok {
		return g.Value()
	}
	return 0
}

// HistogramCount returns the number of observations of a histogram.
func (m *MemoryMetrics) HistogramCount(name string, labels MetricLabels) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h, ok := m.histograms[seriesKey(name, labels)]; ok {
		return h.Count()
	}
	return 0
}

// atomicFloat is a float64 updated with compare-and-swap on its bits.
type atomicFloat struct {
	bits atomic.Uint64
}

func (f *atomicFloat) add(delta float64) {
	for {
		old := f.bits.Load()
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if f.bits.CompareAndSwap(old, next) {
			return
		}
	}
}

func (f *atomicFloat) load() float64 {
	return math.Float64frombits(f.bits.Load())
}

func (f *atomicFloat) store(v float64) {
	f.bits.Store(math.Float64bits(v))
}

type memoryCounter struct {
	v atomicFloat
}

func (c *memoryCounter) Inc() { c.v.add(1) }

func (c *memoryCounter) Add(delta float64) {
	if delta < 0 {
		return
	}
	c.v.add(delta)
}

func (c *memoryCounter) Value() float64 { return c.v.load() }

type memoryGauge struct {
	v atomicFloat
}

func (g *memoryGauge) Set(value float64) { g.v.store(value) }
func (g *memoryGauge) Inc()              { g.v.add(1) }
func (g *memoryGauge) Dec()              { g.v.add(-1) }
func (g *memoryGauge) Add(delta float64) { g.v.add(delta) }
func (g *memoryGauge) Sub(delta float64) { g.v.add(-delta) }
func (g *memoryGauge) Value() float64    { return g.v.load() }

type memoryHistogram struct {
	count atomic.Uint64
	sum   atomicFloat
}

func (h *memoryHistogram) Observe(value float64) {
	h.count.Add(1)
	h.sum.add(value)
}

func (h *memoryHistogram) ObserveDuration(d time.Duration) {
	h.Observe(d.Seconds())
}

func (h *memoryHistogram) Count() uint64 { return h.count.Load() }
func (h *memoryHistogram) Sum() float64  { return h.sum.load() }
