package mqttclient

import (
	"strconv"
	"time"
)

// MetricLabels are the label values of one metric series.
type MetricLabels map[string]string

// Metrics creates or looks up metric series. Implementations must be safe
// for concurrent use and return the same series for equal name and labels.
type Metrics interface {
	Counter(name string, labels MetricLabels) Counter
	Gauge(name string, labels MetricLabels) Gauge
	Histogram(name string, labels MetricLabels) Histogram
}

// Counter only goes up.
type Counter interface {
	Inc()
	Add(delta float64)
	Value() float64
}

// Gauge can go up and down.
type Gauge interface {
	Set(value float64)
	Inc()
	Dec()
	Add(delta float64)
	Sub(delta float64)
	Value() float64
}

// Histogram records a distribution of observations.
type Histogram interface {
	Observe(value float64)
	ObserveDuration(d time.Duration)
	Count() uint64
	Sum() float64
}

// NoOpMetrics discards every observation.
type NoOpMetrics struct{}

func (NoOpMetrics) Counter(string, MetricLabels) Counter     { return noOpCounter{} }
func (NoOpMetrics) Gauge(string, MetricLabels) Gauge         { return noOpGauge{} }
func (NoOpMetrics) Histogram(string, MetricLabels) Histogram { return noOpHistogram{} }

type noOpCounter struct{}

func (noOpCounter) Inc()           {}
func (noOpCounter) Add(float64)    {}
func (noOpCounter) Value() float64 { return 0 }

type noOpGauge struct{}

func (noOpGauge) Set(float64)    {}
func (noOpGauge) Inc()           {}
func (noOpGauge) Dec()           {}
func (noOpGauge) Add(float64)    {}
func (noOpGauge) Sub(float64)    {}
func (noOpGauge) Value() float64 { return 0 }

type noOpHistogram struct{}

func (noOpHistogram) Observe(float64)               {}
func (noOpHistogram) ObserveDuration(time.Duration) {}
func (noOpHistogram) Count() uint64                 { return 0 }
func (noOpHistogram) Sum() float64                  { return 0 }

// Metric names recorded by the client.
const (
	MetricPublishSent    = "mqtt_publish_sent_total"
	MetricPublishAcked   = "mqtt_publish_acked_total"
	MetricPublishFailed  = "mqtt_publish_failed_total"
	MetricProtocolErrors = "mqtt_protocol_errors_total"
	MetricInflight       = "mqtt_inflight"
	MetricPublishAckTime = "mqtt_publish_ack_seconds"
	MetricConnects       = "mqtt_connects_total"
)

// LabelQoS is the QoS label of publish metrics.
const LabelQoS = "qos"

// publishMetrics records the outgoing publish pipeline.
type publishMetrics struct {
	metrics Metrics
}

func qosLabels(qos byte) MetricLabels {
	return MetricLabels{LabelQoS: strconv.Itoa(int(qos))}
}

func (p publishMetrics) sent(qos byte) {
	p.metrics.Counter(MetricPublishSent, qosLabels(qos)).Inc()
	if qos > QoS0 {
		p.metrics.Gauge(MetricInflight, nil).Inc()
	}
}

func (p publishMetrics) completed(qos byte, failed bool, since time.Time) {
	if qos > QoS0 {
		p.metrics.Gauge(MetricInflight, nil).Dec()
	}
	if failed {
		p.metrics.Counter(MetricPublishFailed, qosLabels(qos)).Inc()
		return
	}
	p.metrics.Counter(MetricPublishAcked, qosLabels(qos)).Inc()
	if !since.IsZero() {
		p.metrics.Histogram(MetricPublishAckTime, qosLabels(qos)).ObserveDuration(time.Since(since))
	}
}

// rejected records a message that never reached the network.
func (p publishMetrics) rejected(qos byte) {
	p.metrics.Counter(MetricPublishFailed, qosLabels(qos)).Inc()
}

func (p publishMetrics) protocolError() {
	p.metrics.Counter(MetricProtocolErrors, nil).Inc()
}

func (p publishMetrics) connected() {
	p.metrics.Counter(MetricConnects, nil).Inc()
}

func (p publishMetrics) resetInflight() {
	p.metrics.Gauge(MetricInflight, nil).Set(0)
}
