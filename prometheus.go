package ublk

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusObserver implements Observer by recording into an internal
// Metrics instance, exactly as MetricsObserver does, and additionally
// updating its own prometheus counters, gauge and histogram, which it
// exposes as a prometheus.Collector. It never touches the registry itself
// on the I/O hot path; Collect only runs when something scrapes the
// registered collector.
type PrometheusObserver struct {
	*MetricsObserver

	readBytes    prometheus.Counter
	writeBytes   prometheus.Counter
	discardBytes prometheus.Counter
	readErrors   prometheus.Counter
	writeErrors  prometheus.Counter
	queueDepth   prometheus.Gauge
	opLatency    *prometheus.HistogramVec
}

// NewPrometheusObserver creates an Observer that records into m and
// publishes the same counters through the standard prometheus client.
// Register the returned value with a prometheus.Registerer to expose it.
func NewPrometheusObserver(m *Metrics, namespace string) *PrometheusObserver {
	o := &PrometheusObserver{
		MetricsObserver: NewMetricsObserver(m),
		readBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "read_bytes_total",
			Help: "Total bytes read from ublk backends.",
		}),
		writeBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "write_bytes_total",
			Help: "Total bytes written to ublk backends.",
		}),
		discardBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "discard_bytes_total",
			Help: "Total bytes discarded on ublk backends.",
		}),
		readErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "read_errors_total",
			Help: "Total failed read operations.",
		}),
		writeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "write_errors_total",
			Help: "Total failed write operations.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_depth",
			Help: "Most recently observed submission queue depth.",
		}),
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "op_latency_seconds",
			Help:    "I/O operation latency by op type.",
			Buckets: prometheus.ExponentialBuckets(1e-6, 4, 10),
		}, []string{"op"}),
	}
	return o
}

// ObserveRead records into the wrapped Metrics and into the prometheus
// counters/histogram.
func (o *PrometheusObserver) ObserveRead(bytes uint64, latencyNs uint64, success bool) {
	o.MetricsObserver.ObserveRead(bytes, latencyNs, success)
	o.readBytes.Add(float64(bytes))
	if !success {
		o.readErrors.Inc()
	}
	o.opLatency.WithLabelValues("read").Observe(float64(latencyNs) / 1e9)
}

func (o *PrometheusObserver) ObserveWrite(bytes uint64, latencyNs uint64, success bool) {
	o.MetricsObserver.ObserveWrite(bytes, latencyNs, success)
	o.writeBytes.Add(float64(bytes))
	if !success {
		o.writeErrors.Inc()
	}
	o.opLatency.WithLabelValues("write").Observe(float64(latencyNs) / 1e9)
}

func (o *PrometheusObserver) ObserveDiscard(bytes uint64, latencyNs uint64, success bool) {
	o.MetricsObserver.ObserveDiscard(bytes, latencyNs, success)
	o.discardBytes.Add(float64(bytes))
	o.opLatency.WithLabelValues("discard").Observe(float64(latencyNs) / 1e9)
}

func (o *PrometheusObserver) ObserveFlush(latencyNs uint64, success bool) {
	o.MetricsObserver.ObserveFlush(latencyNs, success)
	o.opLatency.WithLabelValues("flush").Observe(float64(latencyNs) / 1e9)
}

func (o *PrometheusObserver) ObserveQueueDepth(depth uint32) {
	o.MetricsObserver.ObserveQueueDepth(depth)
	o.queueDepth.Set(float64(depth))
}

// Describe implements prometheus.Collector.
func (o *PrometheusObserver) Describe(ch chan<- *prometheus.Desc) {
	o.readBytes.Describe(ch)
	o.writeBytes.Describe(ch)
	o.discardBytes.Describe(ch)
	o.readErrors.Describe(ch)
	o.writeErrors.Describe(ch)
	o.queueDepth.Describe(ch)
	o.opLatency.Describe(ch)
}

// Collect implements prometheus.Collector.
func (o *PrometheusObserver) Collect(ch chan<- prometheus.Metric) {
	o.readBytes.Collect(ch)
	o.writeBytes.Collect(ch)
	o.discardBytes.Collect(ch)
	o.readErrors.Collect(ch)
	o.writeErrors.Collect(ch)
	o.queueDepth.Collect(ch)
	o.opLatency.Collect(ch)
}

var _ prometheus.Collector = (*PrometheusObserver)(nil)
var _ Observer = (*PrometheusObserver)(nil)
