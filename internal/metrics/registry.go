// Package metrics provides Prometheus metrics for the poller.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all Prometheus metrics for the service.
// Each Registry owns its own prometheus.Registry so several can coexist in tests.
type Registry struct {
	reg *prometheus.Registry

	// Transport metrics
	TransportRequests *prometheus.CounterVec
	TransportErrors   *prometheus.CounterVec
	TransportLatency  *prometheus.HistogramVec
	BreakerState      *prometheus.GaugeVec

	// Polling metrics
	PollsTotal    *prometheus.CounterVec
	PollDuration  *prometheus.HistogramVec
	PollErrors    *prometheus.CounterVec
	CycleDuration prometheus.Histogram
	DevicesActive prometheus.Gauge

	// Reconciliation metrics
	RecordsPersisted  *prometheus.CounterVec
	PersistErrors     *prometheus.CounterVec
	BatchesFlushed    prometheus.Counter
	BatchesDiscarded  prometheus.Counter
	BatchBuffers      prometheus.Gauge
	WritebacksIssued  *prometheus.CounterVec
	WritebacksSkipped *prometheus.CounterVec
	ResetsTotal       *prometheus.CounterVec

	// MQTT metrics
	MQTTMessagesPublished prometheus.Counter
	MQTTMessagesFailed    prometheus.Counter
	MQTTBufferSize        prometheus.Gauge
}

// NewRegistry creates a new metrics registry with all metrics registered.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Registry{
		reg: reg,

		TransportRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "poller",
			Subsystem: "modbus",
			Name:      "requests_total",
			Help:      "Total number of Modbus sessions by operation",
		}, []string{"device_id", "op"}),
		TransportErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "poller",
			Subsystem: "modbus",
			Name:      "errors_total",
			Help:      "Total number of failed Modbus sessions by error kind",
		}, []string{"device_id", "op", "kind"}),
		TransportLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "poller",
			Subsystem: "modbus",
			Name:      "request_duration_seconds",
			Help:      "Connect + exchange + close latency",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"op"}),
		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "poller",
			Subsystem: "modbus",
			Name:      "breaker_open",
			Help:      "1 when the device circuit breaker is open",
		}, []string{"device_id"}),

		PollsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "poller",
			Subsystem: "polling",
			Name:      "polls_total",
			Help:      "Total number of device polls",
		}, []string{"device_id", "status"}),
		PollDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "poller",
			Subsystem: "polling",
			Name:      "duration_seconds",
			Help:      "Per-device poll duration in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"device_id", "class"}),
		PollErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "poller",
			Subsystem: "polling",
			Name:      "errors_total",
			Help:      "Total number of poll errors by kind",
		}, []string{"device_id", "error_type"}),
		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "poller",
			Subsystem: "polling",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of a full poll cycle",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		DevicesActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "poller",
			Subsystem: "devices",
			Name:      "active",
			Help:      "Number of active devices in the last cycle",
		}),

		RecordsPersisted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "poller",
			Subsystem: "store",
			Name:      "records_total",
			Help:      "Records persisted by kind",
		}, []string{"kind"}),
		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "poller",
			Subsystem: "store",
			Name:      "errors_total",
			Help:      "Failed record inserts by kind",
		}, []string{"kind"}),
		BatchesFlushed: f.NewCounter(prometheus.CounterOpts{
			Namespace: "poller",
			Subsystem: "batch",
			Name:      "flushed_total",
			Help:      "Batches reduced into an aggregate record",
		}),
		BatchesDiscarded: f.NewCounter(prometheus.CounterOpts{
			Namespace: "poller",
			Subsystem: "batch",
			Name:      "discarded_total",
			Help:      "Batches dropped below the minimum sample count",
		}),
		BatchBuffers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "poller",
			Subsystem: "batch",
			Name:      "open_buffers",
			Help:      "Batches currently accumulating",
		}),
		WritebacksIssued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "poller",
			Subsystem: "writeback",
			Name:      "issued_total",
			Help:      "Register writebacks sent to devices",
		}, []string{"kind"}),
		WritebacksSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "poller",
			Subsystem: "writeback",
			Name:      "skipped_total",
			Help:      "Writebacks suppressed because the value was already sent",
		}, []string{"kind"}),
		ResetsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "poller",
			Subsystem: "reset",
			Name:      "total",
			Help:      "Device resets by outcome",
		}, []string{"device_id", "status"}),

		MQTTMessagesPublished: f.NewCounter(prometheus.CounterOpts{
			Namespace: "poller",
			Subsystem: "mqtt",
			Name:      "messages_published_total",
			Help:      "Total number of MQTT messages published",
		}),
		MQTTMessagesFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: "poller",
			Subsystem: "mqtt",
			Name:      "messages_failed_total",
			Help:      "Total number of failed MQTT publishes",
		}),
		MQTTBufferSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "poller",
			Subsystem: "mqtt",
			Name:      "buffer_size",
			Help:      "Current MQTT message buffer size",
		}),
	}
}

// Handler serves this registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Gatherer exposes the underlying registry for tests and custom exporters.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// RecordTransport records one Modbus session. kind is empty on success.
func (r *Registry) RecordTransport(deviceID, op, kind string, seconds float64) {
	r.TransportRequests.WithLabelValues(deviceID, op).Inc()
	r.TransportLatency.WithLabelValues(op).Observe(seconds)
	if kind != "" {
		r.TransportErrors.WithLabelValues(deviceID, op, kind).Inc()
	}
}

// SetBreakerOpen updates the breaker gauge for a device.
func (r *Registry) SetBreakerOpen(deviceID string, open bool) {
	v := 0.0
	if open {
		v = 1
	}
	r.BreakerState.WithLabelValues(deviceID).Set(v)
}

// RecordPollSuccess records a successful device poll.
func (r *Registry) RecordPollSuccess(deviceID, class string, duration float64) {
	r.PollsTotal.WithLabelValues(deviceID, "success").Inc()
	r.PollDuration.WithLabelValues(deviceID, class).Observe(duration)
}

// RecordPollError records a failed device poll.
func (r *Registry) RecordPollError(deviceID, class, errorType string, duration float64) {
	r.PollsTotal.WithLabelValues(deviceID, "error").Inc()
	r.PollDuration.WithLabelValues(deviceID, class).Observe(duration)
	r.PollErrors.WithLabelValues(deviceID, errorType).Inc()
}

// RecordCycle records a completed poll cycle.
func (r *Registry) RecordCycle(devices int, seconds float64) {
	r.DevicesActive.Set(float64(devices))
	r.CycleDuration.Observe(seconds)
}

// RecordPersist records a record insert outcome.
func (r *Registry) RecordPersist(kind string, err error) {
	if err != nil {
		r.PersistErrors.WithLabelValues(kind).Inc()
		return
	}
	r.RecordsPersisted.WithLabelValues(kind).Inc()
}

// RecordBatch records a batch flush outcome.
func (r *Registry) RecordBatch(persisted bool) {
	if persisted {
		r.BatchesFlushed.Inc()
	} else {
		r.BatchesDiscarded.Inc()
	}
}

// UpdateBatchBuffers updates the open batch gauge.
func (r *Registry) UpdateBatchBuffers(n int) {
	r.BatchBuffers.Set(float64(n))
}

// RecordWriteback records an issued or suppressed writeback.
func (r *Registry) RecordWriteback(kind string, issued bool) {
	if issued {
		r.WritebacksIssued.WithLabelValues(kind).Inc()
	} else {
		r.WritebacksSkipped.WithLabelValues(kind).Inc()
	}
}

// RecordReset records a device reset outcome.
func (r *Registry) RecordReset(deviceID string, success bool) {
	status := "success"
	if !success {
		status = "failed"
	}
	r.ResetsTotal.WithLabelValues(deviceID, status).Inc()
}

// RecordMQTTPublish records an MQTT publish operation.
func (r *Registry) RecordMQTTPublish(success bool) {
	if success {
		r.MQTTMessagesPublished.Inc()
	} else {
		r.MQTTMessagesFailed.Inc()
	}
}

// UpdateMQTTBufferSize updates the MQTT buffer size gauge.
func (r *Registry) UpdateMQTTBufferSize(size int) {
	r.MQTTBufferSize.Set(float64(size))
}
