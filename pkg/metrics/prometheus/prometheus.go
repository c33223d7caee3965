package prometheus

import (
	"strconv"
	"time"

	"ledger-transfer/pkg/metrics"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements MetricsCollector for Prometheus.
type PrometheusCollector struct {
	namespace string

	// Transfers
	transfers        *prometheus.CounterVec
	transferDuration *prometheus.HistogramVec
	lockWait         *prometheus.HistogramVec
	auditFailures    *prometheus.CounterVec

	// Circuit breaker
	circuitOpens *prometheus.CounterVec
	circuitState *prometheus.GaugeVec

	// Event publisher
	queueDepth    *prometheus.GaugeVec
	droppedEvents *prometheus.CounterVec
	published     *prometheus.CounterVec
	publishTime   *prometheus.HistogramVec

	// HTTP
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

var _ metrics.MetricsCollector = (*PrometheusCollector)(nil)

// NewPrometheusCollector creates a new Prometheus metrics collector.
func NewPrometheusCollector(namespace string) *PrometheusCollector {
	return &PrometheusCollector{
		namespace: namespace,
		transfers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transfers_total",
				Help:      "Total number of transfers by outcome and failure reason",
			},
			[]string{"outcome", "reason"},
		),
		transferDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transfer_duration_seconds",
				Help:      "End to end transfer latency",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
			},
			[]string{"outcome"},
		),
		lockWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "lock_wait_seconds",
				Help:      "Time spent acquiring account locks",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 15),
			},
			[]string{"backend", "acquired"},
		),
		auditFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audit_write_failures_total",
				Help:      "Failure records that could not be written to the transfer log",
			},
			[]string{"reason"},
		),
		circuitOpens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_opens_total",
				Help:      "Total number of circuit breaker opens",
			},
			[]string{"name"},
		),
		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_state",
				Help:      "Current circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
			[]string{"name"},
		),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "event_queue_depth",
				Help:      "Current event publisher queue depth",
			},
			[]string{"sink"},
		),
		droppedEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_dropped_total",
				Help:      "Events dropped because the publisher queue was full",
			},
			[]string{"sink"},
		),
		published: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_published_total",
				Help:      "Event delivery attempts by status",
			},
			[]string{"sink", "status"},
		),
		publishTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "event_publish_duration_seconds",
				Help:      "Event delivery latency",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 15),
			},
			[]string{"sink"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
}

// Register registers all metrics with the given Prometheus registry.
func (pc *PrometheusCollector) Register(registry prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		pc.transfers,
		pc.transferDuration,
		pc.lockWait,
		pc.auditFailures,
		pc.circuitOpens,
		pc.circuitState,
		pc.queueDepth,
		pc.droppedEvents,
		pc.published,
		pc.publishTime,
		pc.httpRequests,
		pc.httpDuration,
	}

	for _, collector := range collectors {
		if err := registry.Register(collector); err != nil {
			return err
		}
	}

	return nil
}

// RecordTransfer records a finished transfer.
func (pc *PrometheusCollector) RecordTransfer(outcome, reason string, duration time.Duration) {
	pc.transfers.WithLabelValues(outcome, reason).Inc()
	pc.transferDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordLockWait records time spent acquiring account locks.
func (pc *PrometheusCollector) RecordLockWait(backend string, acquired bool, duration time.Duration) {
	pc.lockWait.WithLabelValues(backend, strconv.FormatBool(acquired)).Observe(duration.Seconds())
}

// RecordAuditFailure records a failure record that could not be written.
func (pc *PrometheusCollector) RecordAuditFailure(reason string) {
	pc.auditFailures.WithLabelValues(reason).Inc()
}

// RecordCircuitState records the current circuit breaker state.
func (pc *PrometheusCollector) RecordCircuitState(name string, state metrics.CircuitState) {
	pc.circuitState.WithLabelValues(name).Set(float64(state))
	if state == metrics.CircuitOpen {
		pc.circuitOpens.WithLabelValues(name).Inc()
	}
}

// RecordQueueDepth records the current event queue depth.
func (pc *PrometheusCollector) RecordQueueDepth(sink string, depth int) {
	pc.queueDepth.WithLabelValues(sink).Set(float64(depth))
}

// RecordEventDropped records a dropped event.
func (pc *PrometheusCollector) RecordEventDropped(sink string) {
	pc.droppedEvents.WithLabelValues(sink).Inc()
}

// RecordEventPublished records an event delivery attempt.
func (pc *PrometheusCollector) RecordEventPublished(sink string, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	pc.published.WithLabelValues(sink, status).Inc()
	pc.publishTime.WithLabelValues(sink).Observe(duration.Seconds())
}

// RecordHTTPRequest records one served request.
func (pc *PrometheusCollector) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	pc.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	pc.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
