// Package metrics exposes Prometheus instrumentation for the gateway and the
// task system on the admin endpoint.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the gateway and the task system.
type Metrics struct {
	// Gateway metrics
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	routeErrors     *prometheus.CounterVec

	// Certificate metrics
	certEvents *prometheus.CounterVec

	// Queue metrics
	jobsTotal        *prometheus.CounterVec
	queueDepth       *prometheus.GaugeVec
	leaseExpirations *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates a metrics instance with all gateway and queue metrics registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "Total number of proxied requests by service and status code",
			},
			[]string{"service", "code"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_request_duration_seconds",
				Help:    "Request handling latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"service"},
		),
		routeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_route_errors_total",
				Help: "Routing failures by kind (not_found, unavailable)",
			},
			[]string{"kind"},
		),
		certEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_certificate_events_total",
				Help: "Certificate lifecycle events by type and result",
			},
			[]string{"event", "result"},
		),
		jobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "queue_jobs_total",
				Help: "Job status transitions by queue and status",
			},
			[]string{"queue", "status"},
		),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "queue_pending_jobs",
				Help: "Number of pending jobs per queue",
			},
			[]string{"queue"},
		),
		leaseExpirations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "queue_lease_expirations_total",
				Help: "Leases that expired without ack/nack, per queue",
			},
			[]string{"queue"},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.routeErrors,
		m.certEvents,
		m.jobsTotal,
		m.queueDepth,
		m.leaseExpirations,
	)

	return m
}

// Handler returns the HTTP handler serving the metrics registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest records a proxied request outcome.
func (m *Metrics) RecordRequest(service string, code int, duration time.Duration) {
	m.requestsTotal.WithLabelValues(service, strconv.Itoa(code)).Inc()
	m.requestDuration.WithLabelValues(service).Observe(duration.Seconds())
}

// RecordRouteError records a routing failure.
func (m *Metrics) RecordRouteError(kind string) {
	m.routeErrors.WithLabelValues(kind).Inc()
}

// RecordCertEvent records a certificate lifecycle event.
func (m *Metrics) RecordCertEvent(event string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.certEvents.WithLabelValues(event, result).Inc()
}

// RecordJobStatus records a job status transition.
func (m *Metrics) RecordJobStatus(queue, status string) {
	m.jobsTotal.WithLabelValues(queue, status).Inc()
}

// SetQueueDepth sets the pending gauge for a queue.
func (m *Metrics) SetQueueDepth(queue string, depth int) {
	m.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// RecordLeaseExpiration records a lease that lapsed without ack/nack.
func (m *Metrics) RecordLeaseExpiration(queue string) {
	m.leaseExpirations.WithLabelValues(queue).Inc()
}
