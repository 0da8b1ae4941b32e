// Package metrics exposes Prometheus metrics for the HTTP server and receipt analyses.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry with the HTTP and analysis collectors.
type Metrics struct {
	registry *prometheus.Registry

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestInFlight prometheus.Gauge

	analysesTotal   *prometheus.CounterVec
	violationsTotal *prometheus.CounterVec
	itemsExtracted  prometheus.Histogram
}

// New builds and registers every collector.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "receipt_auditor",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed.",
		},
		[]string{"method", "route", "status"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "receipt_auditor",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	requestInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "receipt_auditor",
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Number of in-flight HTTP requests.",
		},
	)
	analysesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "receipt_auditor",
			Subsystem: "analysis",
			Name:      "total",
			Help:      "Receipt analyses by input source and outcome.",
		},
		[]string{"source", "outcome"},
	)
	violationsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "receipt_auditor",
			Subsystem: "analysis",
			Name:      "violations_total",
			Help:      "Policy violations found, by rule.",
		},
		[]string{"rule"},
	)
	itemsExtracted := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "receipt_auditor",
			Subsystem: "analysis",
			Name:      "line_items",
			Help:      "Line items extracted per analyzed receipt.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21},
		},
	)

	registry.MustRegister(
		requestTotal,
		requestDuration,
		requestInFlight,
		analysesTotal,
		violationsTotal,
		itemsExtracted,
	)

	return &Metrics{
		registry:        registry,
		requestTotal:    requestTotal,
		requestDuration: requestDuration,
		requestInFlight: requestInFlight,
		analysesTotal:   analysesTotal,
		violationsTotal: violationsTotal,
		itemsExtracted:  itemsExtracted,
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, e.g. for gathering in tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Middleware records request counts and latency. Routes are labelled by the
// ServeMux pattern that matched, so path parameters don't explode cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		m.requestInFlight.Inc()
		defer m.requestInFlight.Dec()

		next.ServeHTTP(recorder, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		m.requestTotal.WithLabelValues(r.Method, route, strconv.Itoa(recorder.statusCode)).Inc()
		m.requestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// RecordAnalysis counts one analysis attempt.
func (m *Metrics) RecordAnalysis(source, outcome string) {
	if outcome == "" {
		outcome = "unknown"
	}
	m.analysesTotal.WithLabelValues(source, outcome).Inc()
}

// RecordViolation counts one violation of rule.
func (m *Metrics) RecordViolation(rule string) {
	m.violationsTotal.WithLabelValues(rule).Inc()
}

// RecordItems observes the number of line items found on a receipt.
func (m *Metrics) RecordItems(n int) {
	m.itemsExtracted.Observe(float64(n))
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
