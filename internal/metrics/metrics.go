package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all the application metrics
type Metrics struct {
	// FHIR client metrics
	FHIRRequestTotal    *prometheus.CounterVec
	FHIRRequestDuration *prometheus.HistogramVec

	// Test execution metrics
	TestTotal    *prometheus.CounterVec
	TestDuration *prometheus.HistogramVec
	RunTotal     *prometheus.CounterVec

	// Profile validation metrics
	ValidationTotal    *prometheus.CounterVec
	ValidationDuration *prometheus.HistogramVec

	// Validator service HTTP metrics
	HTTPRequestTotal    *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Report sink metrics
	StorageOperationTotal    *prometheus.CounterVec
	StorageOperationDuration *prometheus.HistogramVec
	EventPublishTotal        *prometheus.CounterVec
	EventPublishDuration     *prometheus.HistogramVec
}

// Global metrics instance with mutex for thread safety
var (
	globalMetrics *Metrics
	metricsMutex  sync.Mutex
)

const namespace = "uscore"

// NewMetrics creates a new Metrics instance with all required metrics
func NewMetrics() *Metrics {
	metricsMutex.Lock()
	defer metricsMutex.Unlock()

	// Return existing instance if already created
	if globalMetrics != nil {
		return globalMetrics
	}

	m := &Metrics{
		FHIRRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fhir_requests_total",
			Help:      "Total number of requests issued to FHIR servers under test",
		}, []string{"method", "resource", "status"}),

		FHIRRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fhir_request_duration_seconds",
			Help:      "FHIR request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "resource"}),

		TestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tests_total",
			Help:      "Total number of tests that reached a terminal state",
		}, []string{"suite", "status"}),

		TestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "test_duration_seconds",
			Help:      "Test duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"suite"}),

		RunTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Total number of suite runs",
		}, []string{"suite", "outcome"}),

		ValidationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "profile_validation_total",
			Help:      "Total number of profile validation operations",
		}, []string{"profile", "status"}),

		ValidationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "profile_validation_duration_seconds",
			Help:      "Profile validation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"profile", "status"}),

		HTTPRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of validator service HTTP requests",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Validator service HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),

		StorageOperationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operations_total",
			Help:      "Total number of report storage operations",
		}, []string{"operation", "status"}),

		StorageOperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Report storage operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "status"}),

		EventPublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_publish_total",
			Help:      "Total number of run event publish operations",
		}, []string{"event_type", "status"}),

		EventPublishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_publish_duration_seconds",
			Help:      "Run event publish duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type", "status"}),
	}

	// Register metrics with the default registry
	registerMetrics(m)

	// Store as global instance
	globalMetrics = m

	return m
}

// registerMetrics registers all metrics with the default registry
func registerMetrics(m *Metrics) {
	registerOrGet(m.FHIRRequestTotal)
	registerOrGet(m.FHIRRequestDuration)
	registerOrGet(m.TestTotal)
	registerOrGet(m.TestDuration)
	registerOrGet(m.RunTotal)
	registerOrGet(m.ValidationTotal)
	registerOrGet(m.ValidationDuration)
	registerOrGet(m.HTTPRequestTotal)
	registerOrGet(m.HTTPRequestDuration)
	registerOrGet(m.StorageOperationTotal)
	registerOrGet(m.StorageOperationDuration)
	registerOrGet(m.EventPublishTotal)
	registerOrGet(m.EventPublishDuration)
}

// registerOrGet tries to register a metric, returns the existing one if already registered
func registerOrGet(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(c); err != nil {
		// If already registered, return the existing collector
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return c
}
