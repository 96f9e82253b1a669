package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the API
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, path, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// OptimizationRuns counts optimizer runs by strategy and outcome
	OptimizationRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "route_optimizations_total", Help: "Route optimizations by strategy and outcome."},
		[]string{"strategy", "outcome"},
	)
	OptimizationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "route_optimization_duration_seconds", Help: "Route optimization latency in seconds.", Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}},
		[]string{"strategy"},
	)
	ProviderErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "routing_provider_errors_total", Help: "Failed routing provider calls."},
		[]string{"provider"},
	)
	// MatrixCacheLookups counts matrix cache hits, misses and errors
	MatrixCacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "matrix_cache_lookups_total", Help: "Distance matrix cache lookups by result."},
		[]string{"result"},
	)
	StopsReordered = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "route_stops_reordered_total", Help: "Route stops rewritten by reorders."},
	)
	// Assignments counts created assignments by kind (assign, transfer, recurring)
	Assignments = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "route_assignments_total", Help: "Route assignments created by kind."},
		[]string{"kind"},
	)
	RecurringGenerated = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "recurring_occurrences_generated_total", Help: "Recurring assignment occurrences generated."},
	)
)

// RegisterDefault registers collectors to the default registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(OptimizationRuns)
		Registry.MustRegister(OptimizationDuration)
		Registry.MustRegister(ProviderErrors)
		Registry.MustRegister(MatrixCacheLookups)
		Registry.MustRegister(StopsReordered)
		Registry.MustRegister(Assignments)
		Registry.MustRegister(RecurringGenerated)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once
