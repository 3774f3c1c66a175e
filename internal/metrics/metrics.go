// Package metrics defines the Prometheus collectors exported by the
// validation service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the service emits. Collectors are
// registered against the Registerer passed to New, so tests can use a
// private registry without label collisions.
type Metrics struct {
	// Validation flow.
	ValidationsTotal   *prometheus.CounterVec   // status, policy
	ValidationDuration *prometheus.HistogramVec // policy

	// Detection breakdowns.
	DetectionsByType   *prometheus.CounterVec // detection_type, severity, blocked
	RegexDetections    *prometheus.CounterVec // pattern_name, category
	SemanticDetections *prometheus.CounterVec // confidence_bucket
	PolicyEvaluations  *prometheus.CounterVec // policy_id, action

	// Cache behaviour.
	CacheOperations *prometheus.CounterVec // operation, status
	CacheHitRate    prometheus.Gauge

	// Configuration state.
	ActivePolicies prometheus.Gauge

	// Backend latencies.
	EmbeddingDuration    prometheus.Histogram
	VectorSearchDuration prometheus.Histogram

	ErrorsTotal *prometheus.CounterVec // error_type, component
}

// New creates all collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ValidationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prompt_validation_total",
				Help: "Total number of prompt validations",
			},
			[]string{"status", "policy"},
		),
		ValidationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "prompt_validation_duration_seconds",
				Help:    "Duration of prompt validation in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"policy"},
		),
		DetectionsByType: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "detections_by_type_total",
				Help: "Total detections by type",
			},
			[]string{"detection_type", "severity", "blocked"},
		),
		RegexDetections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "regex_detections_total",
				Help: "Total regex pattern detections",
			},
			[]string{"pattern_name", "category"},
		),
		SemanticDetections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "semantic_detections_total",
				Help: "Total semantic similarity detections",
			},
			[]string{"confidence_bucket"},
		),
		PolicyEvaluations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "policy_evaluations_total",
				Help: "Total policy evaluations",
			},
			[]string{"policy_id", "action"},
		),
		CacheOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_operations_total",
				Help: "Total cache operations",
			},
			[]string{"operation", "status"},
		),
		CacheHitRate: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "cache_hit_rate",
				Help: "Cache hit rate (0-1)",
			},
		),
		ActivePolicies: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "active_policies",
				Help: "Number of active policies",
			},
		),
		EmbeddingDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "embedding_generation_duration_seconds",
				Help:    "Duration of embedding generation in seconds",
				Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
		),
		VectorSearchDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "vector_search_duration_seconds",
				Help:    "Duration of vector similarity search in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5},
			},
		),
		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errors_total",
				Help: "Total number of errors",
			},
			[]string{"error_type", "component"},
		),
	}
}
