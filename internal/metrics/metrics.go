// Package metrics provides the Prometheus collectors for Kestrel.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "kestrel"

// Decision metrics
var (
	// AnalysesTotal counts completed analyses by action and AI participation.
	AnalysesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analyses_total",
			Help:      "Completed transaction analyses",
		},
		[]string{"action", "ai_enhanced"},
	)

	// ScoringDuration is the wall time of traditional risk scoring.
	ScoringDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scoring_duration_seconds",
			Help:      "Traditional risk scoring duration in seconds",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
	)

	// AnomalyChecksTotal counts detector outcomes.
	AnomalyChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomaly_checks_total",
			Help:      "Anomaly detector outcomes",
		},
		[]string{"detector", "verdict"}, // verdict: clear/triggered/unavailable
	)

	// OracleFailuresTotal counts AI oracle calls that produced no opinion.
	OracleFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oracle_failures_total",
			Help:      "AI oracle calls that fell back to traditional scoring",
		},
		[]string{"reason"}, // reason: disabled/no_credential/timeout/transport/malformed
	)
)

// Rule engine metrics
var (
	// RuleErrorsTotal counts rule predicates that errored or panicked.
	RuleErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_errors_total",
			Help:      "Rule predicates that failed during evaluation",
		},
		[]string{"rule"},
	)

	// ActiveRules is the number of enabled rules in the registry.
	ActiveRules = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_rules",
			Help:      "Enabled fraud rules",
		},
	)
)

// Transport metrics
var (
	// HTTPRequestsTotal counts API requests by route pattern and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP API requests",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPRequestDuration is API request latency by route pattern.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP API request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// WorkerJobsTotal counts asynchronously analyzed transactions.
	WorkerJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_jobs_total",
			Help:      "Transactions processed by the ingestion worker",
		},
		[]string{"result"}, // result: ok/failed
	)
)

// RecordAnalysis records one finished analysis.
func RecordAnalysis(action string, aiEnhanced bool) {
	AnalysesTotal.WithLabelValues(action, strconv.FormatBool(aiEnhanced)).Inc()
}

// RecordScoring records traditional scoring latency.
func RecordScoring(d time.Duration) {
	ScoringDuration.Observe(d.Seconds())
}

// RecordAnomalyCheck records a detector verdict.
func RecordAnomalyCheck(detector, verdict string) {
	AnomalyChecksTotal.WithLabelValues(detector, verdict).Inc()
}

// RecordOracleFailure records an AI fallback.
func RecordOracleFailure(reason string) {
	OracleFailuresTotal.WithLabelValues(reason).Inc()
}

// RecordRuleError records a failed rule predicate.
func RecordRuleError(ruleID string) {
	RuleErrorsTotal.WithLabelValues(ruleID).Inc()
}

// SetActiveRules sets the enabled rule gauge.
func SetActiveRules(n int) {
	ActiveRules.Set(float64(n))
}

// RecordHTTPRequest records one served API request.
func RecordHTTPRequest(method, route string, status int, d time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// RecordWorkerJob records a worker outcome.
func RecordWorkerJob(ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	WorkerJobsTotal.WithLabelValues(result).Inc()
}
