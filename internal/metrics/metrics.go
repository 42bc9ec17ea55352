// Package metrics exposes caseforge's operational counters: job queue
// throughput and failure rates, reconciler sweep outcomes, case extraction
// results, and answer delivery. Metrics is a plain struct bound to an
// explicit *prometheus.Registry and threaded through constructors like
// every other dependency — no package-level singleton.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every counter/histogram/gauge caseforge records.
type Metrics struct {
	JobsProcessed *prometheus.CounterVec
	JobDuration   *prometheus.HistogramVec
	JobFailures   *prometheus.CounterVec
	JobAttempts   prometheus.Histogram

	ReconcileRuns     *prometheus.CounterVec
	ReconcileAffected *prometheus.CounterVec

	AnswersSent      prometheus.Counter
	AnswersEscalated prometheus.Counter

	CasesExtracted *prometheus.CounterVec
}

// New registers every metric against reg and returns the bound struct.
// Call once per process with a fresh *prometheus.Registry (not the global
// default one), so tests can construct independent instances freely.
func New(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		JobsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "caseforge_jobs_processed_total",
			Help: "Jobs completed by the worker pool, by type and outcome.",
		}, []string{"job_type", "outcome"}),
		JobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "caseforge_job_duration_seconds",
			Help:    "Time spent dispatching one leased job.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"job_type"}),
		JobFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "caseforge_job_failures_total",
			Help: "Job failures, by type and whether the failure was terminal.",
		}, []string{"job_type", "terminal"}),
		JobAttempts: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "caseforge_job_attempts",
			Help:    "Attempts consumed per job before completion or terminal failure.",
			Buckets: []float64{1, 2, 3, 4, 5, 8},
		}),
		ReconcileRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "caseforge_reconcile_runs_total",
			Help: "Reconciler tick executions, by task and outcome.",
		}, []string{"task", "outcome"}),
		ReconcileAffected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "caseforge_reconcile_affected_total",
			Help: "Entities touched by a reconciler task (rows expired, re-indexed, etc).",
		}, []string{"task"}),
		AnswersSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "caseforge_answers_sent_total",
			Help: "Replies sent by the Answer Engine.",
		}),
		AnswersEscalated: factory.NewCounter(prometheus.CounterOpts{
			Name: "caseforge_answers_escalated_total",
			Help: "Answer Engine responses that bypassed to an admin tag.",
		}),
		CasesExtracted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "caseforge_cases_extracted_total",
			Help: "Cases produced by the extractor, by resulting status.",
		}, []string{"status"}),
	}
}

// Handler returns the /metrics HTTP handler for reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
