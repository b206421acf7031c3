// Package metrics holds the Prometheus collectors shared by the server and worker.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "proctor"

var (
	// PresenceTransitions counts durable student status changes by target status and cause.
	PresenceTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "presence_transitions_total",
		Help:      "Durable student status transitions",
	}, []string{"to", "reason"})

	// CacheFallbacks counts realtime status reads answered from the durable store.
	CacheFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "presence_cache_fallbacks_total",
		Help:      "Realtime status reads served by the durable store",
	}, []string{"cause"})

	// LoginRejections counts logins refused because the student is online elsewhere.
	LoginRejections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "login_rejections_total",
		Help:      "Logins refused because the session is live from another address",
	})

	// ReconcileRuns counts reconciliation cycles by result (ok, partial, skipped, error).
	ReconcileRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconcile_runs_total",
		Help:      "Reconciliation cycles",
	}, []string{"result"})

	// ReconcileDuration measures one reconciliation cycle.
	ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "reconcile_duration_seconds",
		Help:      "Duration of one reconciliation cycle",
		Buckets:   prometheus.DefBuckets,
	})

	// ExamTransitions counts exam lifecycle changes by target status.
	ExamTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "exam_transitions_total",
		Help:      "Exam lifecycle transitions",
	}, []string{"to"})

	// MergeJobs counts merge job outcomes (scheduled, ok, noop, retry, dead).
	MergeJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "merge_jobs_total",
		Help:      "Video merge job outcomes",
	}, []string{"result"})

	// MergeDuration measures the concatenation step.
	MergeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "merge_duration_seconds",
		Help:      "Duration of segment concatenation",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	})

	// QueueDepth reports merge queue depth by list (pending, delayed, dead).
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "merge_queue_depth",
		Help:      "Merge jobs waiting per queue",
	}, []string{"queue"})

	// HTTPRequests counts API requests by route and status code.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by route and status",
	}, []string{"route", "code"})
)
