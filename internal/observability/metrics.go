// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Job metrics
	JobRunsTotal *prometheus.CounterVec
	JobDuration  *prometheus.HistogramVec

	// Lifecycle metrics
	TipsEvaluated       prometheus.Counter
	TipTransitions      *prometheus.CounterVec
	TipsFlagged         prometheus.Counter
	VersionConflicts    prometheus.Counter
	PriceLookupFailures *prometheus.CounterVec
	PriceLookupLatency  *prometheus.HistogramVec

	// Scoring metrics
	ScoreRecalculations *prometheus.CounterVec
	SnapshotsRecorded   prometheus.Counter

	// Queue metrics
	QueueRetries      *prometheus.CounterVec
	QueueDeadLettered *prometheus.CounterVec

	// Price ingestion metrics
	PriceTicksIngested *prometheus.CounterVec

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
	DBQueryErrors   *prometheus.CounterVec

	// Health metrics
	LastSuccessfulRun *prometheus.GaugeVec
}

// NewMetrics creates a new Metrics instance registered on reg.
// A nil reg uses the default registerer.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "ratemytip"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		JobRunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "runs_total",
			Help:      "Total number of job runs by job and status",
		}, []string{"job", "status"}),
		JobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Job run duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}, []string{"job"}),

		TipsEvaluated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "tips_evaluated_total",
			Help:      "Total number of open tips evaluated against a price",
		}),
		TipTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "transitions_total",
			Help:      "Total number of applied tip transitions by target status",
		}, []string{"status"}),
		TipsFlagged: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "tips_flagged_total",
			Help:      "Total number of tips flagged for manual resolution",
		}),
		VersionConflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "version_conflicts_total",
			Help:      "Total number of tip writes lost to a concurrent update",
		}),
		PriceLookupFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pricefeed",
			Name:      "lookup_failures_total",
			Help:      "Total number of failed price lookups by reason",
		}, []string{"reason"}),
		PriceLookupLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pricefeed",
			Name:      "lookup_latency_seconds",
			Help:      "Price lookup latency in seconds by source",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source"}),

		ScoreRecalculations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scoring",
			Name:      "recalculations_total",
			Help:      "Total number of creator score recalculations by outcome",
		}, []string{"outcome"}),
		SnapshotsRecorded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scoring",
			Name:      "snapshots_recorded_total",
			Help:      "Total number of score snapshots written",
		}),

		QueueRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "retries_total",
			Help:      "Total number of job messages scheduled for retry",
		}, []string{"type"}),
		QueueDeadLettered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "dead_lettered_total",
			Help:      "Total number of job messages moved to the dead-letter list",
		}, []string{"type"}),

		PriceTicksIngested: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pricefeed",
			Name:      "ticks_ingested_total",
			Help:      "Total number of price ticks ingested by source",
		}, []string{"source"}),

		DBQueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"database", "operation"}),
		DBQueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_errors_total",
			Help:      "Total number of database query errors",
		}, []string{"database", "operation"}),

		LastSuccessfulRun: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_run_timestamp",
			Help:      "Unix timestamp of the last successful run by job",
		}, []string{"job"}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("", nil)

// RecordJobRun records a finished job run.
func RecordJobRun(job string, err error, elapsed time.Duration) {
	status := "success"
	if err != nil {
		status = "error"
	} else {
		DefaultMetrics.LastSuccessfulRun.WithLabelValues(job).SetToCurrentTime()
	}
	DefaultMetrics.JobRunsTotal.WithLabelValues(job, status).Inc()
	DefaultMetrics.JobDuration.WithLabelValues(job).Observe(elapsed.Seconds())
}

// RecordTipEvaluated increments the evaluated tips counter.
func RecordTipEvaluated() {
	DefaultMetrics.TipsEvaluated.Inc()
}

// RecordTransition records an applied transition to status.
func RecordTransition(status string) {
	DefaultMetrics.TipTransitions.WithLabelValues(status).Inc()
}

// RecordTipFlagged increments the flagged tips counter.
func RecordTipFlagged() {
	DefaultMetrics.TipsFlagged.Inc()
}

// RecordVersionConflict increments the version conflict counter.
func RecordVersionConflict() {
	DefaultMetrics.VersionConflicts.Inc()
}

// RecordPriceLookup records a price lookup and its failure reason, if any.
func RecordPriceLookup(source string, elapsed time.Duration, failure string) {
	DefaultMetrics.PriceLookupLatency.WithLabelValues(source).Observe(elapsed.Seconds())
	if failure != "" {
		DefaultMetrics.PriceLookupFailures.WithLabelValues(failure).Inc()
	}
}

// RecordScoreRecalculation records a recalculation outcome: scored, cleared or error.
func RecordScoreRecalculation(outcome string) {
	DefaultMetrics.ScoreRecalculations.WithLabelValues(outcome).Inc()
}

// RecordSnapshot increments the snapshots counter.
func RecordSnapshot() {
	DefaultMetrics.SnapshotsRecorded.Inc()
}

// RecordQueueRetry increments the queue retry counter.
func RecordQueueRetry(msgType string) {
	DefaultMetrics.QueueRetries.WithLabelValues(msgType).Inc()
}

// RecordQueueDeadLetter increments the dead-letter counter.
func RecordQueueDeadLetter(msgType string) {
	DefaultMetrics.QueueDeadLettered.WithLabelValues(msgType).Inc()
}

// RecordTicksIngested adds n ingested ticks for source.
func RecordTicksIngested(source string, n int) {
	DefaultMetrics.PriceTicksIngested.WithLabelValues(source).Add(float64(n))
}

// RecordDBQuery records database query metrics.
func RecordDBQuery(database, operation string, seconds float64, err error) {
	DefaultMetrics.DBQueryDuration.WithLabelValues(database, operation).Observe(seconds)
	if err != nil {
		DefaultMetrics.DBQueryErrors.WithLabelValues(database, operation).Inc()
	}
}
