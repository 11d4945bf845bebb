// ============================================================================
// summaryq Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: collect and expose queue, worker and push-delivery metrics
//
// Metrics (namespace "summaryq"):
//
//   1. Counters
//      - submissions_total{outcome}        accepted | rate_limited | queue_full | invalid | closed
//      - job_changes_total{kind}           queued | started | progress | retrying | completed | failed | cancelled
//      - attempts_total{type,outcome}      completed | retried | failed | cancelled
//      - events_dropped_total              drop-oldest overflows across all connections
//
//   2. Histograms
//      - attempt_duration_seconds{type}    wall time of one execution attempt
//      - job_latency_seconds{status}       created → terminal
//
//   3. Gauges (sampled on scrape)
//      - queue_depth, delayed_retries, workers_busy, event_connections
//
// Example queries:
//
//   # jobs finished per minute
//   rate(summaryq_job_changes_total{kind="completed"}[1m])
//
//   # 95th percentile end-to-end latency
//   histogram_quantile(0.95, rate(summaryq_job_latency_seconds_bucket[5m]))
//
//   # retry ratio
//   rate(summaryq_attempts_total{outcome="retried"}[5m]) / rate(summaryq_attempts_total[5m])
//
// ============================================================================

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/summaryq/pkg/types"
)

const namespace = "summaryq"

// Submission outcomes.
const (
	SubmissionAccepted    = "accepted"
	SubmissionRateLimited = "rate_limited"
	SubmissionQueueFull   = "queue_full"
	SubmissionInvalid     = "invalid"
	SubmissionClosed      = "closed"
)

// Gauges are sampled on every scrape.
type Gauges struct {
	QueueDepth       func() float64
	DelayedRetries   func() float64
	WorkersBusy      func() float64
	EventConnections func() float64
	EventsDropped    func() float64
}

// Collector holds every summaryq metric.
type Collector struct {
	submissions     *prometheus.CounterVec
	jobChanges      *prometheus.CounterVec
	attempts        *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	jobLatency      *prometheus.HistogramVec

	reg prometheus.Registerer
}

// NewCollector creates the metrics and registers them with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Job submissions by admission outcome.",
		}, []string{"outcome"}),
		jobChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_changes_total",
			Help:      "Job state changes by kind.",
		}, []string{"kind"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Finished execution attempts by job type and outcome.",
		}, []string{"type", "outcome"}),
		attemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "attempt_duration_seconds",
			Help:      "Duration of one execution attempt.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"type"}),
		jobLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_latency_seconds",
			Help:      "Time from submission to a terminal status.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"status"}),
		reg: reg,
	}

	reg.MustRegister(c.submissions, c.jobChanges, c.attempts, c.attemptDuration, c.jobLatency)
	return c
}

// RegisterGauges registers the sampled gauges. Nil functions are skipped.
func (c *Collector) RegisterGauges(g Gauges) {
	gauge := func(name, help string, fn func() float64) {
		if fn == nil {
			return
		}
		c.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, fn))
	}
	gauge("queue_depth", "Jobs waiting in the priority queue.", g.QueueDepth)
	gauge("delayed_retries", "Jobs waiting for a retry backoff to elapse.", g.DelayedRetries)
	gauge("workers_busy", "Workers currently running a job.", g.WorkersBusy)
	gauge("event_connections", "Registered event stream connections.", g.EventConnections)

	if g.EventsDropped != nil {
		c.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events overwritten in full connection buffers.",
		}, g.EventsDropped))
	}
}

// RecordSubmission counts one submission outcome.
func (c *Collector) RecordSubmission(outcome string) {
	c.submissions.WithLabelValues(outcome).Inc()
}

// RecordChange counts one job state change.
func (c *Collector) RecordChange(kind string) {
	c.jobChanges.WithLabelValues(kind).Inc()
}

// RecordFinished observes the end-to-end latency of a job that reached a
// terminal status.
func (c *Collector) RecordFinished(status types.JobStatus, latency time.Duration) {
	c.jobLatency.WithLabelValues(string(status)).Observe(latency.Seconds())
}

// ObserveAttempt implements worker.Observer.
func (c *Collector) ObserveAttempt(jobType types.JobType, outcome string, d time.Duration) {
	c.attempts.WithLabelValues(string(jobType), outcome).Inc()
	c.attemptDuration.WithLabelValues(string(jobType)).Observe(d.Seconds())
}

// Handler serves the metrics gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
