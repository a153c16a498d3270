// Package metrics records orchestrator metrics with Prometheus and queries
// them back for the stats command.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"issueagent/pkg/recovery"
)

const namespace = "issueagent"

// Recorder implements jobs.Metrics and router.Metrics on Prometheus collectors.
type Recorder struct {
	jobsSubmitted  *prometheus.CounterVec
	transitions    *prometheus.CounterVec
	stageDuration  *prometheus.HistogramVec
	jobsFinished   *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	activeJobs     prometheus.Gauge
	eventsRouted   *prometheus.CounterVec
	sandboxesInUse prometheus.Gauge
	recoveries     *prometheus.CounterVec
	syncDelivered  prometheus.Gauge
	syncDropped    prometheus.Gauge
	syncFailures   prometheus.Gauge
	requests       *prometheus.CounterVec
	tokens         *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
}

// NewRecorder registers the collectors with reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		jobsSubmitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Job submissions by outcome (accepted, backlogged, conflict).",
		}, []string{"outcome"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Job state transitions.",
		}, []string{"from", "to"}),
		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 4, 9),
		}, []string{"stage", "status"}),
		jobsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Jobs that reached a terminal state, by state and error category.",
		}, []string{"state", "category"}),
		jobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time from submission to terminal state.",
			Buckets:   prometheus.ExponentialBuckets(1, 3, 9),
		}, []string{"state"}),
		activeJobs: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_jobs",
			Help:      "Jobs currently holding a concurrency slot.",
		}),
		eventsRouted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_routed_total",
			Help:      "Inbound events by kind and routing result.",
		}, []string{"kind", "result"}),
		sandboxesInUse: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sandboxes_in_use",
			Help:      "Live sandboxes.",
		}),
		recoveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_decisions_total",
			Help:      "Recovery decisions by action and error category.",
		}, []string{"action", "category"}),
		syncDelivered: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "notifier_delivered",
			Help:      "Issue updates delivered since start.",
		}),
		syncDropped: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "notifier_dropped",
			Help:      "Issue updates dropped after exhausting retries since start.",
		}),
		syncFailures: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "notifier_failures",
			Help:      "Failed issue update attempts since start.",
		}),
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workunit_requests_total",
			Help:      "Work unit executions by provider and status.",
		}, []string{"provider", "status", "error_type"}),
		tokens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workunit_tokens_total",
			Help:      "Tokens used by work units.",
		}, []string{"provider", "type"}),
		requestLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workunit_duration_seconds",
			Help:      "Duration of work unit executions.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"provider"}),
	}
}

func (r *Recorder) JobSubmitted(outcome string) {
	r.jobsSubmitted.WithLabelValues(outcome).Inc()
}

func (r *Recorder) Transition(from, to string) {
	r.transitions.WithLabelValues(from, to).Inc()
}

func (r *Recorder) StageFinished(stage string, d time.Duration, ok bool) {
	r.stageDuration.WithLabelValues(stage, status(ok)).Observe(d.Seconds())
}

func (r *Recorder) JobFinished(state, category string, d time.Duration) {
	r.jobsFinished.WithLabelValues(state, category).Inc()
	r.jobDuration.WithLabelValues(state).Observe(d.Seconds())
}

func (r *Recorder) ActiveJobs(n int) {
	r.activeJobs.Set(float64(n))
}

func (r *Recorder) EventRouted(kind, result string) {
	r.eventsRouted.WithLabelValues(kind, result).Inc()
}

// SandboxesInUse matches worktree.Manager.OnChange.
func (r *Recorder) SandboxesInUse(n int) {
	r.sandboxesInUse.Set(float64(n))
}

// RecoveryDecision matches recovery.Manager.OnDecision.
func (r *Recorder) RecoveryDecision(d recovery.Decision) {
	r.recoveries.WithLabelValues(string(d.Action), string(d.Classification.Category)).Inc()
}

// NotifierStats publishes the sync queue counters.
func (r *Recorder) NotifierStats(delivered, dropped, failures int64) {
	r.syncDelivered.Set(float64(delivered))
	r.syncDropped.Set(float64(dropped))
	r.syncFailures.Set(float64(failures))
}

// ObserveWorkUnit records one work unit execution.
func (r *Recorder) ObserveWorkUnit(provider string, promptTokens, completionTokens int64, success bool, errorType string, d time.Duration) {
	r.requests.WithLabelValues(provider, status(success), errorType).Inc()
	if success {
		r.tokens.WithLabelValues(provider, "prompt").Add(float64(promptTokens))
		r.tokens.WithLabelValues(provider, "completion").Add(float64(completionTokens))
	}
	r.requestLatency.WithLabelValues(provider).Observe(d.Seconds())
}

func status(ok bool) string {
	if ok {
		return statusSuccess
	}
	return statusError
}
