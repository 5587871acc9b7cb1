// Package metrics defines the Prometheus collectors exported by the worker and
// the scheduler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "faultmaven_jobs"

// Metrics groups the collectors shared by runtime components.
type Metrics struct {
	// Processed counts finished attempts.
	// Labels:
	//   - status: "succeeded", "retrying", "failed" or "deferred"
	//   - task: task name
	Processed *prometheus.CounterVec

	// Duration tracks handler execution time in seconds, per task.
	Duration *prometheus.HistogramVec

	// QueueLatency is the time between enqueue and the first claim, per task.
	QueueLatency *prometheus.HistogramVec

	// QueueDepth is refreshed by the maintenance loop.
	// Labels:
	//   - queue: "high", "default", "low", "delayed", "processing", "dead_letter"
	QueueDepth *prometheus.GaugeVec

	// Recycles counts slot generations replaced, by reason ("cap", "hard_timeout").
	Recycles *prometheus.CounterVec

	// Reclaimed counts invocations returned to the queue after their visibility
	// deadline passed.
	Reclaimed prometheus.Counter

	// ScheduleFires counts invocations enqueued by the scheduler, per entry.
	ScheduleFires *prometheus.CounterVec

	// Exhausted counts invocations that failed terminally, per task.
	Exhausted *prometheus.CounterVec
}

// New registers the collectors on reg. A nil reg uses a private registry so
// tests and tools can build components without touching the default one.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		Processed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processed_total",
			Help:      "The total number of finished attempts",
		}, []string{"status", "task"}),
		Duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Duration of handler execution",
			Buckets:   []float64{.05, .1, .5, 1, 5, 15, 60, 300, 900, 3600},
		}, []string{"task"}),
		QueueLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "queue_latency_seconds",
			Help:      "Time spent in queue before the first claim",
			Buckets:   prometheus.DefBuckets,
		}, []string{"task"}),
		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Number of invocations in each queue",
		}, []string{"queue"}),
		Recycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slot_recycles_total",
			Help:      "Worker slots replaced by a new generation",
		}, []string{"reason"}),
		Reclaimed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reclaimed_total",
			Help:      "Invocations reclaimed after their visibility timeout",
		}),
		ScheduleFires: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedule_fires_total",
			Help:      "Invocations enqueued by the scheduler",
		}, []string{"entry"}),
		Exhausted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exhausted_total",
			Help:      "Invocations that failed terminally",
		}, []string{"task"}),
	}
}

// ObserveDepths copies a depth snapshot into the QueueDepth gauge.
func (m *Metrics) ObserveDepths(depths map[string]int64) {
	for queue, depth := range depths {
		m.QueueDepth.WithLabelValues(queue).Set(float64(depth))
	}
}
