package orchestrator

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report job activity.
type Metrics struct {
	jobDuration   *prometheus.HistogramVec
	jobsFinished  *prometheus.CounterVec
	jobsSubmitted prometheus.Counter
	jobsActive    prometheus.Gauge
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// defaultMetrics returns the package-level metrics instance registered with the
// global Prometheus registry. The collectors are created only once to avoid
// duplicate registration panics when the manager is instantiated multiple
// times (e.g. in unit tests).
func defaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// The caller is responsible for supplying a fresh registry when unique metric
// names are required (for example in tests). Any registration error will panic
// which mirrors the semantics of promauto helpers and surfaces configuration
// bugs early.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	jobDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "docflow",
			Subsystem: "orchestrator",
			Name:      "job_duration_seconds",
			Help:      "Wall-clock duration of finished jobs.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"status"},
	)
	jobsFinished := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docflow",
			Subsystem: "orchestrator",
			Name:      "jobs_finished_total",
			Help:      "Total number of jobs that reached a terminal status.",
		},
		[]string{"status"},
	)
	jobsSubmitted := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "docflow",
			Subsystem: "orchestrator",
			Name:      "jobs_submitted_total",
			Help:      "Total number of jobs accepted for execution.",
		},
	)
	jobsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "docflow",
			Subsystem: "orchestrator",
			Name:      "jobs_active",
			Help:      "Number of jobs currently running.",
		},
	)

	collectors := []prometheus.Collector{jobDuration, jobsFinished, jobsSubmitted, jobsActive}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				// Reuse the existing collector when it matches the expected one.
				switch collector {
				case prometheus.Collector(jobDuration):
					jobDuration = already.ExistingCollector.(*prometheus.HistogramVec)
				case prometheus.Collector(jobsFinished):
					jobsFinished = already.ExistingCollector.(*prometheus.CounterVec)
				case prometheus.Collector(jobsSubmitted):
					jobsSubmitted = already.ExistingCollector.(prometheus.Counter)
				case prometheus.Collector(jobsActive):
					jobsActive = already.ExistingCollector.(prometheus.Gauge)
				}
				continue
			}
			panic(err)
		}
	}

	return &Metrics{
		jobDuration:   jobDuration,
		jobsFinished:  jobsFinished,
		jobsSubmitted: jobsSubmitted,
		jobsActive:    jobsActive,
	}
}

// ObserveJobFinished records a terminal status and the job's duration.
func (m *Metrics) ObserveJobFinished(status string, duration time.Duration) {
	if m == nil || m.jobsFinished == nil {
		return
	}
	m.jobsFinished.WithLabelValues(status).Inc()
	m.jobDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// IncSubmitted counts an accepted job.
func (m *Metrics) IncSubmitted() {
	if m == nil || m.jobsSubmitted == nil {
		return
	}
	m.jobsSubmitted.Inc()
}

// IncActiveJobs marks a job as running.
func (m *Metrics) IncActiveJobs() {
	if m == nil || m.jobsActive == nil {
		return
	}
	m.jobsActive.Inc()
}

// DecActiveJobs marks a job as no longer running.
func (m *Metrics) DecActiveJobs() {
	if m == nil || m.jobsActive == nil {
		return
	}
	m.jobsActive.Dec()
}
