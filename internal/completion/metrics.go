package completion

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names as constants for consistency.
const (
	MetricCompletionChecksTotal    = "completion_checks_total"
	MetricCompletionsTotal         = "completions_total"
	MetricPublishConflictsTotal    = "completion_publish_conflicts_total"
	MetricCompletionErrorsTotal    = "completion_errors_total"
	MetricStampDurationSeconds     = "completion_stamp_duration_seconds"
)

// Metrics contains Prometheus metrics for the completion orchestrator.
// All operations are thread-safe.
type Metrics struct {
	checksTotal      prometheus.Counter
	completionsTotal prometheus.Counter
	publishConflicts prometheus.Counter
	errorsTotal      *prometheus.CounterVec
	stampDuration    prometheus.Histogram
}

// NewMetrics creates and returns a new Metrics instance with all collectors
// initialized. The metrics are not registered; call Register to register them
// with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		checksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricCompletionChecksTotal,
			Help: "Total number of completion evaluations",
		}),
		completionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricCompletionsTotal,
			Help: "Total number of documents completed",
		}),
		publishConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricPublishConflictsTotal,
			Help: "Total number of completion publishes lost to a concurrent winner",
		}),
		errorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricCompletionErrorsTotal,
				Help: "Total number of completion failures by stage",
			},
			[]string{"stage"},
		),
		stampDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricStampDurationSeconds,
			Help:    "Histogram of stamping pass duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
		}),
	}
}

// Register registers all metrics with the given registry.
// Returns an error if registration fails.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.checksTotal,
		m.completionsTotal,
		m.publishConflicts,
		m.errorsTotal,
		m.stampDuration,
	}

	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
