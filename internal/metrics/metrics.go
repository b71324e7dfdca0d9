// Package metrics records run metrics with Prometheus.
//
// A [Collector] owns its own registry, so several collectors can coexist in
// tests. The CLI is a short-lived process, so metrics are not scraped; they
// are written in text exposition format to a file picked up by the node
// exporter's textfile collector (see [Collector.WriteTextfile]).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"pipewright/internal/agent"
)

// Namespace prefixes every metric name.
const Namespace = "pipewright"

// Collector holds the run metrics.
type Collector struct {
	registry *prometheus.Registry

	runsTotal        *prometheus.CounterVec
	runDuration      *prometheus.HistogramVec
	stepsTotal       *prometheus.CounterVec
	stepDuration     *prometheus.HistogramVec
	invocationsTotal *prometheus.CounterVec
	retriesTotal     *prometheus.CounterVec
	transitionsTotal *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector creates a Collector with a fresh registry.
func NewCollector(logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		registry: prometheus.NewRegistry(),
		logger:   logger.With(zap.String("component", "metrics")),
	}

	c.runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "runs_total",
			Help:      "Total number of runs by workflow and outcome",
		},
		[]string{"workflow", "outcome"},
	)
	c.runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "run_duration_seconds",
			Help:      "Run duration in seconds",
			Buckets:   []float64{1, 10, 60, 300, 900, 1800, 3600},
		},
		[]string{"workflow"},
	)
	c.stepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "step_results_total",
			Help:      "Total number of step results by step and status",
		},
		[]string{"workflow", "step", "status"},
	)
	c.stepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "step_duration_seconds",
			Help:      "Step duration in seconds, fan-out branches included",
			Buckets:   []float64{0.1, 1, 10, 60, 300, 900, 1800},
		},
		[]string{"workflow", "step"},
	)
	c.invocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "invocations_total",
			Help:      "Total number of executor invocations by role and outcome",
		},
		[]string{"role", "outcome"},
	)
	c.retriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "invocation_retries_total",
			Help:      "Total number of executor retries after transport errors",
		},
		[]string{"role"},
	)
	c.transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "state_transitions_total",
			Help:      "Total number of lifecycle transitions by target state and kind",
		},
		[]string{"to", "kind"},
	)

	c.registry.MustRegister(
		c.runsTotal, c.runDuration,
		c.stepsTotal, c.stepDuration,
		c.invocationsTotal, c.retriesTotal,
		c.transitionsTotal,
	)
	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// ObserveInvocation records one executor invocation.
func (c *Collector) ObserveInvocation(role string, outcome agent.Outcome, attempts int, _ time.Duration) {
	c.invocationsTotal.WithLabelValues(role, string(outcome)).Inc()
	if attempts > 1 {
		c.retriesTotal.WithLabelValues(role).Add(float64(attempts - 1))
	}
}

// ObserveStep records one step result.
func (c *Collector) ObserveStep(workflow, step, status string, d time.Duration) {
	c.stepsTotal.WithLabelValues(workflow, step, status).Inc()
	c.stepDuration.WithLabelValues(workflow, step).Observe(d.Seconds())
}

// ObserveTransition records a lifecycle transition. kind is "applied",
// "fallback" or "blocked".
func (c *Collector) ObserveTransition(to, kind string) {
	c.transitionsTotal.WithLabelValues(to, kind).Inc()
}

// ObserveRun records a finished run.
func (c *Collector) ObserveRun(workflow, outcome string, d time.Duration) {
	c.runsTotal.WithLabelValues(workflow, outcome).Inc()
	c.runDuration.WithLabelValues(workflow).Observe(d.Seconds())
}

// WriteTextfile writes the registry to path in text exposition format.
func (c *Collector) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, c.registry); err != nil {
		c.logger.Warn("failed to write metrics textfile", zap.String("path", path), zap.Error(err))
		return err
	}
	c.logger.Debug("wrote metrics textfile", zap.String("path", path))
	return nil
}
