package hive

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics collects engine execution metrics for production
// monitoring. All metrics are namespaced "swarm".
//
// Metrics:
//   - inflight_tasks (gauge): node executions currently running.
//   - frontier_depth (gauge): nodes eligible for the next superstep.
//   - step_latency_ms (histogram): superstep duration, labeled by status.
//   - task_retries_total (counter): node retry attempts, labeled by node.
//   - checkpoints_total (counter): checkpoints saved.
//   - checkpoint_bytes_total (counter): serialized checkpoint bytes.
//
// Create with NewPrometheusMetrics and pass to the engine via WithMetrics.
// Expose via promhttp against the same registry. Nil metrics disable
// collection.
type PrometheusMetrics struct {
	inflightTasks   prometheus.Gauge
	frontierDepth   prometheus.Gauge
	stepLatency     *prometheus.HistogramVec
	taskRetries     *prometheus.CounterVec
	checkpoints     prometheus.Counter
	checkpointBytes prometheus.Counter
}

// NewPrometheusMetrics registers the engine metrics with the registry
// (use prometheus.DefaultRegisterer for the global one).
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	factory := promauto.With(registry)
	return &PrometheusMetrics{
		inflightTasks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "swarm",
			Name:      "inflight_tasks",
			Help:      "Number of node executions currently running.",
		}),
		frontierDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "swarm",
			Name:      "frontier_depth",
			Help:      "Number of nodes eligible for the next superstep.",
		}),
		stepLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "swarm",
			Name:      "step_latency_ms",
			Help:      "Superstep duration in milliseconds.",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
		}, []string{"status"}),
		taskRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swarm",
			Name:      "task_retries_total",
			Help:      "Node retry attempts.",
		}, []string{"node"}),
		checkpoints: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "swarm",
			Name:      "checkpoints_total",
			Help:      "Checkpoints saved.",
		}),
		checkpointBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "swarm",
			Name:      "checkpoint_bytes_total",
			Help:      "Serialized checkpoint bytes written.",
		}),
	}
}

func (m *PrometheusMetrics) taskStarted() {
	if m != nil {
		m.inflightTasks.Inc()
	}
}

func (m *PrometheusMetrics) taskFinished() {
	if m != nil {
		m.inflightTasks.Dec()
	}
}

func (m *PrometheusMetrics) setFrontierDepth(depth int) {
	if m != nil {
		m.frontierDepth.Set(float64(depth))
	}
}

func (m *PrometheusMetrics) observeStep(d time.Duration, status string) {
	if m != nil {
		m.stepLatency.WithLabelValues(status).Observe(float64(d.Milliseconds()))
	}
}

func (m *PrometheusMetrics) incRetry(node string) {
	if m != nil {
		m.taskRetries.WithLabelValues(node).Inc()
	}
}

func (m *PrometheusMetrics) recordCheckpoint(sizeBytes int) {
	if m != nil {
		m.checkpoints.Inc()
		m.checkpointBytes.Add(float64(sizeBytes))
	}
}
