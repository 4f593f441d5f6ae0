package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus counters/histograms for the pipeline, task
// queue, and decision cache. It is separate from the orchestrator's own
// Metrics snapshot, which neither reads from it nor records into it.
type Metrics struct {
	registry *prometheus.Registry

	pipelineRuns      *prometheus.CounterVec
	pipelineDuration  *prometheus.HistogramVec
	pipelineIteration *prometheus.HistogramVec

	taskExecutions *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec

	queueDepth      prometheus.Gauge
	queueDispatched *prometheus.CounterVec

	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter

	checkpointsWritten prometheus.Counter
	checkpointsDropped prometheus.Counter
}

// NewMetrics creates a Metrics registered under cfg.Namespace. cfg must
// already have SetDefaults applied.
func NewMetrics(cfg *MetricsConfig) (*Metrics, error) {
	reg := prometheus.NewRegistry()
	ns := cfg.Namespace

	m := &Metrics{
		registry: reg,
		pipelineRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "pipeline", Name: "runs_total",
			Help: "Pipeline runs by terminal status.",
		}, []string{"status"}),
		pipelineDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: "pipeline", Name: "duration_seconds",
			Help: "Wall-clock duration of a pipeline run from Planning to a terminal state.",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),
		pipelineIteration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: "pipeline", Name: "iterations",
			Help:    "Number of Generate/Execute/Validate iterations a run took.",
			Buckets: []float64{1, 2, 3, 4, 5, 6, 8, 10},
		}, []string{"status"}),
		taskExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "task", Name: "executions_total",
			Help: "Task executions by operation kind and outcome.",
		}, []string{"operation", "outcome"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: "task", Name: "duration_seconds",
			Help:    "Duration of a single task's script execution.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "queue", Name: "depth",
			Help: "Number of commands currently queued or in flight.",
		}),
		queueDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "queue", Name: "dispatched_total",
			Help: "Commands dispatched by the worker pool by outcome.",
		}, []string{"outcome"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "decision_cache", Name: "hits_total",
			Help: "Decision cache lookups that found a cached agent output.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "decision_cache", Name: "misses_total",
			Help: "Decision cache lookups that required a fresh agent call.",
		}),
		checkpointsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "checkpoint", Name: "writes_total",
			Help: "State checkpoints persisted.",
		}),
		checkpointsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "checkpoint", Name: "drops_total",
			Help: "State checkpoints dropped under backpressure.",
		}),
	}

	collectors := []prometheus.Collector{
		m.pipelineRuns, m.pipelineDuration, m.pipelineIteration,
		m.taskExecutions, m.taskDuration,
		m.queueDepth, m.queueDispatched,
		m.cacheHits, m.cacheMisses,
		m.checkpointsWritten, m.checkpointsDropped,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// RecordPipelineRun records a completed pipeline run's terminal status,
// duration, and iteration count.
func (m *Metrics) RecordPipelineRun(status string, duration time.Duration, iterations int) {
	m.pipelineRuns.WithLabelValues(status).Inc()
	m.pipelineDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.pipelineIteration.WithLabelValues(status).Observe(float64(iterations))
}

// RecordTaskExecution records one task's execution outcome and duration.
func (m *Metrics) RecordTaskExecution(operation, outcome string, duration time.Duration) {
	m.taskExecutions.WithLabelValues(operation, outcome).Inc()
	m.taskDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetQueueDepth sets the current queue depth gauge.
func (m *Metrics) SetQueueDepth(depth int) {
	m.queueDepth.Set(float64(depth))
}

// RecordQueueDispatch records one worker-pool dispatch outcome.
func (m *Metrics) RecordQueueDispatch(outcome string) {
	m.queueDispatched.WithLabelValues(outcome).Inc()
}

// RecordCacheHit increments the decision cache hit counter.
func (m *Metrics) RecordCacheHit() { m.cacheHits.Inc() }

// RecordCacheMiss increments the decision cache miss counter.
func (m *Metrics) RecordCacheMiss() { m.cacheMisses.Inc() }

// RecordCheckpointWritten increments the checkpoint write counter.
func (m *Metrics) RecordCheckpointWritten() { m.checkpointsWritten.Inc() }

// RecordCheckpointDropped increments the checkpoint drop counter.
func (m *Metrics) RecordCheckpointDropped() { m.checkpointsDropped.Inc() }

// Handler returns an HTTP handler serving this Metrics' registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
