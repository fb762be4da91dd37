package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the daemon.
type Metrics struct {
	RunningTasks prometheus.Gauge
	QueuedTasks  prometheus.Gauge
	TaskEvents   *prometheus.CounterVec
	Artifacts    *prometheus.CounterVec
	WaitLatency  prometheus.Histogram

	stages *taskStageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		RunningTasks: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running_agent_tasks",
			Help:      "Number of agent tasks currently running.",
		}),
		QueuedTasks: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queued_agent_tasks",
			Help:      "Number of agent tasks waiting for a concurrency slot.",
		}),
		TaskEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_events_total",
			Help:      "Task lifecycle events by type.",
		}, []string{"event"}),
		Artifacts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "report_artifacts_total",
			Help:      "Report artifact outcomes by status.",
		}, []string{"status"}),
		WaitLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "report_wait_seconds",
			Help:      "Time a foreground wait spent blocked until its report arrived.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		stages: newTaskStageWindow(256),
	}
}

func (m *Metrics) ObserveTaskEvent(event string) {
	m.TaskEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveArtifact(status string) {
	m.Artifacts.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveWaitLatency(seconds float64) {
	m.WaitLatency.Observe(seconds)
}

// ObserveStage records a lifecycle stage duration into the rolling window
// behind the debug snapshot endpoint.
func (m *Metrics) ObserveStage(stage string, ms float64) {
	m.stages.Observe(stage, ms)
}

func (m *Metrics) ObserveIndicator(name string) {
	m.stages.ObserveIndicator(name)
}

// StageSnapshot summarizes the rolling stage window for the debug endpoint.
func (m *Metrics) StageSnapshot() TaskStageSnapshot {
	return m.stages.Snapshot()
}

func (m *Metrics) ResetStages() {
	m.stages.Reset()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
