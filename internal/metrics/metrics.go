// Package metrics implements the metrics surface: Prometheus
// counters, histograms, and gauges for every sync-pool operation, in the
// same promauto/MustRegister style the rest of the pack uses for its own
// metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	lastSyncTimestamp *prometheus.GaugeVec
	taskCount         *prometheus.CounterVec
	taskLatency       *prometheus.HistogramVec
	projectCount      *prometheus.GaugeVec
	gcCount           *prometheus.CounterVec
)

// Enable registers every sync metric under namespace against registerer.
// Available metrics are...
//   - reposync_last_sync_timestamp - (tags: project)
//     Timestamp of the last successful checkout for project.
//   - reposync_task_count - (tags: project, task, success)
//     Count of fetch/checkout task attempts, tagged with outcome.
//   - reposync_task_latency_seconds - (tags: project, task)
//     Latency of a fetch or checkout task.
//   - reposync_projects - (tags: state)
//     Current count of projects in a given state (ok, failed).
//   - reposync_gc_count - (tags: success)
//     Count of GC pass attempts.
func Enable(namespace string, registerer prometheus.Registerer) {
	lastSyncTimestamp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_sync_timestamp",
		Help:      "Timestamp of the last successful checkout",
	}, []string{"project"})

	taskCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "task_count",
		Help:      "Count of fetch/checkout task attempts",
	}, []string{"project", "task", "success"})

	taskLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "task_latency_seconds",
		Help:      "Latency of a fetch or checkout task",
		Buckets:   []float64{0.1, 0.5, 1, 5, 10, 20, 30, 60, 120, 300},
	}, []string{"project", "task"})

	projectCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "projects",
		Help:      "Current count of projects by sync state",
	}, []string{"state"})

	gcCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "gc_count",
		Help:      "Count of gc pass attempts",
	}, []string{"success"})

	registerer.MustRegister(lastSyncTimestamp, taskCount, taskLatency, projectCount, gcCount)
}

// RecordTask records one fetch or checkout task outcome for project.
func RecordTask(project, task string, success bool, start time.Time) {
	if taskCount == nil {
		return
	}
	taskCount.WithLabelValues(project, task, boolLabel(success)).Inc()
	taskLatency.WithLabelValues(project, task).Observe(time.Since(start).Seconds())
	if success && task == "checkout" {
		lastSyncTimestamp.WithLabelValues(project).Set(float64(time.Now().Unix()))
	}
}

// SetProjectCounts sets the current ok/failed project gauges for one sync
// pass, replacing whatever the previous pass recorded.
func SetProjectCounts(ok, failed int) {
	if projectCount == nil {
		return
	}
	projectCount.WithLabelValues("ok").Set(float64(ok))
	projectCount.WithLabelValues("failed").Set(float64(failed))
}

// RecordGC records one gc pass attempt.
func RecordGC(success bool) {
	if gcCount == nil {
		return
	}
	gcCount.WithLabelValues(boolLabel(success)).Inc()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
