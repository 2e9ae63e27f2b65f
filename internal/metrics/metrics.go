package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksSubmitted counts accepted task submissions by task type.
	TasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ac_tasks_submitted_total",
		Help: "Tasks accepted into the queue",
	}, []string{"type"})

	// TasksCompleted counts tasks that reached completed.
	TasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ac_tasks_completed_total",
		Help: "Tasks finished successfully",
	}, []string{"type"})

	// TasksFailed counts tasks that reached failed, by taxonomy code.
	TasksFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ac_tasks_failed_total",
		Help: "Tasks finished with an error",
	}, []string{"type", "code"})

	// TasksInFlight tracks tasks currently held by a worker.
	TasksInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ac_tasks_in_flight",
		Help: "Tasks currently processing",
	})

	// TaskDuration observes wall time from claim to terminal state.
	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ac_task_duration_seconds",
		Help:    "Task processing duration",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s .. ~2h
	}, []string{"type"})

	// StaleTasksRecovered counts tasks failed by the worker-disappeared pass.
	StaleTasksRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ac_stale_tasks_recovered_total",
		Help: "Processing tasks recovered after their worker disappeared",
	})

	// PlaybookRuns counts transport invocations by mode.
	PlaybookRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ac_playbook_runs_total",
		Help: "Playbook transport invocations",
	}, []string{"mode"})
)
