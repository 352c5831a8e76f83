package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	tasksSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "crucible_tasks_submitted_total",
		Help: "Tasks accepted for execution.",
	})

	tasksTerminal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crucible_tasks_terminal_total",
		Help: "Tasks that reached a terminal status.",
	}, []string{"status"})

	syncWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crucible_sync_writes_total",
		Help: "Write requests accepted onto the sync writer queue.",
	}, []string{"kind"})

	syncDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crucible_sync_dropped_writes_total",
		Help: "Write requests dropped because the sync writer queue was full.",
	}, []string{"kind"})

	syncFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "crucible_sync_persist_failures_total",
		Help: "Store writes that failed inside the sync writer.",
	})

	logFlushes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crucible_log_flushes_total",
		Help: "Task log buffer flushes by trigger.",
	}, []string{"trigger"})
)

func init() {
	prometheus.MustRegister(
		tasksSubmitted,
		tasksTerminal,
		syncWrites,
		syncDropped,
		syncFailures,
		logFlushes,
	)
}
