package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	PlansCompiled   = prometheus.NewCounter(prometheus.CounterOpts{Name: "compute_plans_compiled_total", Help: "Plans compiled from seed changes"})
	PlansEmpty      = prometheus.NewCounter(prometheus.CounterOpts{Name: "compute_plans_empty_total", Help: "Seed changes with no computed dependents"})
	TasksEnqueued   = prometheus.NewCounter(prometheus.CounterOpts{Name: "compute_tasks_enqueued_total", Help: "Tasks inserted into the outbox"})
	TasksCoalesced  = prometheus.NewCounter(prometheus.CounterOpts{Name: "compute_tasks_coalesced_total", Help: "Plans folded into an existing pending task"})
	TasksDone       = prometheus.NewCounter(prometheus.CounterOpts{Name: "compute_tasks_done_total", Help: "Tasks completed successfully"})
	TasksRetried    = prometheus.NewCounter(prometheus.CounterOpts{Name: "compute_tasks_retried_total", Help: "Task attempts rescheduled after a transient failure"})
	TasksDeadLetter = prometheus.NewCounter(prometheus.CounterOpts{Name: "compute_tasks_dead_letter_total", Help: "Tasks moved to the dead-letter store"})
	TasksReplayed   = prometheus.NewCounter(prometheus.CounterOpts{Name: "compute_tasks_replayed_total", Help: "Dead letters replayed as fresh tasks"})
	StepsExecuted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "compute_steps_executed_total", Help: "Plan steps executed"})
	EvalRowErrors   = prometheus.NewCounter(prometheus.CounterOpts{Name: "compute_eval_row_errors_total", Help: "Row-level evaluation failures leaving cells unresolved"})
	StaleRequeued   = prometheus.NewCounter(prometheus.CounterOpts{Name: "compute_tasks_stale_requeued_total", Help: "Stuck running tasks returned to pending by the sweep"})
	DueDepthGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "compute_tasks_due_depth", Help: "Pending tasks that are due"})
	InFlightGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "compute_tasks_inflight", Help: "Tasks currently claimed by a worker"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			PlansCompiled,
			PlansEmpty,
			TasksEnqueued,
			TasksCoalesced,
			TasksDone,
			TasksRetried,
			TasksDeadLetter,
			TasksReplayed,
			StepsExecuted,
			EvalRowErrors,
			StaleRequeued,
			DueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
