package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Operation counters, exported on /metrics by the serve command.
var (
	tasksDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spl_tasks_dispatched_total",
		Help: "Tasks inserted into the queue.",
	})
	tasksGrabbed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spl_tasks_grabbed_total",
		Help: "Tasks successfully claimed by a worker.",
	})
	grabsLost = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spl_grabs_lost_total",
		Help: "Claim attempts that lost the conditional update race.",
	})
	tasksCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spl_tasks_completed_total",
		Help: "Tasks transitioned to complete.",
	})
	tasksFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spl_tasks_failed_total",
		Help: "Tasks transitioned to failed.",
	})
	tasksReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spl_tasks_reaped_total",
		Help: "Stuck processing tasks failed by the dead sweep.",
	})
	tasksCleaned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spl_tasks_cleaned_total",
		Help: "Terminal tasks deleted by the clean sweep.",
	})
)
