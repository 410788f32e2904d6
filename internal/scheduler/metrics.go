package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var itemsAddedCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "scheduler_work_items_added_total",
	Help: "Total number of events queued on the scheduler",
})

var itemsProcessedCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "scheduler_work_items_processed_total",
	Help: "Total number of events processed by scheduler workers",
})

var workersActiveGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "scheduler_workers_active",
	Help: "Number of scheduler workers currently running",
})
