package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var recordsProcessedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ingest_records_processed_total",
	Help: "Total number of records normalized and persisted, by record kind",
}, []string{"kind"})

var recordsFailedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ingest_records_failed_total",
	Help: "Total number of records that failed processing, by kind and stage",
}, []string{"kind", "stage"})

var classificationMissCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ingest_classification_miss_total",
	Help: "Total number of events skipped because no route matched",
})
