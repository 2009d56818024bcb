package queue

import "github.com/prometheus/client_golang/prometheus"

var (
	QueueProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lookscan",
			Name:      "queue_processed_total",
			Help:      "Total tasks processed grouped by status",
		},
		[]string{"kind", "status"},
	)
	SweptRecordsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lookscan",
			Name:      "credential_sweep_deleted_total",
			Help:      "Expired credential rows removed by the sweeper",
		},
	)
)

func init() {
	prometheus.MustRegister(QueueProcessedTotal, SweptRecordsTotal)
}
