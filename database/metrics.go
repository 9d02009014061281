package database

import "github.com/prometheus/client_golang/prometheus"

var (
	transactionCommitCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinygraph",
			Subsystem: "transaction",
			Name:      "commit_total",
			Help:      "Counter of transaction commits by kind and result.",
		}, []string{"kind", "result"})

	schemaLockWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tinygraph",
			Subsystem: "schema_lock",
			Name:      "wait_seconds",
			Help:      "Bucketed histogram of the time spent acquiring the schema lock.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 18),
		}, []string{"mode"})

	sessionGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "tinygraph",
			Subsystem: "session",
			Name:      "open",
			Help:      "Number of open sessions by type.",
		}, []string{"type"})

	statisticsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinygraph",
			Subsystem: "statistics",
			Name:      "compensation_total",
			Help:      "Counter of statistics compensation runs by result.",
		}, []string{"result"})
)

func init() {
	prometheus.MustRegister(transactionCommitCounter)
	prometheus.MustRegister(schemaLockWait)
	prometheus.MustRegister(sessionGauge)
	prometheus.MustRegister(statisticsCounter)
}
