package storage

import "github.com/prometheus/client_golang/prometheus"

var (
	violationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinygraph",
			Subsystem: "consistency",
			Name:      "violation_total",
			Help:      "Counter of commits rejected by the consistency check.",
		}, []string{"kind"})

	retainedEvents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tinygraph",
			Subsystem: "consistency",
			Name:      "retained_events",
			Help:      "Number of open and commit events retained by the consistency manager.",
		})

	consistencyCheckDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tinygraph",
			Subsystem: "consistency",
			Name:      "check_duration_seconds",
			Help:      "Bucketed histogram of the time spent in the serialized consistency check.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 18),
		})

	iteratorReuseCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinygraph",
			Subsystem: "storage",
			Name:      "iterator_total",
			Help:      "Counter of native iterators handed out, by whether they were reused from the pool.",
		}, []string{"source"})
)

func init() {
	prometheus.MustRegister(violationCounter)
	prometheus.MustRegister(retainedEvents)
	prometheus.MustRegister(consistencyCheckDuration)
	prometheus.MustRegister(iteratorReuseCounter)
}
