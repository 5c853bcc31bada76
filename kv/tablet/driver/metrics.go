package driver

import "github.com/prometheus/client_golang/prometheus"

var (
	operationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinytablet",
			Subsystem: "driver",
			Name:      "operations_total",
			Help:      "Counter of finished operations by origin and result.",
		}, []string{"origin", "result"})

	phaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tinytablet",
			Subsystem: "driver",
			Name:      "phase_duration_seconds",
			Help:      "Bucketed histogram of the duration of each operation phase.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 20),
		}, []string{"phase"})

	prepareBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tinytablet",
			Subsystem: "driver",
			Name:      "prepare_batch_size",
			Help:      "Bucketed histogram of leader operations replicated in one batch.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		})

	inflightOperations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tinytablet",
			Subsystem: "driver",
			Name:      "inflight_operations",
			Help:      "Number of tracked operations.",
		})
)

func init() {
	prometheus.MustRegister(operationCounter)
	prometheus.MustRegister(phaseDuration)
	prometheus.MustRegister(prepareBatchSize)
	prometheus.MustRegister(inflightOperations)
}
