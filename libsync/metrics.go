package libsync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	syncCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "musync",
		Subsystem: "libsync",
		Name:      "syncs_total",
		Help:      "Total number of sync invocations by kind and result.",
	}, []string{"kind", "result"})
	fetchedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "musync",
		Subsystem: "libsync",
		Name:      "revisions_fetched_total",
		Help:      "Total number of update revisions fetched and stored.",
	}, []string{"kind"})
	retryCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "musync",
		Subsystem: "libsync",
		Name:      "batch_retries_total",
		Help:      "Total number of retried GetUpdateData batches.",
	})
)

func countSync(kind string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	syncCounter.WithLabelValues(kind, result).Inc()
}
