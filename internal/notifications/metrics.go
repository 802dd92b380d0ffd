package notifications

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "epharmacy"

var (
	notificationQueueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "queue_size",
			Help:      "Number of notifications in queue by partition",
		},
		[]string{"partition"},
	)

	notificationsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "enqueued_total",
			Help:      "Total notifications accepted into the waiting partition",
		},
		[]string{"kind"},
	)

	notificationsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "processed_total",
			Help:      "Total claimed notifications by outcome (delivered, requeued, quarantined)",
		},
		[]string{"kind", "outcome"},
	)

	notificationDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "deliveries_total",
			Help:      "Total single-token delivery attempts by outcome",
		},
		[]string{"outcome"},
	)

	notificationProcessDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "process_duration_seconds",
			Help:      "Time to dispatch one claimed notification",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"kind"},
	)

	drainsSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "drains_skipped_total",
			Help:      "Drain triggers ignored because a drain was already running",
		},
	)
)

func recordEnqueued(kind Kind) {
	notificationsEnqueued.WithLabelValues(string(kind)).Inc()
}

func recordProcessed(kind Kind, outcome string, duration time.Duration) {
	notificationsProcessed.WithLabelValues(string(kind), outcome).Inc()
	notificationProcessDuration.WithLabelValues(string(kind)).Observe(duration.Seconds())
}

func recordDelivery(outcome string) {
	notificationDeliveries.WithLabelValues(outcome).Inc()
}

func recordDrainSkipped() {
	drainsSkipped.Inc()
}

// RecordQueueStats updates queue size metrics.
func RecordQueueStats(stats Stats) {
	notificationQueueSize.WithLabelValues("waiting").Set(float64(stats.Waiting))
	notificationQueueSize.WithLabelValues("processing").Set(float64(stats.Processing))
	notificationQueueSize.WithLabelValues("failed").Set(float64(stats.Failed))
}
