package kafka

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var eventsConsumed = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "epharmacy",
		Subsystem: "kafka",
		Name:      "events_total",
		Help:      "Notification events read from Kafka by outcome",
	},
	[]string{"topic", "outcome"},
)

func recordEvent(topic, outcome string) {
	eventsConsumed.WithLabelValues(topic, outcome).Inc()
}
