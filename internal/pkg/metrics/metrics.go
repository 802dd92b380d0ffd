// Package metrics provides Prometheus metrics shared across components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "epharmacy"

var (
	// HTTPRequestDuration tracks HTTP request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "route", "status_code"},
	)

	// PoolConnections tracks connection pool state of the storage backends.
	PoolConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "pool_connections",
			Help:      "Number of pooled connections by backend and state",
		},
		[]string{"backend", "state"},
	)

	// PoolTimeouts counts pool waits that timed out.
	PoolTimeouts = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "pool_timeouts",
			Help:      "Cumulative pool wait timeouts reported by the client",
		},
		[]string{"backend"},
	)
)
