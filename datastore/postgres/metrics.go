package postgres

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// opMetrics returns the per-query counter and duration histogram pair
// registered for one store method.
func opMetrics(method string) (*prometheus.CounterVec, *prometheus.HistogramVec) {
	counter := promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wheelsproxy",
			Subsystem: "catalog",
			Name:      method + "_total",
			Help:      "The count of all queries issued in the " + method + " method.",
		},
		[]string{"query"},
	)
	duration := promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "wheelsproxy",
			Subsystem: "catalog",
			Name:      method + "_duration_seconds",
			Help:      "The duration of all queries issued in the " + method + " method.",
		},
		[]string{"query"},
	)
	return counter, duration
}
