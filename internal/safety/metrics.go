package safety

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// transitionsTotal counts operations entering each status.
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "safemod",
		Subsystem: "safety",
		Name:      "transitions_total",
		Help:      "Operation status transitions by target status",
	}, []string{"status"})

	executeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "safemod",
		Subsystem: "safety",
		Name:      "execute_duration_seconds",
		Help:      "Duration of apply callbacks by outcome",
		Buckets:   prometheus.DefBuckets,
	}, []string{"outcome"})

	trackedOperations = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "safemod",
		Subsystem: "safety",
		Name:      "tracked_operations",
		Help:      "Operations currently held in the approval table",
	})

	driftEvents = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "safemod",
		Subsystem: "safety",
		Name:      "external_modifications_total",
		Help:      "External edits to targets observed between assessment and execution",
	})
)
