package risk

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	assessmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "safemod",
		Subsystem: "risk",
		Name:      "assessments_total",
		Help:      "Risk assessments by resulting level",
	}, []string{"level"})

	// conservativeTotal counts assessments that fell back to the most
	// restrictive outcome after an internal error.
	conservativeTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "safemod",
		Subsystem: "risk",
		Name:      "conservative_fallbacks_total",
		Help:      "Assessments that failed and returned the conservative default",
	})
)
