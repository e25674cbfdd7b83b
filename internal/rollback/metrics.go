package rollback

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// rollbacksExecuted counts plan executions by outcome (success, halted, failed).
var rollbacksExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "safemod",
	Subsystem: "rollback",
	Name:      "executions_total",
	Help:      "Rollback plan executions by outcome",
}, []string{"outcome"})
