package checkpoint

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// checkpointsCreated counts checkpoint creations by outcome (success, failed).
	checkpointsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "safemod",
		Subsystem: "checkpoint",
		Name:      "created_total",
		Help:      "Total checkpoint creations by outcome",
	}, []string{"outcome"})

	backupBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "safemod",
		Subsystem: "checkpoint",
		Name:      "backup_bytes_total",
		Help:      "Total bytes of file content backed up",
	})

	// filesRestored counts restore outcomes per file (restored, removed, unchanged, conflict, error).
	filesRestored = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "safemod",
		Subsystem: "checkpoint",
		Name:      "restore_files_total",
		Help:      "Files processed by restores, by outcome",
	}, []string{"outcome"})

	checkpointsDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "safemod",
		Subsystem: "checkpoint",
		Name:      "deleted_total",
		Help:      "Total checkpoints deleted, including retention evictions",
	})
)
