package rollback

import (
	"time"

	"safemod/internal/checkpoint"
	"safemod/internal/risk"
)

// Strategy names how a plan undoes an operation.
type Strategy string

const (
	StrategyBackupRestore Strategy = "backup_restore"
	// StrategyIncrementalUndo is reserved for reversible edit scripts; the
	// planner never selects it.
	StrategyIncrementalUndo Strategy = "incremental_undo"
)

// Action is what a step does.
type Action string

const (
	ActionRestoreFile Action = "restore_file"
	ActionRemoveFile  Action = "remove_file"
	ActionRevertVCS   Action = "revert_vcs_marker"
	ActionVerifyFile  Action = "verify_file"
	ActionManual      Action = "manual_intervention"
)

// Step is one unit of a rollback plan.
type Step struct {
	Order        int    `json:"order"`
	Action       Action `json:"action"`
	Target       string `json:"target"`
	Description  string `json:"description"`
	Automated    bool   `json:"automated"`
	CheckpointID string `json:"checkpoint_id,omitempty"`
}

// Operation is the part of an operation the planner needs.
type Operation struct {
	Description string
	// Targets are every path the operation touches.
	Targets []string
	// Priorities orders restore steps; higher restores first. Paths
	// without a priority sort lexically after prioritized ones.
	Priorities map[string]int
	// SideEffects describe changes outside the filesystem that need a
	// human to undo.
	SideEffects []string
}

// Plan is an ordered recovery procedure for one operation.
type Plan struct {
	OperationID     string            `json:"operation_id"`
	Strategy        Strategy          `json:"strategy"`
	Backups         []checkpoint.File `json:"backups"`
	Steps           []Step            `json:"steps"`
	RiskLevel       risk.Level        `json:"risk_level"`
	CanAutoRollback bool              `json:"can_auto_rollback"`
	// Dependencies are the checkpoint ids the plan restores from.
	Dependencies []string  `json:"dependencies"`
	CreatedAt    time.Time `json:"created_at"`
}

// Report is the outcome of executing a plan.
type Report struct {
	Success        bool                      `json:"success"`
	Result         *checkpoint.RestoreResult `json:"result"`
	CompletedSteps []Step                    `json:"completed_steps"`
	// RemainingSteps starts at the manual step execution halted on.
	RemainingSteps []Step `json:"remaining_steps,omitempty"`
	Halted         bool   `json:"halted"`
	Error          string `json:"error,omitempty"`
}
