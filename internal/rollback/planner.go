// Package rollback builds and executes ordered recovery plans from
// checkpoints.
package rollback

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/samber/lo"

	"safemod/internal/checkpoint"
	"safemod/internal/logging"
	"safemod/internal/risk"
)

// Restorer is the checkpoint capability a plan executes against.
type Restorer interface {
	RestoreCheckpoint(ctx context.Context, id string, opts checkpoint.RestoreOptions) *checkpoint.RestoreResult
	RevertVCS(ctx context.Context, id string) error
}

// Planner creates and executes rollback plans.
type Planner struct {
	logger *slog.Logger
}

// NewPlanner creates a Planner.
func NewPlanner(logger *slog.Logger) *Planner {
	return &Planner{logger: logging.OrDefault(logger).With("component", "rollback.Planner")}
}

type fileStep struct {
	step     Step
	priority int
	hasPrio  bool
}

// CreatePlan builds the plan that returns op's targets to the state
// captured by checkpoints. When several checkpoints cover one path the
// oldest wins, since it holds the state before the operation began.
//
// File steps come first, ordered by priority (highest first) and then by
// path. The source control revert follows. Manual steps come last, so an
// executor restores everything it can before halting.
func (p *Planner) CreatePlan(operationID string, op Operation, checkpoints []*checkpoint.Checkpoint, level risk.Level) *Plan {
	ordered := append([]*checkpoint.Checkpoint(nil), checkpoints...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})

	plan := &Plan{
		OperationID:  operationID,
		Strategy:     StrategyBackupRestore,
		Backups:      []checkpoint.File{},
		RiskLevel:    level,
		Dependencies: lo.Map(ordered, func(cp *checkpoint.Checkpoint, _ int) string { return cp.ID }),
		CreatedAt:    time.Now(),
	}

	covered := make(map[string]bool)
	var files []fileStep
	addFile := func(s Step) {
		prio, ok := op.Priorities[s.Target]
		files = append(files, fileStep{step: s, priority: prio, hasPrio: ok})
		covered[s.Target] = true
	}

	var vcsCheckpoint *checkpoint.Checkpoint
	for _, cp := range ordered {
		for _, f := range cp.Files {
			if covered[f.Path] {
				continue
			}
			plan.Backups = append(plan.Backups, f)
			addFile(Step{
				Action:       ActionRestoreFile,
				Target:       f.Path,
				Description:  fmt.Sprintf("restore %s from checkpoint %s", f.Path, cp.ID),
				Automated:    true,
				CheckpointID: cp.ID,
			})
		}
		for _, path := range cp.AbsentFiles {
			if covered[path] {
				continue
			}
			addFile(Step{
				Action:       ActionRemoveFile,
				Target:       path,
				Description:  fmt.Sprintf("remove %s, which did not exist before the operation", path),
				Automated:    true,
				CheckpointID: cp.ID,
			})
		}
		if vcsCheckpoint == nil && cp.VCSMarker != "" {
			vcsCheckpoint = cp
		}
	}

	sort.SliceStable(files, func(i, j int) bool {
		a, b := files[i], files[j]
		if a.hasPrio != b.hasPrio {
			return a.hasPrio
		}
		if a.priority != b.priority {
			return a.priority > b.priority
		}
		return a.step.Target < b.step.Target
	})
	steps := lo.Map(files, func(f fileStep, _ int) Step { return f.step })

	if vcsCheckpoint != nil {
		steps = append(steps, Step{
			Action:       ActionRevertVCS,
			Target:       vcsCheckpoint.VCSMarker,
			Description:  fmt.Sprintf("revert source control to marker %s", vcsCheckpoint.VCSMarker),
			Automated:    true,
			CheckpointID: vcsCheckpoint.ID,
		})
	}

	uncovered := lo.Filter(lo.Uniq(op.Targets), func(t string, _ int) bool { return !covered[t] })
	sort.Strings(uncovered)
	for _, target := range uncovered {
		steps = append(steps, Step{
			Action:      ActionVerifyFile,
			Target:      target,
			Description: fmt.Sprintf("no backup exists for %s; verify its state manually", target),
		})
	}
	for _, effect := range op.SideEffects {
		steps = append(steps, Step{
			Action:      ActionManual,
			Target:      effect,
			Description: fmt.Sprintf("manually revert external side effect: %s", effect),
		})
	}

	for i := range steps {
		steps[i].Order = i + 1
	}
	plan.Steps = steps
	plan.CanAutoRollback = lo.EveryBy(steps, func(s Step) bool { return s.Automated })

	p.logger.Debug("rollback plan created",
		"operation_id", operationID,
		"steps", len(steps),
		"backups", len(plan.Backups),
		"can_auto_rollback", plan.CanAutoRollback)
	return plan
}

// Execute applies the plan's steps in order. It stops at the first manual
// step and returns it, with every step after it, as RemainingSteps. A
// failed file step does not stop later file steps.
func (p *Planner) Execute(ctx context.Context, plan *Plan, r Restorer, force bool) *Report {
	report := &Report{
		Result: &checkpoint.RestoreResult{
			Success:       true,
			FilesRestored: []string{},
		},
		CompletedSteps: []Step{},
	}
	if len(plan.Dependencies) > 0 {
		report.Result.CheckpointID = plan.Dependencies[0]
	}

	steps := append([]Step(nil), plan.Steps...)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })

	var failures []string
	for i, step := range steps {
		if !step.Automated {
			report.Halted = true
			report.RemainingSteps = steps[i:]
			p.logger.Warn("rollback halted at manual step",
				"operation_id", plan.OperationID,
				"step", step.Order,
				"action", step.Action,
				"target", step.Target)
			break
		}
		if err := ctx.Err(); err != nil {
			failures = append(failures, fmt.Sprintf("rollback cancelled: %v", err))
			report.RemainingSteps = steps[i:]
			break
		}

		switch step.Action {
		case ActionRestoreFile, ActionRemoveFile:
			res := r.RestoreCheckpoint(ctx, step.CheckpointID, checkpoint.RestoreOptions{
				ForceOverwrite: force,
				SpecificFiles:  []string{step.Target},
			})
			report.Result.Merge(res)
			if !res.Success {
				failures = append(failures, fmt.Sprintf("step %d (%s %s): %s", step.Order, step.Action, step.Target, res.Error))
				continue
			}
		case ActionRevertVCS:
			if err := r.RevertVCS(ctx, step.CheckpointID); err != nil {
				// best effort, the file steps already restored content
				p.logger.Warn("source control revert failed", "operation_id", plan.OperationID, "error", err)
				report.Result.Warnings = append(report.Result.Warnings, fmt.Sprintf("source control revert failed: %v", err))
			}
		default:
			failures = append(failures, fmt.Sprintf("step %d: unknown action %q", step.Order, step.Action))
			continue
		}
		report.CompletedSteps = append(report.CompletedSteps, step)
	}

	report.Success = len(failures) == 0 && !report.Halted && len(report.RemainingSteps) == 0
	report.Result.Success = report.Success
	switch {
	case len(failures) > 0:
		report.Error = failures[0]
		report.Result.Error = failures[0]
	case report.Halted:
		report.Error = fmt.Sprintf("rollback requires manual intervention: %s", report.RemainingSteps[0].Description)
		report.Result.Error = report.Error
	}

	outcome := "success"
	if report.Halted {
		outcome = "halted"
	} else if !report.Success {
		outcome = "failed"
	}
	rollbacksExecuted.WithLabelValues(outcome).Inc()

	p.logger.Info("rollback executed",
		"operation_id", plan.OperationID,
		"outcome", outcome,
		"completed_steps", len(report.CompletedSteps),
		"remaining_steps", len(report.RemainingSteps))
	return report
}
