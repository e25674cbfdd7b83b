// bindings.go
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"safemod/internal/checkpoint"
	"safemod/internal/database"
	"safemod/internal/git"
	"safemod/internal/risk"
	"safemod/internal/safety"
)

var errNotStarted = errors.New("safemod is not started")

func (a *App) runContext() context.Context {
	if a.ctx == nil {
		return context.Background()
	}
	return a.ctx
}

// ===== Checkpoint Bindings =====

// CreateCheckpoint snapshots paths under a new checkpoint
func (a *App) CreateCheckpoint(description string, paths []string) (*checkpoint.CreateResult, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.checkpoints == nil {
		return nil, errNotStarted
	}
	return a.checkpoints.CreateCheckpoint(a.runContext(), description, paths, checkpoint.Metadata{Phase: "manual"})
}

// ListCheckpoints returns the checkpoint index, newest first
func (a *App) ListCheckpoints() ([]*database.CheckpointRecord, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.dbManager == nil {
		return nil, errNotStarted
	}
	return a.dbManager.ListCheckpoints(a.runContext())
}

// GetCheckpoint returns one checkpoint with its file list
func (a *App) GetCheckpoint(id string) (*checkpoint.Checkpoint, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.checkpoints == nil {
		return nil, errNotStarted
	}
	cp, ok := a.checkpoints.GetCheckpoint(id)
	if !ok {
		return nil, fmt.Errorf("checkpoint not found: %s", id)
	}
	return cp, nil
}

// RestoreCheckpoint writes a checkpoint back to disk
func (a *App) RestoreCheckpoint(id string, opts checkpoint.RestoreOptions) (*checkpoint.RestoreResult, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.checkpoints == nil {
		return nil, errNotStarted
	}
	return a.checkpoints.RestoreCheckpoint(a.runContext(), id, opts), nil
}

// DeleteCheckpoint removes a checkpoint and its backups
func (a *App) DeleteCheckpoint(id string) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.checkpoints == nil {
		return errNotStarted
	}
	if !a.checkpoints.DeleteCheckpoint(a.runContext(), id) {
		return fmt.Errorf("checkpoint not found: %s", id)
	}
	return nil
}

// DiffCheckpoints compares the files recorded by two checkpoints
func (a *App) DiffCheckpoints(fromID, toID string) (*checkpoint.CheckpointDiff, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.checkpoints == nil {
		return nil, errNotStarted
	}
	return a.checkpoints.Diff(fromID, toID)
}

// VerifyCheckpoint returns the paths whose backups no longer match their hash
func (a *App) VerifyCheckpoint(id string) ([]string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.checkpoints == nil {
		return nil, errNotStarted
	}
	return a.checkpoints.Verify(id)
}

// ===== Safety Bindings =====

// OperationOutcome is the result of RunOperation
type OperationOutcome struct {
	Approval *safety.Approval        `json:"approval"`
	Result   *safety.ExecutionResult `json:"result,omitempty"`
}

// AssessOperation scores, previews and checkpoints a proposed operation
func (a *App) AssessOperation(opCtx safety.OperationContext) (*safety.Approval, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.safety == nil {
		return nil, errNotStarted
	}
	return a.safety.AssessOperation(a.runContext(), opCtx)
}

// ApproveOperation records a manual approval
func (a *App) ApproveOperation(id, approver, comment string) (*safety.Approval, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.safety == nil {
		return nil, errNotStarted
	}
	return a.safety.Approve(id, approver, comment)
}

// RejectOperation rejects a pending or approved operation
func (a *App) RejectOperation(id, approver, reason string) (*safety.Approval, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.safety == nil {
		return nil, errNotStarted
	}
	return a.safety.Reject(id, approver, reason)
}

// RunOperation assesses opCtx, records the given approvals and, once the
// operation is approved, writes its new content to disk. A failed write is
// rolled back according to the operation's plan.
func (a *App) RunOperation(opCtx safety.OperationContext, approvers []string) (*OperationOutcome, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.safety == nil {
		return nil, errNotStarted
	}
	ctx := a.runContext()

	approval, err := a.safety.AssessOperation(ctx, opCtx)
	if err != nil {
		return nil, err
	}
	outcome := &OperationOutcome{Approval: approval}
	if approval.Status == safety.StatusRejected {
		return outcome, fmt.Errorf("operation rejected: %s", approval.Error)
	}

	for _, approver := range approvers {
		if approval.Status != safety.StatusPending {
			break
		}
		if approval, err = a.safety.Approve(approval.OperationID, approver, "approved from command line"); err != nil {
			return outcome, err
		}
		outcome.Approval = approval
	}
	if approval.Status != safety.StatusApproved {
		return outcome, fmt.Errorf("operation %s needs %d approval(s), has %d",
			approval.OperationID, approval.RequiredApprovals, len(approvers))
	}

	result, err := a.safety.ExecuteOperation(ctx, approval.OperationID, applyContent(opCtx))
	outcome.Result = result
	if latest, ok := a.safety.GetOperationStatus(approval.OperationID); ok {
		outcome.Approval = latest
	}
	return outcome, err
}

// RollbackOperation restores an executed operation's targets
func (a *App) RollbackOperation(id string) (*checkpoint.RestoreResult, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.safety == nil {
		return nil, errNotStarted
	}
	return a.safety.RollbackOperation(a.runContext(), id)
}

// GetOperationStatus returns an operation tracked by this process
func (a *App) GetOperationStatus(id string) (*safety.Approval, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.safety == nil {
		return nil, errNotStarted
	}
	approval, ok := a.safety.GetOperationStatus(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", safety.ErrNotFound, id)
	}
	return approval, nil
}

// GetSafetyEvents returns the journaled audit trail of an operation,
// including operations run by earlier processes
func (a *App) GetSafetyEvents(id string) ([]*database.EventRecord, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.dbManager == nil {
		return nil, errNotStarted
	}
	return a.dbManager.EventsForOperation(a.runContext(), id)
}

// applyContent returns the callback that performs opCtx on disk.
func applyContent(opCtx safety.OperationContext) safety.ApplyFunc {
	return func(ctx context.Context) error {
		for _, target := range opCtx.Targets {
			if err := ctx.Err(); err != nil {
				return err
			}
			if opCtx.Type == risk.OpDelete {
				if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
					return err
				}
				continue
			}
			content, ok := opCtx.NewContent[target]
			if !ok {
				continue
			}
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			if err := os.WriteFile(target, content, 0644); err != nil {
				return fmt.Errorf("write %s: %w", target, err)
			}
		}
		return nil
	}
}

// ===== Git Bindings =====

// GetGitStatus returns the source control status of the work directory
func (a *App) GetGitStatus() (*git.RepoStatus, error) {
	repo, err := git.Open(a.workDir)
	if err != nil {
		return nil, err
	}
	return repo.Status()
}
