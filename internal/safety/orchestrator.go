// Package safety sequences risk assessment, preview, checkpointing and
// rollback around caller-supplied file modifications.
package safety

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emirpasic/gods/maps/linkedhashmap"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"safemod/internal/checkpoint"
	"safemod/internal/eventhub"
	"safemod/internal/keylock"
	"safemod/internal/logging"
	"safemod/internal/preview"
	"safemod/internal/risk"
	"safemod/internal/rollback"
	"safemod/internal/watcher"
)

// ApplyFunc performs the actual file mutation of an operation.
type ApplyFunc func(ctx context.Context) error

// Checkpoints is the checkpoint capability the orchestrator needs. An
// operation's checkpoint stays pinned until the operation finishes.
type Checkpoints interface {
	CreatePinnedCheckpoint(ctx context.Context, description string, paths []string, metadata checkpoint.Metadata) (*checkpoint.CreateResult, error)
	GetCheckpoint(id string) (*checkpoint.Checkpoint, bool)
	Unpin(ctx context.Context, id string)
	rollback.Restorer
}

// Deps are the orchestrator's collaborators. Only Checkpoints is required.
type Deps struct {
	Checkpoints Checkpoints
	Risk        *risk.Engine
	Preview     *preview.Engine
	Planner     *rollback.Planner
	Hub         *eventhub.EventHub
	Logger      *slog.Logger
}

// Options configure an Orchestrator.
type Options struct {
	// MaxOperations bounds the approval table. Only rejected, completed
	// and rolled back operations are evicted.
	MaxOperations int
	// ForceRollback overwrites files changed since the checkpoint when
	// rolling back, which is what undoes the operation's own edits.
	ForceRollback bool
	// WatchDrift reports external edits to targets between assessment
	// and execution.
	WatchDrift    bool
	DriftDebounce time.Duration
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		MaxOperations: 1000,
		ForceRollback: true,
		DriftDebounce: 100 * time.Millisecond,
	}
}

type entry struct {
	approval  *Approval
	drift     *watcher.Watcher
	evictable atomic.Bool
}

// Orchestrator tracks operations through their lifecycle. Transitions of
// one operation are serialized by a per-operation lock; the table mutex
// only guards map access.
type Orchestrator struct {
	checkpoints Checkpoints
	risk        *risk.Engine
	preview     *preview.Engine
	planner     *rollback.Planner
	hub         *eventhub.EventHub
	logger      *slog.Logger
	opts        Options

	locks *keylock.Map
	mu    sync.RWMutex
	ops   *linkedhashmap.Map
}

// New creates an Orchestrator.
func New(deps Deps, opts Options) (*Orchestrator, error) {
	if deps.Checkpoints == nil {
		return nil, errors.New("safety: checkpoints dependency is required")
	}
	logger := logging.OrDefault(deps.Logger)
	if deps.Risk == nil {
		deps.Risk = risk.NewEngine(risk.Options{Logger: logger})
	}
	if deps.Preview == nil {
		deps.Preview = preview.NewEngine(preview.Options{Logger: logger})
	}
	if deps.Planner == nil {
		deps.Planner = rollback.NewPlanner(logger)
	}
	if opts.DriftDebounce <= 0 {
		opts.DriftDebounce = DefaultOptions().DriftDebounce
	}

	return &Orchestrator{
		checkpoints: deps.Checkpoints,
		risk:        deps.Risk,
		preview:     deps.Preview,
		planner:     deps.Planner,
		hub:         deps.Hub,
		logger:      logger.With("component", "safety.Orchestrator"),
		opts:        opts,
		locks:       keylock.New(),
		ops:         linkedhashmap.New(),
	}, nil
}

// AssessOperation scores, previews and checkpoints a proposed operation
// and returns its approval record. Risk and preview run concurrently. A
// checkpoint failure rejects the operation. Safe operations are approved
// automatically unless the caller's preferences opt out.
func (o *Orchestrator) AssessOperation(ctx context.Context, opCtx OperationContext) (*Approval, error) {
	if err := validate.Struct(opCtx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	targets, err := absolutePaths(opCtx.Targets)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	newContent := make(map[string][]byte, len(opCtx.NewContent))
	for p, content := range opCtx.NewContent {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		newContent[abs] = content
	}
	priorities := make(map[string]int, len(opCtx.Priorities))
	for p, prio := range opCtx.Priorities {
		if abs, err := filepath.Abs(p); err == nil {
			priorities[abs] = prio
		}
	}

	id := uuid.NewString()
	unlock := o.locks.Lock(id)
	defer unlock()

	now := time.Now()
	e := &entry{approval: &Approval{
		OperationID: id,
		Operation:   opCtx.Description,
		Type:        opCtx.Type,
		Targets:     targets,
		Approvals:   []ApprovalRecord{},
		Events:      []eventhub.SafetyEvent{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}}
	a := e.approval
	o.setStatus(e, StatusPending)
	o.record(e, EventOperationStarted, SeverityInfo,
		fmt.Sprintf("%s of %d target(s): %s", opCtx.Type, len(targets), opCtx.Description))

	var assessment *risk.Assessment
	var changes *preview.ChangePreview
	var g errgroup.Group
	g.Go(func() error {
		assessment = o.risk.AssessPaths(ctx, risk.Operation{Type: opCtx.Type, Description: opCtx.Description}, targets)
		return nil
	})
	g.Go(func() error {
		changes = o.buildPreview(ctx, opCtx, targets, newContent)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.RiskAssessment = assessment
	a.ChangePreview = changes
	a.RequiredApprovals = assessment.RequiredApprovals
	o.record(e, EventRiskAssessed, severityFor(assessment.Level),
		fmt.Sprintf("risk %s (%s), confidence %.2f, %d factor(s)",
			assessment.Level, assessment.SafetyLevel, assessment.Confidence, len(assessment.Factors)))

	result, err := o.checkpoints.CreatePinnedCheckpoint(ctx, "before "+opCtx.Description, targets, checkpoint.Metadata{
		Phase:              "pre-operation",
		Operation:          string(opCtx.Type),
		RiskLevel:          string(assessment.Level),
		AffectedComponents: targets,
		EstimatedImpact: fmt.Sprintf("%d file(s), +%d/-%d lines",
			changes.Summary.TotalFiles, changes.Summary.AddedLines, changes.Summary.RemovedLines),
	})
	if err == nil && !result.Success {
		err = errors.New(result.Error)
	}
	if err != nil {
		a.Error = fmt.Sprintf("checkpoint failed: %v", err)
		o.setStatus(e, StatusRejected)
		o.record(e, EventCheckpointFailed, SeverityError, a.Error)
		o.store(e)
		return a.clone(), nil
	}

	a.CheckpointID = result.CheckpointID
	o.record(e, EventCheckpointCreated, SeverityInfo,
		fmt.Sprintf("checkpoint %s: %d file(s) backed up, %d not yet present",
			result.CheckpointID, result.FilesBackedUp, len(result.Skipped)))

	var cps []*checkpoint.Checkpoint
	if cp, ok := o.checkpoints.GetCheckpoint(result.CheckpointID); ok {
		cps = append(cps, cp)
	}
	a.RollbackPlan = o.planner.CreatePlan(id, rollback.Operation{
		Description: opCtx.Description,
		Targets:     targets,
		Priorities:  priorities,
		SideEffects: opCtx.SideEffects,
	}, cps, assessment.Level)

	autoApprove := opCtx.Preferences.AutoApprove == nil || *opCtx.Preferences.AutoApprove
	if assessment.AutomaticApproval && autoApprove {
		a.Approvals = append(a.Approvals, ApprovalRecord{
			Type:      ApprovalAutomated,
			Status:    StatusApproved,
			Approver:  "system",
			Timestamp: time.Now(),
		})
		o.setStatus(e, StatusApproved)
		o.record(e, EventOperationApproved, SeverityInfo, fmt.Sprintf("automatically approved at %s risk", assessment.Level))
	} else {
		a.RequiredApprovals = max(1, a.RequiredApprovals)
		o.record(e, EventApprovalRequired, SeverityWarning,
			fmt.Sprintf("%d approval(s) required at %s risk", a.RequiredApprovals, assessment.Level))
		if o.opts.WatchDrift {
			o.watchDrift(e)
		}
	}

	o.store(e)
	return a.clone(), nil
}

func (o *Orchestrator) buildPreview(ctx context.Context, opCtx OperationContext, targets []string, newContent map[string][]byte) *preview.ChangePreview {
	changes, err := preview.LoadChanges(preview.Operation(opCtx.Type), targets, newContent)
	if err != nil {
		o.logger.Warn("failed to load changes for preview", "error", err)
		p := o.preview.GeneratePreview(ctx, opCtx.Description, nil)
		p.PotentialIssues = append(p.PotentialIssues, preview.Issue{
			Type:     "preview_unavailable",
			Severity: preview.SeverityWarning,
			Detail:   err.Error(),
		})
		return p
	}
	return o.preview.GeneratePreview(ctx, opCtx.Description, changes)
}

// Approve records a manual approval. The operation becomes approved once
// it has as many distinct manual approvals as its risk level requires.
func (o *Orchestrator) Approve(id, approver, comment string) (*Approval, error) {
	if strings.TrimSpace(approver) == "" {
		return nil, fmt.Errorf("%w: approver is required", ErrInvalidInput)
	}
	e, ok := o.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	unlock := o.locks.Lock(id)
	defer unlock()

	a := e.approval
	if a.Status != StatusPending {
		return nil, fmt.Errorf("%w: cannot approve %s operation", ErrInvalidTransition, a.Status)
	}
	if lo.ContainsBy(a.Approvals, func(r ApprovalRecord) bool { return r.Type == ApprovalManual && r.Approver == approver }) {
		return nil, fmt.Errorf("%w: %s has already approved this operation", ErrInvalidInput, approver)
	}

	a.Approvals = append(a.Approvals, ApprovalRecord{
		Type:      ApprovalManual,
		Status:    StatusApproved,
		Approver:  approver,
		Comment:   comment,
		Timestamp: time.Now(),
	})

	if got := a.manualApprovals(); got < a.RequiredApprovals {
		o.record(e, EventApprovalRecorded, SeverityInfo,
			fmt.Sprintf("approved by %s (%d of %d)", approver, got, a.RequiredApprovals))
		return a.clone(), nil
	}

	o.setStatus(e, StatusApproved)
	o.record(e, EventOperationApproved, SeverityInfo, fmt.Sprintf("approved by %s", approver))
	return a.clone(), nil
}

// Reject rejects a pending or approved operation. Rejection is terminal.
func (o *Orchestrator) Reject(id, approver, reason string) (*Approval, error) {
	e, ok := o.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	unlock := o.locks.Lock(id)
	defer unlock()

	a := e.approval
	if a.Status != StatusPending && a.Status != StatusApproved {
		return nil, fmt.Errorf("%w: cannot reject %s operation", ErrInvalidTransition, a.Status)
	}

	o.stopDrift(e)
	a.Approvals = append(a.Approvals, ApprovalRecord{
		Type:      ApprovalManual,
		Status:    StatusRejected,
		Approver:  approver,
		Comment:   reason,
		Timestamp: time.Now(),
	})
	o.setStatus(e, StatusRejected)
	o.record(e, EventOperationRejected, SeverityWarning, fmt.Sprintf("rejected by %s: %s", approver, reason))
	return a.clone(), nil
}

// ExecuteOperation runs apply for an approved operation. When apply fails
// the operation is marked failed and, if its plan allows it, rolled back
// automatically. The error from apply is always returned unchanged. An
// operation whose checkpoint has disappeared is rejected without running
// apply.
func (o *Orchestrator) ExecuteOperation(ctx context.Context, id string, apply ApplyFunc) (*ExecutionResult, error) {
	if apply == nil {
		return nil, fmt.Errorf("%w: apply callback is required", ErrInvalidInput)
	}
	e, ok := o.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	unlock := o.locks.Lock(id)
	a := e.approval
	if a.Status != StatusApproved {
		status := a.Status
		unlock()
		return &ExecutionResult{Status: status, Error: "operation is " + string(status)},
			fmt.Errorf("%w: operation %s is %s", ErrNotApproved, id, status)
	}
	if _, ok := o.checkpoints.GetCheckpoint(a.CheckpointID); !ok {
		a.Error = fmt.Sprintf("checkpoint %s no longer exists", a.CheckpointID)
		o.stopDrift(e)
		o.setStatus(e, StatusRejected)
		o.record(e, EventCheckpointFailed, SeverityError, a.Error)
		unlock()
		return &ExecutionResult{Status: StatusRejected, Error: a.Error},
			fmt.Errorf("%w: %s", ErrCheckpointMissing, a.Error)
	}
	o.stopDrift(e)
	o.setStatus(e, StatusExecuting)
	o.record(e, EventOperationExecuting, SeverityInfo, "applying changes")
	unlock()

	// the lock is not held while the callback runs so status queries stay responsive
	start := time.Now()
	applyErr := runApply(ctx, apply)

	unlock = o.locks.Lock(id)
	defer unlock()

	if applyErr == nil {
		executeDuration.WithLabelValues("success").Observe(time.Since(start).Seconds())
		o.setStatus(e, StatusCompleted)
		o.record(e, EventOperationCompleted, SeverityInfo, fmt.Sprintf("completed in %s", time.Since(start).Round(time.Millisecond)))
		return &ExecutionResult{
			Success:           true,
			Status:            StatusCompleted,
			RollbackAvailable: a.RollbackPlan != nil,
		}, nil
	}

	executeDuration.WithLabelValues("failure").Observe(time.Since(start).Seconds())
	a.Error = applyErr.Error()
	o.setStatus(e, StatusFailed)
	o.record(e, EventOperationFailed, SeverityError, applyErr.Error())

	result := &ExecutionResult{
		Status:            StatusFailed,
		RollbackAvailable: a.RollbackPlan != nil,
		Error:             applyErr.Error(),
	}
	switch {
	case a.RollbackPlan == nil:
		o.logger.Warn("no rollback plan, manual recovery required", "operation_id", id)
	case a.RollbackPlan.CanAutoRollback:
		report := o.rollbackLocked(context.WithoutCancel(ctx), e)
		result.RolledBack = report.Success
		result.Status = a.Status
		result.PendingRollbackSteps = a.PendingRollbackSteps
	default:
		a.PendingRollbackSteps = append([]rollback.Step(nil), a.RollbackPlan.Steps...)
		result.PendingRollbackSteps = a.PendingRollbackSteps
		o.logger.Warn("automatic rollback not possible, manual rollback required",
			"operation_id", id, "steps", len(a.PendingRollbackSteps))
	}
	return result, applyErr
}

func runApply(ctx context.Context, apply ApplyFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("apply panicked: %v", r)
		}
	}()
	return apply(ctx)
}

// RollbackOperation restores the operation's targets from its checkpoint.
// It is allowed once execution has finished, whether it completed or
// failed. Rolling back an already rolled back operation succeeds without
// doing anything. When the plan halts at a manual step, the steps left
// to do are kept in the operation's PendingRollbackSteps.
func (o *Orchestrator) RollbackOperation(ctx context.Context, id string) (*checkpoint.RestoreResult, error) {
	e, ok := o.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	unlock := o.locks.Lock(id)
	defer unlock()

	a := e.approval
	switch a.Status {
	case StatusRolledBack:
		return &checkpoint.RestoreResult{Success: true, CheckpointID: a.CheckpointID, FilesRestored: []string{}}, nil
	case StatusCompleted, StatusFailed:
	default:
		return nil, fmt.Errorf("%w: cannot roll back %s operation", ErrInvalidTransition, a.Status)
	}
	if a.RollbackPlan == nil {
		return nil, fmt.Errorf("%w: operation has no rollback plan", ErrInvalidTransition)
	}

	report := o.rollbackLocked(ctx, e)
	return report.Result, nil
}

// rollbackLocked executes the operation's plan. The caller holds the
// operation lock.
func (o *Orchestrator) rollbackLocked(ctx context.Context, e *entry) *rollback.Report {
	a := e.approval
	o.record(e, EventRollbackStarted, SeverityWarning, fmt.Sprintf("rolling back %d step(s)", len(a.RollbackPlan.Steps)))

	report := o.planner.Execute(ctx, a.RollbackPlan, o.checkpoints, o.opts.ForceRollback)
	a.PendingRollbackSteps = report.RemainingSteps
	if report.Success {
		o.setStatus(e, StatusRolledBack)
		o.record(e, EventRollbackCompleted, SeverityInfo,
			fmt.Sprintf("restored %d file(s), removed %d", len(report.Result.FilesRestored), len(report.Result.FilesRemoved)))
	} else {
		o.record(e, EventRollbackFailed, SeverityCritical, report.Error)
	}
	return report
}

// GetOperationStatus returns a copy of the operation's approval record.
func (o *Orchestrator) GetOperationStatus(id string) (*Approval, bool) {
	e, ok := o.lookup(id)
	if !ok {
		return nil, false
	}
	unlock := o.locks.Lock(id)
	defer unlock()
	return e.approval.clone(), true
}

// GetSafetyEvents returns the operation's audit trail, oldest first.
func (o *Orchestrator) GetSafetyEvents(id string) []eventhub.SafetyEvent {
	a, ok := o.GetOperationStatus(id)
	if !ok {
		return nil
	}
	return a.Events
}

// ListOperations returns every tracked operation in creation order.
func (o *Orchestrator) ListOperations() []*Approval {
	o.mu.RLock()
	ids := make([]string, 0, o.ops.Size())
	for _, k := range o.ops.Keys() {
		ids = append(ids, k.(string))
	}
	o.mu.RUnlock()

	out := make([]*Approval, 0, len(ids))
	for _, id := range ids {
		if a, ok := o.GetOperationStatus(id); ok {
			out = append(out, a)
		}
	}
	return out
}

// Close stops all drift watchers.
func (o *Orchestrator) Close() error {
	o.mu.RLock()
	var entries []*entry
	for _, v := range o.ops.Values() {
		entries = append(entries, v.(*entry))
	}
	o.mu.RUnlock()

	for _, e := range entries {
		unlock := o.locks.Lock(e.approval.OperationID)
		o.stopDrift(e)
		unlock()
	}
	return nil
}

func (o *Orchestrator) lookup(id string) (*entry, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	v, ok := o.ops.Get(id)
	if !ok {
		return nil, false
	}
	return v.(*entry), true
}

// store publishes e and evicts the oldest finished operations beyond
// MaxOperations.
func (o *Orchestrator) store(e *entry) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.ops.Put(e.approval.OperationID, e)

	excess := o.ops.Size() - o.opts.MaxOperations
	if o.opts.MaxOperations > 0 && excess > 0 {
		var victims []interface{}
		it := o.ops.Iterator()
		for it.Next() && len(victims) < excess {
			if it.Value().(*entry).evictable.Load() {
				victims = append(victims, it.Key())
			}
		}
		for _, k := range victims {
			o.ops.Remove(k)
		}
		if len(victims) < excess {
			o.logger.Warn("approval table over capacity with no finished operations to evict",
				"size", o.ops.Size(), "max", o.opts.MaxOperations)
		}
	}
	trackedOperations.Set(float64(o.ops.Size()))
}

// setStatus changes the status. A finished operation releases its
// checkpoint pin. The caller holds the operation lock.
func (o *Orchestrator) setStatus(e *entry, status Status) {
	e.approval.Status = status
	e.approval.UpdatedAt = time.Now()
	e.evictable.Store(status.evictable())
	transitionsTotal.WithLabelValues(string(status)).Inc()
	o.logger.Info("operation status changed", "operation_id", e.approval.OperationID, "status", status)

	if status.evictable() && e.approval.CheckpointID != "" {
		o.checkpoints.Unpin(context.Background(), e.approval.CheckpointID)
	}
}

// record appends an event to the audit trail and publishes it. The
// caller holds the operation lock.
func (o *Orchestrator) record(e *entry, eventType, severity, detail string) {
	event := eventhub.SafetyEvent{
		Type:        eventType,
		OperationID: e.approval.OperationID,
		Severity:    severity,
		Timestamp:   time.Now(),
		Detail:      detail,
	}
	e.approval.Events = append(e.approval.Events, event)
	o.hub.EmitSafetyEvent(event)

	level := slog.LevelDebug
	switch severity {
	case SeverityWarning:
		level = slog.LevelWarn
	case SeverityError, SeverityCritical:
		level = slog.LevelError
	}
	o.logger.Log(context.Background(), level, "safety event",
		"operation_id", event.OperationID, "type", eventType, "detail", detail)
}

func (o *Orchestrator) watchDrift(e *entry) {
	id := e.approval.OperationID
	w, err := watcher.New(e.approval.Targets, o.opts.DriftDebounce, func(ev watcher.Event) {
		unlock := o.locks.Lock(id)
		defer unlock()
		if e.drift == nil {
			return
		}
		driftEvents.Inc()
		o.record(e, EventExternalModification, SeverityWarning,
			fmt.Sprintf("%s: %s outside the operation since assessment", ev.Path, ev.Type))
	}, o.logger)
	if err != nil {
		o.logger.Warn("drift detection unavailable", "operation_id", id, "error", err)
		return
	}
	if err := w.Start(); err != nil {
		w.Close()
		o.logger.Warn("drift detection unavailable", "operation_id", id, "error", err)
		return
	}
	e.drift = w
}

// stopDrift stops the operation's drift watcher. The caller holds the
// operation lock.
func (o *Orchestrator) stopDrift(e *entry) {
	if e.drift == nil {
		return
	}
	if err := e.drift.Close(); err != nil {
		o.logger.Debug("failed to close drift watcher", "operation_id", e.approval.OperationID, "error", err)
	}
	e.drift = nil
}

func severityFor(l risk.Level) string {
	switch l {
	case risk.LevelMinimal, risk.LevelLow:
		return SeverityInfo
	case risk.LevelMedium:
		return SeverityWarning
	default:
		return SeverityCritical
	}
}

func absolutePaths(paths []string) ([]string, error) {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, err
		}
		out = append(out, abs)
	}
	return lo.Uniq(out), nil
}
