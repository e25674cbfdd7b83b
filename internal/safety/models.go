package safety

import (
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"safemod/internal/eventhub"
	"safemod/internal/preview"
	"safemod/internal/risk"
	"safemod/internal/rollback"
)

var (
	// ErrNotFound is returned for unknown operation ids.
	ErrNotFound = errors.New("operation not found")
	// ErrNotApproved is returned when executing an operation that is not approved.
	ErrNotApproved = errors.New("operation not approved")
	// ErrInvalidTransition is returned when a state change is not allowed
	// from the operation's current status.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrInvalidInput is returned for malformed operation contexts.
	ErrInvalidInput = errors.New("invalid operation")
	// ErrCheckpointMissing is returned when an operation's checkpoint was
	// deleted before execution.
	ErrCheckpointMissing = errors.New("operation checkpoint missing")
)

// Status of an operation.
type Status string

const (
	StatusPending    Status = "pending"
	StatusApproved   Status = "approved"
	StatusRejected   Status = "rejected"
	StatusExecuting  Status = "executing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRolledBack Status = "rolled_back"
)

// evictable reports whether an operation in status s may be dropped from
// the approval table.
func (s Status) evictable() bool {
	return s == StatusRejected || s == StatusCompleted || s == StatusRolledBack
}

// Event types.
const (
	EventOperationStarted     = "operation_started"
	EventRiskAssessed         = "risk_assessed"
	EventCheckpointCreated    = "checkpoint_created"
	EventCheckpointFailed     = "checkpoint_failed"
	EventApprovalRequired     = "approval_required"
	EventApprovalRecorded     = "approval_recorded"
	EventOperationApproved    = "operation_approved"
	EventOperationRejected    = "operation_rejected"
	EventOperationExecuting   = "operation_executing"
	EventOperationCompleted   = "operation_completed"
	EventOperationFailed      = "operation_failed"
	EventRollbackStarted      = "rollback_started"
	EventRollbackCompleted    = "rollback_completed"
	EventRollbackFailed       = "rollback_failed"
	EventExternalModification = "external_modification"
)

// Event severities.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// ApprovalType distinguishes automatic from human approvals.
type ApprovalType string

const (
	ApprovalAutomated ApprovalType = "automated"
	ApprovalManual    ApprovalType = "manual"
)

// ApprovalRecord is one approval or rejection decision.
type ApprovalRecord struct {
	Type      ApprovalType `json:"type"`
	Status    Status       `json:"status"`
	Approver  string       `json:"approver,omitempty"`
	Comment   string       `json:"comment,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// Preferences are caller overrides for one operation.
type Preferences struct {
	// AutoApprove set to false forces manual approval even for safe
	// operations. Nil leaves the decision to the risk assessment.
	AutoApprove *bool `json:"auto_approve,omitempty"`
}

// OperationContext describes a proposed operation.
type OperationContext struct {
	Description string             `json:"description" validate:"required,nonblank,max=4096"`
	Type        risk.OperationType `json:"type" validate:"required,oneof=create modify delete"`
	Targets     []string           `json:"targets" validate:"required,min=1,dive,required,nonblank"`
	// NewContent holds the proposed bytes per target, used for the preview.
	NewContent map[string][]byte `json:"-"`
	// Priorities order rollback restore steps, highest first.
	Priorities  map[string]int `json:"priorities,omitempty"`
	SideEffects []string       `json:"side_effects,omitempty" validate:"dive,required"`
	Preferences Preferences    `json:"preferences"`
}

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("nonblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
}

// Approval is the record the orchestrator keeps per operation.
type Approval struct {
	OperationID       string                 `json:"operation_id"`
	Operation         string                 `json:"operation"`
	Type              risk.OperationType     `json:"type"`
	Targets           []string               `json:"targets"`
	Status            Status                 `json:"status"`
	RiskAssessment    *risk.Assessment       `json:"risk_assessment"`
	ChangePreview     *preview.ChangePreview `json:"change_preview"`
	RollbackPlan      *rollback.Plan         `json:"rollback_plan,omitempty"`
	CheckpointID      string                 `json:"checkpoint_id,omitempty"`
	RequiredApprovals int                    `json:"required_approvals"`
	Approvals         []ApprovalRecord       `json:"approvals"`
	Events            []eventhub.SafetyEvent `json:"events"`
	// PendingRollbackSteps are the plan steps a halted or skipped
	// rollback left undone.
	PendingRollbackSteps []rollback.Step `json:"pending_rollback_steps,omitempty"`
	Error                string          `json:"error,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// clone copies the mutable parts of a. The assessment, preview and plan
// are never modified after assessment and are shared.
func (a *Approval) clone() *Approval {
	c := *a
	c.Targets = append([]string(nil), a.Targets...)
	c.Approvals = append([]ApprovalRecord(nil), a.Approvals...)
	c.Events = append([]eventhub.SafetyEvent(nil), a.Events...)
	c.PendingRollbackSteps = append([]rollback.Step(nil), a.PendingRollbackSteps...)
	return &c
}

func (a *Approval) manualApprovals() int {
	n := 0
	for _, r := range a.Approvals {
		if r.Type == ApprovalManual && r.Status == StatusApproved {
			n++
		}
	}
	return n
}

// ExecutionResult is the outcome of ExecuteOperation.
type ExecutionResult struct {
	Success           bool   `json:"success"`
	Status            Status `json:"status"`
	RollbackAvailable bool   `json:"rollback_available"`
	RolledBack        bool   `json:"rolled_back"`
	Error             string `json:"error,omitempty"`
	// PendingRollbackSteps lists the recovery steps left for a human after
	// a failed apply.
	PendingRollbackSteps []rollback.Step `json:"pending_rollback_steps,omitempty"`
}
