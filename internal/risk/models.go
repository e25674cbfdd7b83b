package risk

import "time"

// Level is the coarse ordinal risk classification of an operation.
type Level string

const (
	LevelMinimal  Level = "minimal"
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

var levelRank = map[Level]int{
	LevelMinimal:  0,
	LevelLow:      1,
	LevelMedium:   2,
	LevelHigh:     3,
	LevelCritical: 4,
}

// Rank orders levels from minimal (0) to critical (4). Unknown levels rank
// as critical.
func (l Level) Rank() int {
	if r, ok := levelRank[l]; ok {
		return r
	}
	return levelRank[LevelCritical]
}

// AtLeast reports whether l is as risky as other or riskier.
func (l Level) AtLeast(other Level) bool {
	return l.Rank() >= other.Rank()
}

// SafetyLevel is the three-bucket view of Level.
type SafetyLevel string

const (
	SafetySafe      SafetyLevel = "safe"
	SafetyCaution   SafetyLevel = "caution"
	SafetyDangerous SafetyLevel = "dangerous"
)

// SafetyFor maps a risk level onto its safety bucket.
func SafetyFor(l Level) SafetyLevel {
	switch l {
	case LevelMinimal, LevelLow:
		return SafetySafe
	case LevelMedium:
		return SafetyCaution
	default:
		return SafetyDangerous
	}
}

// RequiredApprovals is the number of approval steps an operation at level
// needs before it may execute.
func RequiredApprovals(l Level) int {
	switch l {
	case LevelMinimal, LevelLow:
		return 0
	case LevelMedium:
		return 1
	case LevelHigh:
		return 2
	default:
		return 3
	}
}

// Severity of a single risk factor.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

func (s Severity) level() Level {
	switch s {
	case SeverityLow:
		return LevelLow
	case SeverityMedium:
		return LevelMedium
	default:
		return LevelHigh
	}
}

// OperationType says what an operation does to its targets.
type OperationType string

const (
	OpCreate OperationType = "create"
	OpModify OperationType = "modify"
	OpDelete OperationType = "delete"
)

// Factor types.
const (
	FactorDeletion        = "deletion_operation"
	FactorSystemFile      = "system_file_modification"
	FactorLargeFile       = "large_file_changes"
	FactorMultipleFiles   = "multiple_file_changes"
	FactorDependencies    = "dependency_modifications"
	FactorAssessmentError = "assessment_error"
)

// Operation is what gets scored.
type Operation struct {
	Type        OperationType `json:"type"`
	Description string        `json:"description"`
}

// Target is the resolved metadata of one path an operation touches.
type Target struct {
	Path         string    `json:"path"`
	Exists       bool      `json:"exists"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified,omitempty"`
	Language     string    `json:"language,omitempty"`
}

// Factor is one heuristic that fired.
type Factor struct {
	Type     string   `json:"type"`
	Severity Severity `json:"severity"`
	Detail   string   `json:"detail"`
}

// Assessment is the outcome of scoring one operation. It is recomputed
// on every call and never persisted.
type Assessment struct {
	Level                Level       `json:"level"`
	SafetyLevel          SafetyLevel `json:"safety_level"`
	Confidence           float64     `json:"confidence"`
	AutomaticApproval    bool        `json:"automatic_approval"`
	RequiredApprovals    int         `json:"required_approvals"`
	Factors              []Factor    `json:"risk_factors"`
	MitigationStrategies []string    `json:"mitigation_strategies"`
	// Uncertainties lists targets whose metadata was inconsistent with the
	// operation, such as a missing file that is supposed to be modified.
	Uncertainties []string `json:"uncertainties,omitempty"`
}

// HasFactor reports whether a factor of the given type fired.
func (a *Assessment) HasFactor(factorType string) bool {
	for _, f := range a.Factors {
		if f.Type == factorType {
			return true
		}
	}
	return false
}
