// Package risk scores proposed file operations against a fixed set of
// heuristics and decides whether they may run without human approval.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/dustin/go-humanize"
	"github.com/samber/lo"

	"safemod/internal/fileclass"
	"safemod/internal/logging"
)

const (
	// DefaultLargeFileThreshold is the size above which a target counts as large.
	DefaultLargeFileThreshold int64 = 1 << 20

	baseConfidence         = 0.95
	uncertaintyPenalty     = 0.15
	minConfidence          = 0.3
	conservativeConfidence = 0.1
)

// Options configure an Engine.
type Options struct {
	LargeFileThreshold int64
	Resolver           TargetResolver
	Logger             *slog.Logger
}

// Engine is the risk assessment engine. It holds no mutable state and is
// safe for concurrent use.
type Engine struct {
	largeFileThreshold int64
	resolver           TargetResolver
	logger             *slog.Logger
}

// NewEngine creates an Engine. A nil resolver defaults to FSResolver.
func NewEngine(opts Options) *Engine {
	if opts.LargeFileThreshold <= 0 {
		opts.LargeFileThreshold = DefaultLargeFileThreshold
	}
	if opts.Resolver == nil {
		opts.Resolver = FSResolver{}
	}
	return &Engine{
		largeFileThreshold: opts.LargeFileThreshold,
		resolver:           opts.Resolver,
		logger:             logging.OrDefault(opts.Logger).With("component", "risk.Engine"),
	}
}

// Resolver returns the engine's target resolver.
func (e *Engine) Resolver() TargetResolver {
	return e.resolver
}

// AssessPaths resolves every path and assesses the operation against the
// result. Any resolution error yields the conservative assessment.
func (e *Engine) AssessPaths(ctx context.Context, op Operation, paths []string) (a *Assessment) {
	defer e.recoverConservative(&a)

	targets := make([]Target, 0, len(paths))
	for _, p := range paths {
		t, err := e.resolver.Resolve(ctx, p)
		if err != nil {
			e.logger.Warn("target resolution failed", "path", p, "error", err)
			return e.conservative(fmt.Sprintf("could not resolve %s: %v", p, err))
		}
		targets = append(targets, t)
	}
	return e.assess(op, targets)
}

// Assess scores op against pre-resolved targets.
func (e *Engine) Assess(ctx context.Context, op Operation, targets []Target) (a *Assessment) {
	defer e.recoverConservative(&a)

	if err := ctx.Err(); err != nil {
		return e.conservative(err.Error())
	}
	return e.assess(op, targets)
}

func (e *Engine) recoverConservative(a **Assessment) {
	if r := recover(); r != nil {
		e.logger.Error("risk assessment panicked", "panic", r)
		*a = e.conservative(fmt.Sprintf("internal error: %v", r))
	}
}

func (e *Engine) assess(op Operation, targets []Target) *Assessment {
	factors := e.factors(op, targets)

	highs := lo.CountBy(factors, func(f Factor) bool { return f.Severity == SeverityHigh })
	level := LevelMinimal
	for _, f := range factors {
		if l := f.Severity.level(); l.Rank() > level.Rank() {
			level = l
		}
	}
	if highs >= 2 {
		level = LevelCritical
	}

	uncertain := lo.FilterMap(targets, func(t Target, _ int) (string, bool) {
		return t.Path, !t.Exists && op.Type != OpCreate
	})
	confidence := math.Max(minConfidence, baseConfidence-uncertaintyPenalty*float64(len(uncertain)))

	safety := SafetyFor(level)
	a := &Assessment{
		Level:                level,
		SafetyLevel:          safety,
		Confidence:           math.Round(confidence*100) / 100,
		AutomaticApproval:    safety == SafetySafe,
		RequiredApprovals:    RequiredApprovals(level),
		Factors:              factors,
		MitigationStrategies: mitigations(factors, level),
		Uncertainties:        uncertain,
	}

	assessmentsTotal.WithLabelValues(string(level)).Inc()
	e.logger.Debug("risk assessed",
		"operation", op.Type,
		"targets", len(targets),
		"level", level,
		"factors", len(factors),
		"confidence", a.Confidence)
	return a
}

func (e *Engine) factors(op Operation, targets []Target) []Factor {
	factors := []Factor{}

	if op.Type == OpDelete {
		factors = append(factors, Factor{
			Type:     FactorDeletion,
			Severity: SeverityHigh,
			Detail:   fmt.Sprintf("operation deletes %d file(s)", len(targets)),
		})
	} else if sys := lo.Filter(targets, func(t Target, _ int) bool { return fileclass.IsSystemFile(t.Path) }); len(sys) > 0 {
		// deleting a manifest is already scored by the deletion factor
		factors = append(factors, Factor{
			Type:     FactorSystemFile,
			Severity: SeverityHigh,
			Detail:   fmt.Sprintf("modifies system files: %v", targetPaths(sys)),
		})
	}

	if large := lo.Filter(targets, func(t Target, _ int) bool { return t.Size > e.largeFileThreshold }); len(large) > 0 {
		biggest := lo.MaxBy(large, func(a, b Target) bool { return a.Size > b.Size })
		factors = append(factors, Factor{
			Type:     FactorLargeFile,
			Severity: SeverityMedium,
			Detail: fmt.Sprintf("%d file(s) larger than %s, largest %s (%s)",
				len(large), humanize.IBytes(uint64(e.largeFileThreshold)), biggest.Path, humanize.IBytes(uint64(biggest.Size))),
		})
	}

	if n := len(lo.Uniq(targetPaths(targets))); n > 1 {
		factors = append(factors, Factor{
			Type:     FactorMultipleFiles,
			Severity: fanOutSeverity(n),
			Detail:   fmt.Sprintf("operation touches %d files", n),
		})
	}

	if deps := lo.Filter(targets, func(t Target, _ int) bool { return fileclass.IsDependencyManifest(t.Path) }); len(deps) > 0 {
		factors = append(factors, Factor{
			Type:     FactorDependencies,
			Severity: SeverityMedium,
			Detail:   fmt.Sprintf("touches dependency manifests: %v", targetPaths(deps)),
		})
	}

	return factors
}

func fanOutSeverity(n int) Severity {
	switch {
	case n > 10:
		return SeverityHigh
	case n > 5:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

func mitigations(factors []Factor, level Level) []string {
	var out []string
	for _, f := range factors {
		switch f.Type {
		case FactorDeletion:
			out = append(out, "create comprehensive backup before operation")
		case FactorSystemFile:
			out = append(out, "review system file changes manually", "verify the build after applying changes")
		case FactorLargeFile:
			out = append(out, "split large file changes into smaller steps")
		case FactorMultipleFiles:
			out = append(out, "apply changes incrementally and verify each step")
		case FactorDependencies:
			out = append(out, "reinstall dependencies and run the full test suite")
		}
	}
	if len(factors) > 0 {
		out = append(out, "validate all changes before applying")
	}
	if level.AtLeast(LevelHigh) {
		out = append(out, "require manual approval before execution")
	}
	return lo.Uniq(out)
}

// conservative is the most restrictive assessment, returned whenever the
// engine cannot score an operation.
func (e *Engine) conservative(reason string) *Assessment {
	conservativeTotal.Inc()
	assessmentsTotal.WithLabelValues(string(LevelHigh)).Inc()
	return Conservative(reason)
}

// Conservative returns the most restrictive assessment: high risk,
// dangerous, never auto-approved, confidence 0.1.
func Conservative(reason string) *Assessment {
	return &Assessment{
		Level:             LevelHigh,
		SafetyLevel:       SafetyDangerous,
		Confidence:        conservativeConfidence,
		AutomaticApproval: false,
		RequiredApprovals: RequiredApprovals(LevelHigh),
		Factors: []Factor{{
			Type:     FactorAssessmentError,
			Severity: SeverityHigh,
			Detail:   reason,
		}},
		MitigationStrategies: []string{
			"manually review the operation: risk could not be assessed",
			"require manual approval before execution",
		},
	}
}

func targetPaths(targets []Target) []string {
	return lo.Map(targets, func(t Target, _ int) string { return t.Path })
}
