// Package preview renders proposed file changes as unified diffs and scans
// the new content for security anti-patterns.
package preview

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/samber/lo"

	"safemod/internal/fileclass"
	"safemod/internal/logging"
)

// DefaultContextLines is the number of unchanged lines around each hunk.
const DefaultContextLines = 3

// Recommendations.
const (
	RecommendReview        = "review all changes carefully before applying"
	RecommendReinstall     = "reinstall dependencies after applying changes"
	RecommendRunTests      = "run tests after applying code changes"
	RecommendSecurity      = "resolve security warnings before applying changes"
	RecommendVerifyBinary  = "verify binary file changes manually"
	RecommendCheckDeletion = "confirm deleted files are no longer referenced"
)

// Options configure an Engine.
type Options struct {
	ContextLines int
	Logger       *slog.Logger
}

// Engine generates change previews. It is stateless.
type Engine struct {
	contextLines int
	logger       *slog.Logger
}

// NewEngine creates an Engine.
func NewEngine(opts Options) *Engine {
	if opts.ContextLines <= 0 {
		opts.ContextLines = DefaultContextLines
	}
	return &Engine{
		contextLines: opts.ContextLines,
		logger:       logging.OrDefault(opts.Logger).With("component", "preview.Engine"),
	}
}

// GeneratePreview diffs every change and scans new text content.
func (e *Engine) GeneratePreview(ctx context.Context, operation string, changes []Change) *ChangePreview {
	p := &ChangePreview{
		Operation:       operation,
		Diffs:           []FileDiff{},
		PotentialIssues: []Issue{},
	}

	for _, c := range changes {
		if err := ctx.Err(); err != nil {
			e.logger.Warn("preview cancelled", "error", err)
			p.PotentialIssues = append(p.PotentialIssues, Issue{
				Type:     "preview_incomplete",
				Severity: SeverityWarning,
				Detail:   fmt.Sprintf("preview stopped after %d of %d files: %v", len(p.Diffs), len(changes), err),
			})
			break
		}

		fd := e.fileDiff(c)
		p.Diffs = append(p.Diffs, fd)

		switch fd.ChangeType {
		case ChangeAdded:
			p.Summary.NewFiles++
		case ChangeDeleted:
			p.Summary.DeletedFiles++
		default:
			p.Summary.ModifiedFiles++
		}
		p.Summary.AddedLines += fd.Additions
		p.Summary.RemovedLines += fd.Deletions

		if fd.IsBinary {
			p.PotentialIssues = append(p.PotentialIssues, Issue{
				Type:     IssueBinaryChange,
				Severity: SeverityInfo,
				Detail:   fmt.Sprintf("binary content in %s cannot be previewed", c.FilePath),
				FilePath: c.FilePath,
			})
		} else if fd.ChangeType != ChangeDeleted && len(c.New) > 0 {
			p.PotentialIssues = append(p.PotentialIssues, scanContent(c.FilePath, c.New)...)
		}
	}
	p.Summary.TotalFiles = len(p.Diffs)
	p.Recommendations = recommendations(p)

	e.logger.Debug("preview generated",
		"files", p.Summary.TotalFiles,
		"added_lines", p.Summary.AddedLines,
		"removed_lines", p.Summary.RemovedLines,
		"issues", len(p.PotentialIssues))
	return p
}

func (e *Engine) fileDiff(c Change) FileDiff {
	fd := FileDiff{FilePath: c.FilePath, ChangeType: changeType(c)}

	original, updated := c.Original, c.New
	if fd.ChangeType == ChangeDeleted {
		updated = nil
	}

	if IsBinary(original) || IsBinary(updated) {
		fd.IsBinary = true
		fd.DiffText = binaryPlaceholder(c.FilePath, fd.ChangeType)
		return fd
	}

	text, additions, deletions, err := unifiedDiff(c.FilePath, original, updated, e.contextLines)
	if err != nil {
		e.logger.Warn("failed to render diff", "path", c.FilePath, "error", err)
	}
	fd.DiffText = text
	fd.Additions = additions
	fd.Deletions = deletions
	return fd
}

func changeType(c Change) ChangeType {
	switch {
	case c.Operation == OpDelete:
		return ChangeDeleted
	case c.Original == nil && c.New != nil:
		return ChangeAdded
	case c.Original != nil && c.New == nil:
		return ChangeDeleted
	case c.Original == nil && c.Operation == OpCreate:
		return ChangeAdded
	default:
		return ChangeModified
	}
}

func binaryPlaceholder(path string, ct ChangeType) string {
	switch ct {
	case ChangeAdded:
		return fmt.Sprintf("Binary file %s added", path)
	case ChangeDeleted:
		return fmt.Sprintf("Binary file %s deleted", path)
	default:
		return fmt.Sprintf("Binary file %s differs", path)
	}
}

func recommendations(p *ChangePreview) []string {
	var out []string
	if lo.ContainsBy(p.Diffs, func(d FileDiff) bool { return fileclass.IsDependencyManifest(d.FilePath) }) {
		out = append(out, RecommendReinstall)
	}
	if lo.ContainsBy(p.Diffs, func(d FileDiff) bool { return fileclass.IsSourceFile(d.FilePath) }) {
		out = append(out, RecommendRunTests)
	}
	if lo.ContainsBy(p.PotentialIssues, func(i Issue) bool { return i.Severity == SeverityWarning }) {
		out = append(out, RecommendSecurity)
	}
	if lo.ContainsBy(p.Diffs, func(d FileDiff) bool { return d.IsBinary }) {
		out = append(out, RecommendVerifyBinary)
	}
	if p.Summary.DeletedFiles > 0 {
		out = append(out, RecommendCheckDeletion)
	}
	return append(out, RecommendReview)
}

// LoadChanges builds changes for paths, reading the current content from
// disk. newContent supplies the proposed bytes per path; for non-delete
// operations a path without proposed content keeps its current bytes.
func LoadChanges(op Operation, paths []string, newContent map[string][]byte) ([]Change, error) {
	changes := make([]Change, 0, len(paths))
	for _, path := range paths {
		c := Change{FilePath: path, Operation: op}

		original, err := os.ReadFile(path)
		switch {
		case err == nil:
			c.Original = original
		case errors.Is(err, fs.ErrNotExist):
		default:
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		if op != OpDelete {
			if content, ok := newContent[path]; ok {
				c.New = content
				if c.New == nil {
					c.New = []byte{}
				}
			} else if c.Original != nil {
				c.New = c.Original
			} else {
				c.New = []byte{}
			}
		}
		changes = append(changes, c)
	}
	return changes, nil
}
