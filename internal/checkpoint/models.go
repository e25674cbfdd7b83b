// internal/checkpoint/models.go
package checkpoint

import (
	"time"
)

// Metadata describes why a checkpoint was taken
type Metadata struct {
	Phase              string   `json:"phase,omitempty"`
	Operation          string   `json:"operation,omitempty"`
	RiskLevel          string   `json:"risk_level,omitempty"`
	AffectedComponents []string `json:"affected_components,omitempty"`
	EstimatedImpact    string   `json:"estimated_impact,omitempty"`
}

// File is one backed-up file. OriginalHash is the digest of the file's
// bytes at backup time and of the (decompressed) blob at BackupLocation.
type File struct {
	Path           string    `json:"path"`
	OriginalHash   string    `json:"original_hash"`
	BackupLocation string    `json:"backup_location"`
	Size           int64     `json:"size"`
	LastModified   time.Time `json:"last_modified"`
	Mode           uint32    `json:"mode,omitempty"`
	Compressed     bool      `json:"compressed,omitempty"`
}

// Checkpoint is a named, timestamped snapshot of zero or more files.
// AbsentFiles lists targets that did not exist when the checkpoint was
// taken; restoring removes them again.
type Checkpoint struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Description string    `json:"description"`
	Files       []File    `json:"files"`
	AbsentFiles []string  `json:"absent_files,omitempty"`
	VCSMarker   string    `json:"vcs_marker,omitempty"`
	Metadata    Metadata  `json:"metadata"`
}

// BackupSize returns the total size of the backed-up files.
func (c *Checkpoint) BackupSize() int64 {
	var total int64
	for _, f := range c.Files {
		total += f.Size
	}
	return total
}

// File returns the backed-up entry for path.
func (c *Checkpoint) File(path string) (File, bool) {
	for _, f := range c.Files {
		if f.Path == path {
			return f, true
		}
	}
	return File{}, false
}

// Paths returns every path the checkpoint covers, backed up or absent.
func (c *Checkpoint) Paths() []string {
	paths := make([]string, 0, len(c.Files)+len(c.AbsentFiles))
	for _, f := range c.Files {
		paths = append(paths, f.Path)
	}
	return append(paths, c.AbsentFiles...)
}

func (c *Checkpoint) clone() *Checkpoint {
	cp := *c
	cp.Files = append([]File(nil), c.Files...)
	cp.AbsentFiles = append([]string(nil), c.AbsentFiles...)
	cp.Metadata.AffectedComponents = append([]string(nil), c.Metadata.AffectedComponents...)
	return &cp
}

// CreateResult represents the result of a checkpoint creation
type CreateResult struct {
	Success       bool     `json:"success"`
	CheckpointID  string   `json:"checkpoint_id,omitempty"`
	FilesBackedUp int      `json:"files_backed_up"`
	BackupSize    int64    `json:"backup_size"`
	Skipped       []string `json:"skipped,omitempty"`
	Warnings      []string `json:"warnings,omitempty"`
	Error         string   `json:"error,omitempty"`
}

// RestoreOptions select what a restore touches
type RestoreOptions struct {
	ForceOverwrite bool     `json:"force_overwrite"`
	DryRun         bool     `json:"dry_run"`
	SpecificFiles  []string `json:"specific_files,omitempty"`
}

// ReasonModified marks a file whose content changed after the checkpoint was taken.
const ReasonModified = "modified-since-checkpoint"

// Conflict is a file whose current content differs from the checkpoint
type Conflict struct {
	Path         string `json:"path"`
	Reason       string `json:"reason"`
	ExpectedHash string `json:"expected_hash"`
	ActualHash   string `json:"actual_hash"`
}

// RestoreResult represents the result of a restore. FilesUnchanged lists
// files that already matched the checkpoint and were left alone.
type RestoreResult struct {
	Success        bool       `json:"success"`
	CheckpointID   string     `json:"checkpoint_id"`
	DryRun         bool       `json:"dry_run,omitempty"`
	FilesRestored  []string   `json:"files_restored"`
	FilesRemoved   []string   `json:"files_removed,omitempty"`
	FilesUnchanged []string   `json:"files_unchanged,omitempty"`
	Conflicts      []Conflict `json:"conflicts,omitempty"`
	Errors         []string   `json:"errors,omitempty"`
	Warnings       []string   `json:"warnings,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// Merge folds other into r. Used when a restore runs in several steps.
func (r *RestoreResult) Merge(other *RestoreResult) {
	if other == nil {
		return
	}
	r.FilesRestored = append(r.FilesRestored, other.FilesRestored...)
	r.FilesRemoved = append(r.FilesRemoved, other.FilesRemoved...)
	r.FilesUnchanged = append(r.FilesUnchanged, other.FilesUnchanged...)
	r.Conflicts = append(r.Conflicts, other.Conflicts...)
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
	if other.Error != "" {
		r.Errors = append(r.Errors, other.Error)
	}
	r.Success = r.Success && other.Success
}

// FileChange describes how one path differs between two checkpoints
type FileChange struct {
	Path     string `json:"path"`
	FromHash string `json:"from_hash,omitempty"`
	ToHash   string `json:"to_hash,omitempty"`
	FromSize int64  `json:"from_size,omitempty"`
	ToSize   int64  `json:"to_size,omitempty"`
}

// CheckpointDiff compares the files recorded by two checkpoints
type CheckpointDiff struct {
	FromCheckpointID string       `json:"from_checkpoint_id"`
	ToCheckpointID   string       `json:"to_checkpoint_id"`
	Modified         []FileChange `json:"modified_files"`
	Added            []FileChange `json:"added_files"`
	Deleted          []FileChange `json:"deleted_files"`
}
