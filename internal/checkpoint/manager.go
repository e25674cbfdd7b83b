// internal/checkpoint/manager.go
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"safemod/internal/contenthash"
	"safemod/internal/eventhub"
	"safemod/internal/keylock"
	"safemod/internal/logging"
)

// ErrInvalidInput is returned for malformed requests.
var ErrInvalidInput = errors.New("invalid input")

// VCSBridge records source-control markers for checkpoints. Failures are
// logged and never fail a checkpoint operation.
type VCSBridge interface {
	CreateMarker(ctx context.Context, name string) (string, error)
	RevertToMarker(ctx context.Context, marker string) error
	DeleteMarker(ctx context.Context, marker string) error
}

// Index mirrors checkpoint metadata into a queryable store.
type Index interface {
	PutCheckpoint(ctx context.Context, cp *Checkpoint) error
	DeleteCheckpoint(ctx context.Context, id string) error
	ReplaceCheckpoints(ctx context.Context, cps []*Checkpoint) error
}

// Options configure a Manager.
type Options struct {
	BaseDir          string
	MaxCheckpoints   int
	Compress         bool
	CompressionLevel int
	// Concurrency bounds parallel file backups. Zero means 8.
	Concurrency int

	Bridge VCSBridge
	Index  Index
	Hub    *eventhub.EventHub
	Logger *slog.Logger
}

// Manager creates, restores and retires checkpoints.
type Manager struct {
	storage        *Storage
	registry       *registry
	locks          *keylock.Map
	bridge         VCSBridge
	index          Index
	hub            *eventhub.EventHub
	logger         *slog.Logger
	maxCheckpoints int
	concurrency    int
}

type noopBridge struct{}

func (noopBridge) CreateMarker(context.Context, string) (string, error) { return "", nil }
func (noopBridge) RevertToMarker(context.Context, string) error         { return nil }
func (noopBridge) DeleteMarker(context.Context, string) error           { return nil }

// NewManager opens the checkpoint store under opts.BaseDir and loads the
// checkpoints already persisted there.
func NewManager(ctx context.Context, opts Options) (*Manager, error) {
	if opts.BaseDir == "" {
		return nil, fmt.Errorf("%w: base dir is required", ErrInvalidInput)
	}
	if opts.CompressionLevel == 0 {
		opts.CompressionLevel = 3
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if opts.Bridge == nil {
		opts.Bridge = noopBridge{}
	}

	storage, err := NewStorage(opts.BaseDir, opts.Compress, opts.CompressionLevel)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		storage:        storage,
		registry:       newRegistry(),
		locks:          keylock.New(),
		bridge:         opts.Bridge,
		index:          opts.Index,
		hub:            opts.Hub,
		logger:         logging.OrDefault(opts.Logger).With("component", "checkpoint.Manager"),
		maxCheckpoints: opts.MaxCheckpoints,
		concurrency:    opts.Concurrency,
	}

	if err := m.load(ctx); err != nil {
		storage.Close()
		return nil, err
	}
	return m, nil
}

// load registers persisted checkpoints oldest first and resyncs the index.
func (m *Manager) load(ctx context.Context) error {
	checkpoints, orphans, err := m.storage.List()
	if err != nil {
		return fmt.Errorf("list checkpoints: %w", err)
	}

	for _, id := range orphans {
		m.logger.Warn("removing incomplete checkpoint", "checkpoint_id", id)
		if err := os.RemoveAll(m.storage.checkpointDir(id)); err != nil {
			m.logger.Warn("failed to remove incomplete checkpoint", "checkpoint_id", id, "error", err)
		}
	}

	sort.SliceStable(checkpoints, func(i, j int) bool {
		return checkpoints[i].Timestamp.Before(checkpoints[j].Timestamp)
	})
	for _, cp := range checkpoints {
		m.registry.put(cp, false)
	}

	if m.index != nil {
		if err := m.index.ReplaceCheckpoints(ctx, checkpoints); err != nil {
			m.logger.Warn("failed to rebuild checkpoint index", "error", err)
		}
	}

	m.enforceRetention(ctx)
	m.logger.Debug("checkpoints loaded", "count", m.registry.len())
	return nil
}

// Close releases storage resources.
func (m *Manager) Close() error {
	return m.storage.Close()
}

type backupOutcome struct {
	file   *File
	absent bool
	err    error
}

// CreateCheckpoint backs up paths into a new checkpoint.
//
// Missing paths are recorded as absent rather than failing: they are
// targets the operation is about to create. A file that cannot be read or
// copied is skipped with a warning. Creation fails only when no file at
// all could be backed up while at least one backup failed, or when the
// metadata record cannot be persisted.
func (m *Manager) CreateCheckpoint(ctx context.Context, description string, paths []string, metadata Metadata) (*CreateResult, error) {
	return m.createCheckpoint(ctx, description, paths, metadata, false)
}

// CreatePinnedCheckpoint creates a checkpoint that retention leaves alone
// until Unpin releases it. Pins live in memory only.
func (m *Manager) CreatePinnedCheckpoint(ctx context.Context, description string, paths []string, metadata Metadata) (*CreateResult, error) {
	return m.createCheckpoint(ctx, description, paths, metadata, true)
}

// Unpin makes a pinned checkpoint subject to retention again and applies
// retention right away.
func (m *Manager) Unpin(ctx context.Context, id string) {
	if !m.registry.unpin(id) {
		return
	}
	m.logger.Debug("checkpoint unpinned", "checkpoint_id", id)
	m.enforceRetention(ctx)
}

func (m *Manager) createCheckpoint(ctx context.Context, description string, paths []string, metadata Metadata, pinned bool) (*CreateResult, error) {
	if strings.TrimSpace(description) == "" {
		return nil, fmt.Errorf("%w: description is required", ErrInvalidInput)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: at least one path is required", ErrInvalidInput)
	}
	absPaths, err := absolutePaths(paths)
	if err != nil {
		return nil, err
	}

	id := GenerateID()
	unlock := m.locks.Lock(id)
	result, cp := m.create(ctx, id, description, absPaths, metadata, pinned)
	unlock()

	if !result.Success {
		checkpointsCreated.WithLabelValues("failed").Inc()
		return result, nil
	}

	checkpointsCreated.WithLabelValues("success").Inc()
	backupBytes.Add(float64(result.BackupSize))
	m.hub.EmitCheckpointChanged(eventhub.CheckpointChangedEvent{
		CheckpointID: cp.ID,
		Action:       "created",
		Files:        len(cp.Files),
	})
	m.logger.Info("checkpoint created",
		"checkpoint_id", cp.ID,
		"files", result.FilesBackedUp,
		"absent", len(cp.AbsentFiles),
		"size", humanize.Bytes(uint64(result.BackupSize)))

	m.enforceRetention(ctx)
	return result, nil
}

func (m *Manager) create(ctx context.Context, id, description string, paths []string, metadata Metadata, pinned bool) (*CreateResult, *Checkpoint) {
	cp := &Checkpoint{
		ID:          id,
		Timestamp:   time.Now(),
		Description: description,
		Files:       []File{},
		Metadata:    metadata,
	}
	result := &CreateResult{CheckpointID: id}

	outcomes := make([]backupOutcome, len(paths))
	var g errgroup.Group
	g.SetLimit(m.concurrency)
	for i, path := range paths {
		g.Go(func() error {
			outcomes[i] = m.backupFile(ctx, id, path)
			return nil
		})
	}
	g.Wait()

	failures := 0
	for i, o := range outcomes {
		switch {
		case o.err != nil:
			failures++
			m.logger.Warn("failed to back up file", "checkpoint_id", id, "path", paths[i], "error", o.err)
			result.Warnings = append(result.Warnings, fmt.Sprintf("failed to back up %s: %v", paths[i], o.err))
		case o.absent:
			m.logger.Debug("target does not exist, recording intent", "checkpoint_id", id, "path", paths[i])
			cp.AbsentFiles = append(cp.AbsentFiles, paths[i])
			result.Skipped = append(result.Skipped, paths[i])
		default:
			cp.Files = append(cp.Files, *o.file)
			result.FilesBackedUp++
			result.BackupSize += o.file.Size
		}
	}

	fail := func(msg string) (*CreateResult, *Checkpoint) {
		if err := os.RemoveAll(m.storage.checkpointDir(id)); err != nil {
			m.logger.Warn("failed to clean up checkpoint", "checkpoint_id", id, "error", err)
		}
		m.logger.Error("checkpoint creation failed", "checkpoint_id", id, "error", msg)
		result.Success = false
		result.Error = msg
		result.FilesBackedUp = 0
		result.BackupSize = 0
		return result, nil
	}

	if err := ctx.Err(); err != nil {
		return fail(fmt.Sprintf("checkpoint creation cancelled: %v", err))
	}
	if result.FilesBackedUp == 0 && failures > 0 {
		return fail(fmt.Sprintf("no files could be backed up (%d failed)", failures))
	}

	marker, err := m.bridge.CreateMarker(ctx, "safemod-"+id)
	if err != nil {
		m.logger.Warn("failed to create source control marker", "checkpoint_id", id, "error", err)
		result.Warnings = append(result.Warnings, fmt.Sprintf("source control marker not created: %v", err))
	}
	cp.VCSMarker = marker

	if err := m.storage.SaveMetadata(cp); err != nil {
		if marker != "" {
			if derr := m.bridge.DeleteMarker(ctx, marker); derr != nil {
				m.logger.Warn("failed to delete source control marker", "marker", marker, "error", derr)
			}
		}
		return fail(err.Error())
	}

	if m.index != nil {
		if err := m.index.PutCheckpoint(ctx, cp); err != nil {
			m.logger.Warn("failed to index checkpoint", "checkpoint_id", id, "error", err)
		}
	}
	m.registry.put(cp, pinned)

	result.Success = true
	return result, cp
}

// backupFile copies one target into the checkpoint's blob directory.
func (m *Manager) backupFile(ctx context.Context, id, path string) backupOutcome {
	if err := ctx.Err(); err != nil {
		return backupOutcome{err: err}
	}

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return backupOutcome{absent: true}
		}
		return backupOutcome{err: err}
	}
	if info.IsDir() {
		return backupOutcome{err: fmt.Errorf("%s is a directory", path)}
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return backupOutcome{err: err}
	}
	hash := contenthash.Sum(content)

	location, compressed, err := m.storage.WriteBlob(id, path, content, hash)
	if err != nil {
		return backupOutcome{err: fmt.Errorf("write backup: %w", err)}
	}

	return backupOutcome{file: &File{
		Path:           path,
		OriginalHash:   hash,
		BackupLocation: location,
		Size:           int64(len(content)),
		LastModified:   info.ModTime(),
		Mode:           uint32(info.Mode().Perm()),
		Compressed:     compressed,
	}}
}

// RestoreCheckpoint writes the checkpoint's files back to disk.
//
// A file whose current hash differs from the checkpoint is a conflict and
// is left untouched unless ForceOverwrite is set. A file that no longer
// exists is always restored. Absent targets that now exist are removed.
// Writes are atomic per file. When no SpecificFiles filter is given the
// source control marker is reverted as well, best effort.
func (m *Manager) RestoreCheckpoint(ctx context.Context, id string, opts RestoreOptions) *RestoreResult {
	result := &RestoreResult{
		CheckpointID:  id,
		DryRun:        opts.DryRun,
		FilesRestored: []string{},
	}

	unlock := m.locks.Lock(id)
	defer unlock()

	cp, ok := m.registry.get(id)
	if !ok {
		result.Error = fmt.Sprintf("checkpoint %s not found", id)
		return result
	}

	filter, err := absolutePaths(opts.SpecificFiles)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	wanted := lo.SliceToMap(filter, func(p string) (string, bool) { return p, true })
	for _, p := range filter {
		if _, ok := cp.File(p); !ok && !lo.Contains(cp.AbsentFiles, p) {
			result.Errors = append(result.Errors, fmt.Sprintf("%s is not part of checkpoint %s", p, id))
		}
	}
	selected := func(p string) bool { return len(wanted) == 0 || wanted[p] }

	for _, f := range cp.Files {
		if !selected(f.Path) {
			continue
		}
		if err := ctx.Err(); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("restore cancelled: %v", err))
			break
		}
		m.restoreFile(f, opts, result)
	}

	for _, p := range cp.AbsentFiles {
		if !selected(p) {
			continue
		}
		if err := ctx.Err(); err != nil {
			break
		}
		m.removeIntent(p, opts, result)
	}

	if cp.VCSMarker != "" && len(wanted) == 0 && !opts.DryRun {
		if err := m.bridge.RevertToMarker(ctx, cp.VCSMarker); err != nil {
			m.logger.Warn("failed to revert source control marker", "checkpoint_id", id, "marker", cp.VCSMarker, "error", err)
			result.Warnings = append(result.Warnings, fmt.Sprintf("source control revert failed: %v", err))
		}
	}

	result.Success = len(result.Errors) == 0 && len(result.Conflicts) == 0
	if len(result.Conflicts) > 0 {
		result.Error = fmt.Sprintf("%d file(s) modified since checkpoint", len(result.Conflicts))
	} else if len(result.Errors) > 0 {
		result.Error = result.Errors[0]
	}

	if !opts.DryRun {
		m.hub.EmitCheckpointChanged(eventhub.CheckpointChangedEvent{
			CheckpointID: id,
			Action:       "restored",
			Files:        len(result.FilesRestored) + len(result.FilesRemoved),
		})
	}
	m.logger.Info("checkpoint restored",
		"checkpoint_id", id,
		"dry_run", opts.DryRun,
		"restored", len(result.FilesRestored),
		"removed", len(result.FilesRemoved),
		"conflicts", len(result.Conflicts),
		"errors", len(result.Errors))
	return result
}

func (m *Manager) restoreFile(f File, opts RestoreOptions, result *RestoreResult) {
	current, err := os.ReadFile(f.Path)
	switch {
	case err == nil:
		actual := contenthash.Sum(current)
		if contenthash.Equal(actual, f.OriginalHash) {
			filesRestored.WithLabelValues("unchanged").Inc()
			result.FilesUnchanged = append(result.FilesUnchanged, f.Path)
			return
		}
		if !opts.ForceOverwrite {
			filesRestored.WithLabelValues("conflict").Inc()
			m.logger.Warn("restore conflict", "path", f.Path, "reason", ReasonModified)
			result.Conflicts = append(result.Conflicts, Conflict{
				Path:         f.Path,
				Reason:       ReasonModified,
				ExpectedHash: f.OriginalHash,
				ActualHash:   actual,
			})
			return
		}
	case errors.Is(err, fs.ErrNotExist):
		// restorable unconditionally
	default:
		filesRestored.WithLabelValues("error").Inc()
		result.Errors = append(result.Errors, fmt.Sprintf("read %s: %v", f.Path, err))
		return
	}

	if opts.DryRun {
		result.FilesRestored = append(result.FilesRestored, f.Path)
		return
	}

	data, err := m.storage.ReadBlob(f)
	if err != nil {
		filesRestored.WithLabelValues("error").Inc()
		result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", f.Path, err))
		return
	}

	perm := os.FileMode(f.Mode).Perm()
	if perm == 0 {
		perm = 0644
	}
	if err := os.MkdirAll(filepath.Dir(f.Path), 0755); err != nil {
		filesRestored.WithLabelValues("error").Inc()
		result.Errors = append(result.Errors, fmt.Sprintf("create dir for %s: %v", f.Path, err))
		return
	}
	if err := writeFileAtomic(f.Path, data, perm, m.storage.beforeRename); err != nil {
		filesRestored.WithLabelValues("error").Inc()
		m.logger.Error("failed to restore file", "path", f.Path, "error", err)
		result.Errors = append(result.Errors, fmt.Sprintf("restore %s: %v", f.Path, err))
		return
	}

	filesRestored.WithLabelValues("restored").Inc()
	result.FilesRestored = append(result.FilesRestored, f.Path)
}

// removeIntent returns a path that did not exist at checkpoint time to
// its nonexistent state.
func (m *Manager) removeIntent(path string, opts RestoreOptions, result *RestoreResult) {
	info, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			filesRestored.WithLabelValues("unchanged").Inc()
			result.FilesUnchanged = append(result.FilesUnchanged, path)
			return
		}
		filesRestored.WithLabelValues("error").Inc()
		result.Errors = append(result.Errors, fmt.Sprintf("stat %s: %v", path, err))
		return
	}
	if info.IsDir() {
		filesRestored.WithLabelValues("error").Inc()
		result.Errors = append(result.Errors, fmt.Sprintf("%s is now a directory, not removing", path))
		return
	}

	if !opts.DryRun {
		if err := os.Remove(path); err != nil {
			filesRestored.WithLabelValues("error").Inc()
			result.Errors = append(result.Errors, fmt.Sprintf("remove %s: %v", path, err))
			return
		}
	}
	filesRestored.WithLabelValues("removed").Inc()
	result.FilesRemoved = append(result.FilesRemoved, path)
}

// RevertVCS reverts the checkpoint's source control marker, if it has one.
func (m *Manager) RevertVCS(ctx context.Context, id string) error {
	cp, ok := m.GetCheckpoint(id)
	if !ok {
		return fmt.Errorf("checkpoint %s not found", id)
	}
	if cp.VCSMarker == "" {
		return nil
	}
	return m.bridge.RevertToMarker(ctx, cp.VCSMarker)
}

// GetCheckpoints returns all checkpoints, newest first.
func (m *Manager) GetCheckpoints() []*Checkpoint {
	return lo.Map(m.registry.newestFirst(), func(cp *Checkpoint, _ int) *Checkpoint {
		return cp.clone()
	})
}

// GetCheckpoint returns a copy of one checkpoint.
func (m *Manager) GetCheckpoint(id string) (*Checkpoint, bool) {
	cp, ok := m.registry.get(id)
	if !ok {
		return nil, false
	}
	return cp.clone(), true
}

// DeleteCheckpoint removes a checkpoint's blobs and then its metadata.
// Blob deletion failures are logged and do not stop metadata removal.
func (m *Manager) DeleteCheckpoint(ctx context.Context, id string) bool {
	unlock := m.locks.Lock(id)
	defer unlock()

	cp, ok := m.registry.get(id)
	if !ok {
		return false
	}

	for _, err := range m.storage.RemoveBlobs(cp) {
		m.logger.Warn("failed to remove backup blob", "checkpoint_id", id, "error", err)
	}
	if err := m.storage.RemoveCheckpoint(id); err != nil {
		m.logger.Error("failed to remove checkpoint metadata", "checkpoint_id", id, "error", err)
		return false
	}
	m.registry.remove(id)

	if m.index != nil {
		if err := m.index.DeleteCheckpoint(ctx, id); err != nil {
			m.logger.Warn("failed to remove checkpoint from index", "checkpoint_id", id, "error", err)
		}
	}
	if cp.VCSMarker != "" {
		if err := m.bridge.DeleteMarker(ctx, cp.VCSMarker); err != nil {
			m.logger.Warn("failed to delete source control marker", "marker", cp.VCSMarker, "error", err)
		}
	}

	checkpointsDeleted.Inc()
	m.hub.EmitCheckpointChanged(eventhub.CheckpointChangedEvent{
		CheckpointID: id,
		Action:       "deleted",
		Files:        len(cp.Files),
	})
	m.logger.Info("checkpoint deleted", "checkpoint_id", id)
	return true
}

// enforceRetention deletes the oldest unpinned checkpoints beyond the
// configured maximum.
func (m *Manager) enforceRetention(ctx context.Context) int {
	deleted := 0
	for _, id := range m.registry.oldestBeyond(m.maxCheckpoints) {
		if m.DeleteCheckpoint(ctx, id) {
			deleted++
		}
	}
	if deleted > 0 {
		m.logger.Info("retention cleanup", "deleted", deleted, "max", m.maxCheckpoints)
	}
	if n := m.registry.len(); m.maxCheckpoints > 0 && n > m.maxCheckpoints {
		m.logger.Warn("checkpoints remain over retention limit",
			"count", n, "max", m.maxCheckpoints)
	}
	return deleted
}

// Verify re-hashes every blob of a checkpoint and reports files whose
// backup no longer matches its recorded hash.
func (m *Manager) Verify(id string) ([]string, error) {
	cp, ok := m.GetCheckpoint(id)
	if !ok {
		return nil, fmt.Errorf("checkpoint %s not found", id)
	}

	var problems []string
	for _, f := range cp.Files {
		if _, err := m.storage.ReadBlob(f); err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", f.Path, err))
		}
	}
	return problems, nil
}

// Diff compares the files recorded by two checkpoints.
func (m *Manager) Diff(fromID, toID string) (*CheckpointDiff, error) {
	from, ok := m.GetCheckpoint(fromID)
	if !ok {
		return nil, fmt.Errorf("checkpoint %s not found", fromID)
	}
	to, ok := m.GetCheckpoint(toID)
	if !ok {
		return nil, fmt.Errorf("checkpoint %s not found", toID)
	}

	fromMap := lo.KeyBy(from.Files, func(f File) string { return f.Path })
	toMap := lo.KeyBy(to.Files, func(f File) string { return f.Path })

	diff := &CheckpointDiff{FromCheckpointID: fromID, ToCheckpointID: toID}

	// Find modified and deleted files
	for path, fromFile := range fromMap {
		if toFile, exists := toMap[path]; exists {
			if fromFile.OriginalHash != toFile.OriginalHash {
				diff.Modified = append(diff.Modified, FileChange{
					Path:     path,
					FromHash: fromFile.OriginalHash,
					ToHash:   toFile.OriginalHash,
					FromSize: fromFile.Size,
					ToSize:   toFile.Size,
				})
			}
		} else {
			diff.Deleted = append(diff.Deleted, FileChange{Path: path, FromHash: fromFile.OriginalHash, FromSize: fromFile.Size})
		}
	}

	// Find added files
	for path, toFile := range toMap {
		if _, exists := fromMap[path]; !exists {
			diff.Added = append(diff.Added, FileChange{Path: path, ToHash: toFile.OriginalHash, ToSize: toFile.Size})
		}
	}

	byPath := func(s []FileChange) {
		sort.Slice(s, func(i, j int) bool { return s[i].Path < s[j].Path })
	}
	byPath(diff.Modified)
	byPath(diff.Added)
	byPath(diff.Deleted)
	return diff, nil
}

func absolutePaths(paths []string) ([]string, error) {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			return nil, fmt.Errorf("%w: empty path", ErrInvalidInput)
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", p, err)
		}
		out = append(out, abs)
	}
	return lo.Uniq(out), nil
}
