package git

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"safemod/internal/logging"
)

// Bridge records and reverts source-control markers for checkpoints.
// Every method is best effort: callers log failures and carry on.
type Bridge interface {
	// CreateMarker records the current HEAD under name and returns the marker reference.
	CreateMarker(ctx context.Context, name string) (string, error)

	// RevertToMarker moves tracked state back to marker.
	RevertToMarker(ctx context.Context, marker string) error

	// DeleteMarker removes a marker created by CreateMarker.
	DeleteMarker(ctx context.Context, marker string) error
}

// NoopBridge is used when the project is not under source control.
type NoopBridge struct{}

func (NoopBridge) CreateMarker(context.Context, string) (string, error) { return "", nil }
func (NoopBridge) RevertToMarker(context.Context, string) error         { return nil }
func (NoopBridge) DeleteMarker(context.Context, string) error           { return nil }

// TagBridge keeps markers as lightweight tags pointing at HEAD.
type TagBridge struct {
	repo   *Repo
	mu     sync.Mutex
	logger *slog.Logger
}

// NewBridge returns a TagBridge for the repository containing path, or a
// NoopBridge when path is not inside a repository.
func NewBridge(path string, logger *slog.Logger) Bridge {
	logger = logging.OrDefault(logger).With("component", "git.Bridge")

	repo, err := Open(path)
	if err != nil {
		if !errors.Is(err, ErrNotRepository) {
			logger.Warn("source control disabled", "path", path, "error", err)
		}
		return NoopBridge{}
	}
	return &TagBridge{repo: repo, logger: logger}
}

// CreateMarker tags HEAD with name. An empty repository has no HEAD and
// yields an error.
func (b *TagBridge) CreateMarker(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	head, err := b.repo.repo.Head()
	if err != nil {
		return "", fmt.Errorf("resolve HEAD: %w", err)
	}
	if _, err := b.repo.repo.CreateTag(name, head.Hash(), nil); err != nil {
		return "", fmt.Errorf("create tag %s: %w", name, err)
	}
	b.logger.Debug("marker created", "marker", name, "head", head.Hash().String())
	return name, nil
}

// RevertToMarker soft-resets HEAD to the tagged commit. The work tree is
// left alone; file contents are restored from backups.
func (b *TagBridge) RevertToMarker(ctx context.Context, marker string) error {
	if marker == "" {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	ref, err := b.repo.repo.Tag(marker)
	if err != nil {
		return fmt.Errorf("resolve marker %s: %w", marker, err)
	}
	target := ref.Hash()

	head, err := b.repo.repo.Head()
	if err == nil && head.Hash() == target {
		return nil
	}

	wt, err := b.repo.repo.Worktree()
	if err != nil {
		return fmt.Errorf("get worktree: %w", err)
	}
	if err := wt.Reset(&git.ResetOptions{Commit: target, Mode: git.SoftReset}); err != nil {
		return fmt.Errorf("reset to %s: %w", marker, err)
	}
	b.logger.Info("reverted to marker", "marker", marker, "commit", target.String())
	return nil
}

// DeleteMarker removes the marker tag. A tag that is already gone is not an error.
func (b *TagBridge) DeleteMarker(ctx context.Context, marker string) error {
	if marker == "" {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.repo.repo.DeleteTag(marker); err != nil && !errors.Is(err, git.ErrTagNotFound) {
		return fmt.Errorf("delete tag %s: %w", marker, err)
	}
	return nil
}

// markerCommit returns the commit a marker points at.
func (b *TagBridge) markerCommit(marker string) (plumbing.Hash, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ref, err := b.repo.repo.Tag(marker)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	return ref.Hash(), nil
}
