package risk

import (
	"context"
	"errors"
	"io/fs"
	"os"

	"safemod/internal/fileclass"
)

// TargetResolver supplies the metadata of a path.
type TargetResolver interface {
	Resolve(ctx context.Context, path string) (Target, error)
}

// ResolverFunc adapts a function to TargetResolver.
type ResolverFunc func(ctx context.Context, path string) (Target, error)

func (f ResolverFunc) Resolve(ctx context.Context, path string) (Target, error) {
	return f(ctx, path)
}

// FSResolver resolves targets with stat calls on the local filesystem.
type FSResolver struct{}

// Resolve stats path. A missing path resolves to Exists=false, not an error.
func (FSResolver) Resolve(ctx context.Context, path string) (Target, error) {
	if err := ctx.Err(); err != nil {
		return Target{}, err
	}

	t := Target{Path: path, Language: fileclass.Language(path)}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return t, nil
		}
		return Target{}, err
	}

	t.Exists = true
	t.LastModified = info.ModTime()
	if !info.IsDir() {
		t.Size = info.Size()
	}
	return t, nil
}
