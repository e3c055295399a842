// Package arena tracks the temporary paths created during one conversion run
// and removes all of them when the run ends, successful or not.
package arena

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

// Arena owns temporary paths. Release removes them in reverse creation order.
type Arena struct {
	baseDir  string
	paths    []string
	released bool
	logger   *slog.Logger
}

type Option func(*Arena)

// WithBaseDir places temp dirs under dir instead of os.TempDir().
func WithBaseDir(dir string) Option {
	return func(a *Arena) { a.baseDir = dir }
}

func WithLogger(logger *slog.Logger) Option {
	return func(a *Arena) { a.logger = logger }
}

func New(opts ...Option) *Arena {
	a := &Arena{logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// TempDir creates a fresh directory matching pattern and tracks it.
func (a *Arena) TempDir(pattern string) (string, error) {
	if a.released {
		return "", errors.New("arena already released")
	}
	dir, err := os.MkdirTemp(a.baseDir, pattern)
	if err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}
	a.paths = append(a.paths, dir)
	return dir, nil
}

// Track registers a path created elsewhere for removal on Release.
func (a *Arena) Track(path string) {
	a.paths = append(a.paths, path)
}

// Paths returns the tracked paths in creation order.
func (a *Arena) Paths() []string {
	out := make([]string, len(a.paths))
	copy(out, a.paths)
	return out
}

// Release removes every tracked path. Trees left read-only by layer content
// are made owner-writable and removed a second time. Calling Release more
// than once is a no-op.
func (a *Arena) Release(ctx context.Context) error {
	if a.released {
		return nil
	}
	a.released = true

	var errs []error
	for i := len(a.paths) - 1; i >= 0; i-- {
		path := a.paths[i]
		a.logger.DebugContext(ctx, "removing temp path", "path", path)
		if err := removeTree(path); err != nil {
			a.logger.WarnContext(ctx, "failed to remove temp path", "error", err, "path", path)
			errs = append(errs, fmt.Errorf("remove %s: %w", path, err))
		}
	}
	a.paths = nil

	return errors.Join(errs...)
}

func removeTree(path string) error {
	err := os.RemoveAll(path)
	if err == nil || !errors.Is(err, fs.ErrPermission) {
		return err
	}
	MakeWritable(path)
	return os.RemoveAll(path)
}

// MakeWritable adds owner rwx to every directory under root. Errors are
// ignored; the caller retries its own operation and reports that failure.
func MakeWritable(root string) {
	info, err := os.Lstat(root)
	if err != nil || !info.IsDir() {
		return
	}
	_ = os.Chmod(root, info.Mode().Perm()|0o700)

	entries, err := os.ReadDir(root)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			MakeWritable(filepath.Join(root, entry.Name()))
		}
	}
}
