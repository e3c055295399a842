package fs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/maxdollinger/docker2vm/pkg/archive"
	"golang.org/x/sys/unix"
)

// tree is a rootfs directory being mutated. Paths handed to it may use the
// root as given (alias) or its symlink-free form (real); both address the
// same files.
type tree struct {
	alias   string
	real    string
	journal *permissionJournal
}

func newTree(root string, journal *permissionJournal) (*tree, error) {
	alias, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve rootfs path: %w", err)
	}
	real, err := filepath.EvalSymlinks(alias)
	if err != nil {
		real = alias
	}
	return &tree{alias: alias, real: real, journal: journal}, nil
}

// canonical maps p onto the real root. ok is false when p lies outside the
// tree under both names.
func (t *tree) canonical(p string) (string, bool) {
	p = filepath.Clean(p)
	if archive.Within(t.real, p) {
		return p, true
	}
	if t.real != t.alias && archive.Within(t.alias, p) {
		rel, err := filepath.Rel(t.alias, p)
		if err != nil {
			return "", false
		}
		return filepath.Join(t.real, rel), true
	}
	return "", false
}

// ensureWritableChain widens the root and every directory between it and
// dir. The directory's real path is widened as well when dir goes through a
// symlink that stays inside the tree.
func (t *tree) ensureWritableChain(dir string) {
	t.widenChain(dir)
	if resolved, err := filepath.EvalSymlinks(dir); err == nil && resolved != filepath.Clean(dir) {
		t.widenChain(resolved)
	}
}

func (t *tree) widenChain(dir string) {
	dir, ok := t.canonical(dir)
	if !ok {
		return
	}

	t.journal.widen(t.real)
	rel, err := filepath.Rel(t.real, dir)
	if err != nil || rel == "." {
		return
	}

	current := t.real
	for _, segment := range strings.Split(rel, string(filepath.Separator)) {
		if segment == "" {
			continue
		}
		current = filepath.Join(current, segment)
		t.journal.widen(current)
	}
}

// widenSubtree widens p and every directory below it.
func (t *tree) widenSubtree(p string) {
	info, err := os.Lstat(p)
	if err != nil || !info.IsDir() {
		return
	}
	t.journal.widen(p)

	entries, err := os.ReadDir(p)
	if err != nil {
		return
	}
	for _, entry := range entries {
		t.widenSubtree(filepath.Join(p, entry.Name()))
	}
}

// remove deletes p recursively. A permission failure widens the subtree and
// retries once.
func (t *tree) remove(p string) error {
	if _, err := os.Lstat(p); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	t.ensureWritableChain(filepath.Dir(p))
	err := os.RemoveAll(p)
	if err == nil {
		return nil
	}
	if !errors.Is(err, unix.EACCES) && !errors.Is(err, unix.EPERM) {
		return fmt.Errorf("remove %s: %w", p, err)
	}

	t.widenSubtree(p)
	if err := os.RemoveAll(p); err != nil {
		return fmt.Errorf("remove %s: %w", p, err)
	}
	return nil
}

// mkdirAll creates dir and its parents. Existing directories on the way,
// dir included, are widened first.
func (t *tree) mkdirAll(dir string) error {
	t.ensureWritableChain(dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	return nil
}

func exists(p string) (bool, error) {
	_, err := os.Lstat(p)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}
