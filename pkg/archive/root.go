package archive

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/maxdollinger/docker2vm/pkg/issue"
)

// ResolveInsideRoot joins a sanitized relative path onto root and fails with
// ErrPathTraversal when the result lands outside root.
func ResolveInsideRoot(root, rel string) (string, error) {
	cleanRoot := filepath.Clean(root)
	target := filepath.Join(cleanRoot, filepath.FromSlash(rel))
	if !Within(cleanRoot, target) {
		return "", issue.New(issue.KindSecurity, ErrPathTraversal,
			fmt.Sprintf("refusing path outside extraction root: %s", rel),
			"The archive appears to contain a path traversal entry.")
	}
	return target, nil
}

// EnsureParentsAreNotSymlinks walks every existing ancestor of target below
// root and fails with ErrSymlinkParent when one of them is a symlink. The
// final path component itself is not checked.
func EnsureParentsAreNotSymlinks(root, target string) error {
	cleanRoot := filepath.Clean(root)
	cleanTarget := filepath.Clean(target)
	if !Within(cleanRoot, cleanTarget) {
		return issue.New(issue.KindSecurity, ErrPathTraversal,
			fmt.Sprintf("refusing path outside extraction root: %s", target),
			"The archive appears to contain a path traversal entry.")
	}

	rel, err := filepath.Rel(cleanRoot, cleanTarget)
	if err != nil || rel == "." {
		return nil
	}

	parts := strings.Split(rel, string(filepath.Separator))
	current := cleanRoot
	for _, part := range parts[:len(parts)-1] {
		current = filepath.Join(current, part)

		info, err := os.Lstat(current)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return fmt.Errorf("lstat %s: %w", current, err)
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return issue.New(issue.KindSecurity, ErrSymlinkParent,
				fmt.Sprintf("refusing to follow symlink parent '%s'", current),
				"Layer extraction was blocked to prevent writing outside the rootfs tree.")
		}
	}

	return nil
}

// Within reports whether path equals root or lies below it. Both must be clean.
func Within(root, path string) bool {
	if path == root {
		return true
	}
	if root == string(filepath.Separator) {
		return strings.HasPrefix(path, root)
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}
