package archive

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// ExtractToDirectory writes decoded entries below dest. It is used for OCI
// archives, not for image layers, so whiteouts get no special treatment.
// Hard links whose target does not exist yet are skipped.
func ExtractToDirectory(entries []Entry, dest string) error {
	root, err := filepath.Abs(dest)
	if err != nil {
		return fmt.Errorf("resolve extraction root: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("create extraction root: %w", err)
	}

	for _, entry := range entries {
		if err := extractEntry(root, entry); err != nil {
			return fmt.Errorf("extract %q: %w", entry.Name, err)
		}
	}
	return nil
}

func extractEntry(root string, entry Entry) error {
	rel, ok, err := SanitizePath(entry.Name)
	if err != nil || !ok {
		return err
	}

	target, err := ResolveInsideRoot(root, rel)
	if err != nil {
		return err
	}
	if err := EnsureParentsAreNotSymlinks(root, target); err != nil {
		return err
	}

	switch entry.Type {
	case TypeDirectory:
		if err := clearTarget(target, true); err != nil {
			return err
		}
		return os.MkdirAll(target, 0o755)

	case TypeSymlink:
		if err := clearTarget(target, false); err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		return os.Symlink(entry.LinkName, target)

	case TypeHardLink:
		linkRel, ok, err := SanitizePath(entry.LinkName)
		if err != nil || !ok {
			return err
		}
		linkTarget, err := ResolveInsideRoot(root, linkRel)
		if err != nil {
			return err
		}
		if err := EnsureParentsAreNotSymlinks(root, linkTarget); err != nil {
			return err
		}
		if _, err := os.Lstat(linkTarget); err != nil {
			return nil
		}
		if err := clearTarget(target, false); err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		return os.Link(linkTarget, target)

	case TypeRegular:
		if err := clearTarget(target, false); err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(target, entry.Content, 0o644); err != nil {
			return err
		}
		if mode := entry.Mode & 0o777; mode != 0 {
			_ = os.Chmod(target, os.FileMode(mode))
		}
		return nil
	}

	return nil
}

func clearTarget(target string, keepDir bool) error {
	info, err := os.Lstat(target)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if keepDir && info.IsDir() {
		return nil
	}
	return os.RemoveAll(target)
}
