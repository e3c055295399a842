package archive

import (
	"fmt"
	"path"
	"strings"

	"github.com/maxdollinger/docker2vm/pkg/issue"
)

// SanitizePath normalizes an archive member name to a clean relative POSIX
// path. ok is false for names that refer to the archive root itself. Names
// that climb above the root fail with ErrPathTraversal.
func SanitizePath(raw string) (clean string, ok bool, err error) {
	if raw == "" || raw == "." {
		return "", false, nil
	}

	p := strings.ReplaceAll(raw, "\\", "/")
	p = strings.TrimLeft(p, "/")
	for strings.HasPrefix(p, "./") {
		p = p[2:]
	}

	if p == "" || p == "." {
		return "", false, nil
	}

	p = path.Clean(p)
	if p == "." || p == "" {
		return "", false, nil
	}

	if p == ".." || strings.HasPrefix(p, "../") {
		return "", false, issue.New(issue.KindSecurity, ErrPathTraversal,
			fmt.Sprintf("refusing archive entry with path traversal: '%s'", raw),
			"The archive appears to contain unsafe paths.")
	}

	return p, true, nil
}
