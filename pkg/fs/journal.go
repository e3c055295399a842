package fs

import (
	"errors"
	"sort"

	"golang.org/x/sys/unix"
)

// permissionJournal remembers the original permission bits of directories
// that were widened to owner rwx so their contents could be changed. The
// first recorded mode of a directory wins.
type permissionJournal struct {
	modes  map[string]uint32
	advise func(op, path string, err error)
}

func newPermissionJournal(advise func(op, path string, err error)) *permissionJournal {
	return &permissionJournal{modes: map[string]uint32{}, advise: advise}
}

// widen makes dir owner-writable and journals its mode if it was not already.
// Non-directories and missing paths are ignored.
func (j *permissionJournal) widen(dir string) {
	var st unix.Stat_t
	if err := unix.Lstat(dir, &st); err != nil {
		return
	}
	mode := uint32(st.Mode)
	if mode&unix.S_IFMT != unix.S_IFDIR {
		return
	}

	current := mode & 0o7777
	writable := current | 0o700
	if current == writable {
		return
	}

	if _, seen := j.modes[dir]; !seen {
		j.modes[dir] = current
	}
	if err := unix.Chmod(dir, writable); err != nil {
		j.advise("chmod", dir, err)
	}
}

// override replaces the journaled mode of dir with mode so that restore applies
// it. It reports false when dir is not journaled.
func (j *permissionJournal) override(dir string, mode uint32) bool {
	if _, ok := j.modes[dir]; !ok {
		return false
	}
	j.modes[dir] = mode
	return true
}

// restore puts back every journaled mode, deepest path first, and empties
// the journal. Paths removed in the meantime are skipped.
func (j *permissionJournal) restore() {
	paths := make([]string, 0, len(j.modes))
	for p := range j.modes {
		paths = append(paths, p)
	}
	sort.Slice(paths, func(a, b int) bool {
		if len(paths[a]) != len(paths[b]) {
			return len(paths[a]) > len(paths[b])
		}
		return paths[a] > paths[b]
	})

	for _, p := range paths {
		if err := unix.Chmod(p, j.modes[p]); err != nil && !errors.Is(err, unix.ENOENT) {
			j.advise("restore-mode", p, err)
		}
	}
	clear(j.modes)
}

func (j *permissionJournal) size() int {
	return len(j.modes)
}
