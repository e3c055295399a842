package fs

import (
	"context"
	"errors"
	"os"
	"path"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/maxdollinger/docker2vm/pkg/issue"
)

// fakeDebugfs answers debugfs requests from an in-memory ext4 image.
type fakeDebugfs struct {
	files map[string]string
	calls []string
}

func (f *fakeDebugfs) Run(_ context.Context, name string, args ...string) (CommandResult, error) {
	if name != "debugfs" {
		return CommandResult{}, errors.New("executable file not found in $PATH")
	}
	if len(args) == 1 && args[0] == "-V" {
		return CommandResult{ExitCode: 1, Stderr: "debugfs 1.47.0"}, nil
	}

	request := args[1]
	f.calls = append(f.calls, request)
	fields := strings.Fields(request)
	notFound := CommandResult{Stderr: fields[len(fields)-1] + ": File not found by ext2_lookup"}

	switch fields[0] {
	case "stat":
		if _, ok := f.files[fields[1]]; ok {
			return CommandResult{Stdout: "Inode: 12   Type: regular"}, nil
		}
		return notFound, nil

	case "dump":
		content, ok := f.files[fields[2]]
		if !ok {
			return notFound, nil
		}
		return CommandResult{}, os.WriteFile(fields[3], []byte(content), 0o600)

	case "rdump":
		src, dest := fields[1], fields[2]
		if src != "/" {
			dest = filepath.Join(dest, path.Base(src))
		}
		for name, content := range f.files {
			rel, ok := strings.CutPrefix(name, strings.TrimSuffix(src, "/")+"/")
			if !ok {
				continue
			}
			p := filepath.Join(dest, rel)
			if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
				return CommandResult{}, err
			}
			if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
				return CommandResult{}, err
			}
		}
		return CommandResult{}, nil
	}

	return CommandResult{ExitCode: 1, Stderr: "unknown request"}, nil
}

// guestImage lists the base rootfs files of an x86_64 guest.
func guestImage() map[string]string {
	files := map[string]string{
		"/lib/ld-musl-x86_64.so.1":           "loader",
		"/lib/modules/6.12/modules.dep":      "deps",
		"/lib/modules/6.12/kernel/virtio.ko": "ko",
		"/etc/os-release":                    "alpine",
	}
	for _, f := range runtimeFiles {
		files[f.source] = "runtime " + f.target
	}
	return files
}

func writeGuestAssets(t *testing.T) *GuestAssets {
	t.Helper()

	dir := t.TempDir()
	assets := &GuestAssets{
		Dir:           dir,
		KernelPath:    filepath.Join(dir, KernelFileName),
		InitramfsPath: filepath.Join(dir, InitramfsFileName),
		RootfsPath:    filepath.Join(dir, RootfsFileName),
	}
	writeFile(t, assets.KernelPath, "kernel", 0o644)
	writeFile(t, assets.InitramfsPath, "initramfs", 0o644)
	writeFile(t, assets.RootfsPath, "ext4", 0o644)
	return assets
}

func writeFile(t *testing.T, p, content string, perm os.FileMode) {
	t.Helper()
	if err := os.WriteFile(p, []byte(content), perm); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
}

func mkdirAll(t *testing.T, p string) {
	t.Helper()
	if err := os.MkdirAll(p, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", p, err)
	}
}

func readLink(t *testing.T, p string) string {
	t.Helper()
	dest, err := os.Readlink(p)
	if err != nil {
		t.Fatalf("%s is not a symlink: %v", p, err)
	}
	return dest
}

func perm(t *testing.T, p string) os.FileMode {
	t.Helper()
	info, err := os.Stat(p)
	if err != nil {
		t.Fatalf("stat %s: %v", p, err)
	}
	return info.Mode().Perm()
}

func assertDeepEqual(t *testing.T, name string, want, got any) {
	t.Helper()
	if !reflect.DeepEqual(want, got) {
		t.Errorf("%s: expected %#v, got %#v", name, want, got)
	}
}

// requireIssue fails unless err matches sentinel and carries kind.
func requireIssue(t *testing.T, err, sentinel error, kind issue.Kind) {
	t.Helper()
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected %v, got %v", sentinel, err)
	}
	if got := issue.KindOf(err); got != kind {
		t.Errorf("expected %v error, got %v", kind, got)
	}
}

func hasHint(err error, hint string) bool {
	for _, h := range issue.HintsOf(err) {
		if h == hint {
			return true
		}
	}
	return false
}
