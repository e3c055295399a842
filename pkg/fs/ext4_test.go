package fs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/maxdollinger/docker2vm/pkg/issue"
)

func TestEstimateImageSizeMiB(t *testing.T) {
	t.Run("small trees get the minimum", func(t *testing.T) {
		dir := t.TempDir()
		mkdirAll(t, filepath.Join(dir, "etc", "apk"))
		writeFile(t, filepath.Join(dir, "etc", "hostname"), "vm", 0o644)
		if err := os.Symlink("busybox", filepath.Join(dir, "sh")); err != nil {
			t.Fatal(err)
		}

		size, err := EstimateImageSizeMiB(dir)
		if err != nil {
			t.Fatalf("EstimateImageSizeMiB failed: %v", err)
		}
		if size != minImageSizeMiB {
			t.Errorf("expected %d MiB, got %d", minImageSizeMiB, size)
		}
	})

	t.Run("large trees scale with content", func(t *testing.T) {
		dir := t.TempDir()
		f, err := os.Create(filepath.Join(dir, "blob"))
		if err != nil {
			t.Fatal(err)
		}
		if err := f.Truncate(150*mib + 7); err != nil {
			t.Fatal(err)
		}
		if err := f.Close(); err != nil {
			t.Fatal(err)
		}

		// ceil((150 MiB + 7) * 1.35) + 32 MiB, rounded up to whole MiB
		size, err := EstimateImageSizeMiB(dir)
		if err != nil {
			t.Fatalf("EstimateImageSizeMiB failed: %v", err)
		}
		if size != 235 {
			t.Errorf("expected 235 MiB, got %d", size)
		}
	})
}

func TestExt4BuilderNewDevice(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "secret"), "x", 0o200)
	out := filepath.Join(t.TempDir(), "out", RootfsFileName)

	var args []string
	runner := runnerFunc(func(name string, a ...string) (CommandResult, error) {
		switch {
		case name == "mke2fs":
			return CommandResult{}, errors.New("not found")
		case len(a) == 1 && a[0] == "-V":
			return CommandResult{ExitCode: 0}, nil
		}
		args = append([]string{name}, a...)
		return CommandResult{}, os.WriteFile(out, []byte("ext4"), 0o644)
	})

	device, err := NewExt4Builder(runner).NewDevice(context.Background(), BlockDeviceOptions{
		SourceDir:  src,
		OutputPath: out,
		Label:      "gondolin-root",
	})
	if err != nil {
		t.Fatalf("NewDevice failed: %v", err)
	}

	assertDeepEqual(t, "mke2fs args", []string{
		"mkfs.ext4", "-t", "ext4", "-d", src, "-L", "gondolin-root", "-m", "0", "-F", out, "96M",
	}, args)
	assertDeepEqual(t, "device", &BlockDevice{Path: out, SizeBytes: 96 * mib, Label: "gondolin-root"}, device)

	if got := perm(t, filepath.Join(src, "secret")); got != 0o600 {
		t.Errorf("expected source tree to be made owner-readable, got %o", got)
	}
}

func TestExt4BuilderFailure(t *testing.T) {
	runner := runnerFunc(func(name string, a ...string) (CommandResult, error) {
		if len(a) == 1 && a[0] == "-V" {
			return CommandResult{ExitCode: 1}, nil
		}
		return CommandResult{ExitCode: 1, Stderr: "mke2fs: Could not allocate block\n"}, nil
	})

	out := filepath.Join(t.TempDir(), RootfsFileName)
	_, err := NewExt4Builder(runner).NewDevice(context.Background(), BlockDeviceOptions{
		SourceDir:  t.TempDir(),
		OutputPath: out,
		SizeMiB:    128,
	})
	requireIssue(t, err, ErrToolFailed, issue.KindEnvironment)

	hints := issue.HintsOf(err)
	if len(hints) != 2 {
		t.Fatalf("expected 2 hints, got %v", hints)
	}
	if !strings.Contains(hints[0], out+" 128M") {
		t.Errorf("first hint should show the command, got %q", hints[0])
	}
	if hints[1] != "mke2fs: Could not allocate block" {
		t.Errorf("second hint should carry tool output, got %q", hints[1])
	}
}
