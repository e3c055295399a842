package fs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/maxdollinger/docker2vm/pkg/issue"
	slogcontext "github.com/veqryn/slog-context"
	"golang.org/x/sys/unix"
)

type runtimeFile struct {
	source string
	target string
	mode   uint32
}

var runtimeFiles = []runtimeFile{
	{source: "/init", target: "init", mode: 0o755},
	{source: "/bin/kmod", target: "bin/kmod", mode: 0o755},
	{source: "/usr/lib/libcrypto.so.3", target: "usr/lib/libcrypto.so.3", mode: 0o644},
	{source: "/usr/lib/liblzma.so.5.8.2", target: "usr/lib/liblzma.so.5.8.2", mode: 0o644},
	{source: "/usr/lib/libz.so.1.3.1", target: "usr/lib/libz.so.1.3.1", mode: 0o644},
	{source: "/usr/lib/libzstd.so.1.5.7", target: "usr/lib/libzstd.so.1.5.7", mode: 0o644},
	{source: "/usr/bin/sandboxd", target: "usr/bin/sandboxd", mode: 0o755},
	{source: "/usr/bin/sandboxfs", target: "usr/bin/sandboxfs", mode: 0o755},
	{source: "/usr/bin/sandboxssh", target: "usr/bin/sandboxssh", mode: 0o755},
}

var runtimeDirectories = []struct{ source, target string }{
	{source: "/lib/modules", target: "lib/modules"},
}

var loaderCandidates = []string{"/lib/ld-musl-aarch64.so.1", "/lib/ld-musl-x86_64.so.1"}

// link name -> link target
var runtimeSymlinks = [][2]string{
	{"sbin/modprobe", "../bin/kmod"},
	{"sbin/insmod", "../bin/kmod"},
	{"usr/lib/liblzma.so.5", "liblzma.so.5.8.2"},
	{"usr/lib/libz.so.1", "libz.so.1.3.1"},
	{"usr/lib/libzstd.so.1", "libzstd.so.1.5.7"},
}

var muslLoaderName = regexp.MustCompile(`^ld-musl-(.+)\.so\.1$`)

// InjectionResult lists what was copied into the rootfs, relative to it.
type InjectionResult struct {
	BaseRootfsPath      string   `json:"baseRootfsPath"`
	InjectedFiles       []string `json:"injectedFiles"`
	InjectedDirectories []string `json:"injectedDirectories"`
}

// RuntimeInjector installs the guest runtime into a composed rootfs.
type RuntimeInjector interface {
	Inject(ctx context.Context, rootfsDir string) (*InjectionResult, error)
}

// GuestRuntimeInjector copies the sandbox init, daemons, kernel modules and
// their libraries from the guest base rootfs image into a rootfs, replacing
// whatever the image had at those paths.
type GuestRuntimeInjector struct {
	assets *GuestAssets
	runner CommandRunner
}

func NewGuestRuntimeInjector(assets *GuestAssets, runner CommandRunner) *GuestRuntimeInjector {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &GuestRuntimeInjector{assets: assets, runner: runner}
}

func (g *GuestRuntimeInjector) Inject(ctx context.Context, rootfsDir string) (*InjectionResult, error) {
	if err := requireBaseRootfs(g.assets); err != nil {
		return nil, err
	}
	cmd, err := FindDebugfs(ctx, g.runner)
	if err != nil {
		return nil, err
	}
	d := debugfs{runner: g.runner, cmd: cmd, image: g.assets.RootfsPath}

	loader, err := findLoader(ctx, d)
	if err != nil {
		return nil, err
	}
	loaderName := path.Base(loader)

	logger := slogcontext.FromCtx(ctx)
	journal := newPermissionJournal(func(op, p string, err error) {
		logger.DebugContext(ctx, "best-effort operation failed", "op", op, "path", p, slog.Any("error", err))
	})
	defer journal.restore()

	t, err := newTree(rootfsDir, journal)
	if err != nil {
		return nil, err
	}
	inj := &injection{tree: t, debugfs: d, logger: logger}
	result := &InjectionResult{BaseRootfsPath: g.assets.RootfsPath}

	for _, dir := range runtimeDirectories {
		if err := inj.directory(ctx, dir.source, dir.target); err != nil {
			return nil, err
		}
		result.InjectedDirectories = append(result.InjectedDirectories, dir.target)
	}

	files := append(append([]runtimeFile(nil), runtimeFiles...),
		runtimeFile{source: loader, target: "lib/" + loaderName, mode: 0o755})
	for _, f := range files {
		if err := inj.file(ctx, f); err != nil {
			return nil, err
		}
		result.InjectedFiles = append(result.InjectedFiles, f.target)
	}

	if err := inj.ensureDirectory("etc/ssl/certs"); err != nil {
		return nil, err
	}

	links := runtimeSymlinks
	if m := muslLoaderName.FindStringSubmatch(loaderName); m != nil {
		links = append(links[:len(links):len(links)], [2]string{"lib/libc.musl-" + m[1] + ".so.1", loaderName})
	}
	for _, link := range links {
		if err := inj.symlink(link[0], link[1]); err != nil {
			return nil, err
		}
	}

	logger.InfoContext(ctx, "injected guest runtime",
		"files", len(result.InjectedFiles),
		"directories", len(result.InjectedDirectories),
		"loader", loader)
	return result, nil
}

func findLoader(ctx context.Context, d debugfs) (string, error) {
	for _, candidate := range loaderCandidates {
		if d.exists(ctx, candidate) {
			return candidate, nil
		}
	}
	return "", issue.New(issue.KindEnvironment, ErrRuntimeFileMissing,
		"failed to locate required musl dynamic loader in base rootfs",
		"Searched paths: "+strings.Join(loaderCandidates, ", "),
		"Base rootfs: "+d.image,
		"Ensure gondolin guest assets are complete for your host architecture.")
}

type injection struct {
	tree    *tree
	debugfs debugfs
	logger  *slog.Logger
}

// resolve maps rel onto the rootfs. Symlinks in the parent directories are
// followed but never leave the rootfs; the last component is not followed.
func (i *injection) resolve(rel string) (string, error) {
	parent, err := securejoin.SecureJoin(i.tree.real, path.Dir(rel))
	if err != nil {
		return "", fmt.Errorf("resolve %s in rootfs: %w", rel, err)
	}
	return filepath.Join(parent, path.Base(rel)), nil
}

// prepare clears whatever is at rel and returns its resolved path with the
// parent directory in place.
func (i *injection) prepare(rel string) (string, error) {
	dest, err := i.resolve(rel)
	if err != nil {
		return "", err
	}
	if err := i.tree.remove(dest); err != nil {
		return "", err
	}
	if err := i.tree.mkdirAll(filepath.Dir(dest)); err != nil {
		return "", err
	}
	return dest, nil
}

func (i *injection) directory(ctx context.Context, source, target string) error {
	dest, err := i.prepare(target)
	if err != nil {
		return err
	}
	// rdump writes <parent>/<basename of source>
	produced := filepath.Join(filepath.Dir(dest), path.Base(source))
	return i.debugfs.rdump(ctx, source, filepath.Dir(dest), produced,
		fmt.Sprintf("failed to extract runtime directory '%s' from base rootfs", source))
}

func (i *injection) file(ctx context.Context, f runtimeFile) error {
	dest, err := i.prepare(f.target)
	if err != nil {
		return err
	}
	if err := i.debugfs.dump(ctx, f.source, dest,
		fmt.Sprintf("failed to extract runtime file '%s' from base rootfs", f.source)); err != nil {
		return err
	}
	if err := unix.Chmod(dest, f.mode); err != nil {
		i.logger.Debug("best-effort operation failed", "op", "chmod", "path", dest, slog.Any("error", err))
	}
	return nil
}

func (i *injection) ensureDirectory(rel string) error {
	dest, err := i.resolve(rel)
	if err != nil {
		return err
	}
	if info, err := os.Lstat(dest); err == nil && !info.IsDir() {
		if err := i.tree.remove(dest); err != nil {
			return err
		}
	}
	return i.tree.mkdirAll(dest)
}

func (i *injection) symlink(rel, target string) error {
	dest, err := i.prepare(rel)
	if err != nil {
		return err
	}
	if err := os.Symlink(target, dest); err != nil {
		return fmt.Errorf("create runtime symlink %s: %w", rel, err)
	}
	return nil
}
