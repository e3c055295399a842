// Package fs composes image layers into a rootfs directory and turns that
// directory into a bootable guest filesystem.
//
// Supported layer features:
//   - tar and tar+gzip layers, streamed entry by entry
//   - whiteouts (.wh.<name>) and opaque directories (.wh..wh..opq)
//   - path traversal and symlink parent protection
//   - read-only directories, restored to their mode after each layer
//   - hard links, with a copy fallback where linking is not possible
//
// ext4 images are produced by shelling out to e2fsprogs.
package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/maxdollinger/docker2vm/pkg/archive"
	"github.com/maxdollinger/docker2vm/pkg/arena"
	"github.com/maxdollinger/docker2vm/pkg/issue"
	"github.com/maxdollinger/docker2vm/pkg/oci"
	slogcontext "github.com/veqryn/slog-context"
	"golang.org/x/sys/unix"
)

const (
	whiteoutPrefix = ".wh."
	opaqueMarker   = ".wh..wh..opq"
)

// BaseTreeExtractor fills an empty rootfs directory with the tree the image
// layers are applied on top of.
type BaseTreeExtractor interface {
	ExtractBaseTree(ctx context.Context, dest string) error
}

// NoOpBaseTreeExtractor leaves the rootfs empty.
type NoOpBaseTreeExtractor struct{}

func (NoOpBaseTreeExtractor) ExtractBaseTree(context.Context, string) error {
	return nil
}

// Advisory is a best-effort operation that failed without failing the run.
type Advisory struct {
	Op   string
	Path string
	Err  error
}

// LayerApplier applies pulled layers in order onto a fresh rootfs.
type LayerApplier struct {
	base       BaseTreeExtractor
	advisories []Advisory
}

func NewLayerApplier(base BaseTreeExtractor) *LayerApplier {
	if base == nil {
		base = NoOpBaseTreeExtractor{}
	}
	return &LayerApplier{base: base}
}

// Advisories returns the best-effort failures of all applies so far.
func (a *LayerApplier) Advisories() []Advisory {
	return append([]Advisory(nil), a.advisories...)
}

// ApplyLayers creates <tmp>/rootfs inside ar, extracts the base tree there
// and applies every layer of pulled on top of it, bottom layer first.
func (a *LayerApplier) ApplyLayers(ctx context.Context, ar *arena.Arena, pulled *oci.PulledImage) (*oci.AppliedRootfs, error) {
	logger := slogcontext.FromCtx(ctx)

	workDir, err := ar.TempDir("oci2vm-rootfs-")
	if err != nil {
		return nil, err
	}
	rootfs := filepath.Join(workDir, "rootfs")
	if err := os.MkdirAll(rootfs, 0o755); err != nil {
		return nil, fmt.Errorf("create rootfs directory: %w", err)
	}

	if err := a.base.ExtractBaseTree(ctx, rootfs); err != nil {
		return nil, fmt.Errorf("extract base rootfs: %w", err)
	}

	for i, layer := range pulled.Layers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := a.applyLayer(ctx, rootfs, layer); err != nil {
			return nil, fmt.Errorf("apply layer %d: %w", i, err)
		}
		logger.DebugContext(ctx, "applied layer", "index", i, oci.DescriptorAttr(layer.Descriptor))
	}

	logger.InfoContext(ctx, "applied layers", "layers", len(pulled.Layers), "rootfs", rootfs)

	return &oci.AppliedRootfs{
		Resolved:  pulled.Resolved,
		Config:    pulled.Config,
		Runtime:   oci.RuntimeMetadataFromConfig(pulled.Config),
		RootfsDir: rootfs,
	}, nil
}

func (a *LayerApplier) advise(ctx context.Context) func(op, p string, err error) {
	logger := slogcontext.FromCtx(ctx)
	return func(op, p string, err error) {
		a.advisories = append(a.advisories, Advisory{Op: op, Path: p, Err: err})
		logger.DebugContext(ctx, "best-effort operation failed", "op", op, "path", p, slog.Any("error", err))
	}
}

func (a *LayerApplier) applyLayer(ctx context.Context, rootfs string, layer oci.PulledLayer) (err error) {
	compression, err := archive.CompressionForMediaType(layer.Descriptor.MediaType)
	if err != nil {
		return err
	}

	f, err := os.Open(layer.BlobPath)
	if err != nil {
		return fmt.Errorf("open layer blob: %w", err)
	}
	defer f.Close()

	stream, err := archive.NewReader(f, compression)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := stream.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close layer stream: %w", cerr)
		}
	}()

	advise := a.advise(ctx)
	journal := newPermissionJournal(advise)
	defer journal.restore()

	t, err := newTree(rootfs, journal)
	if err != nil {
		return err
	}

	l := &layerWriter{tree: t, journal: journal, advise: advise}
	return archive.Walk(stream, l.apply)
}

// layerWriter applies the entries of one layer.
type layerWriter struct {
	tree    *tree
	journal *permissionJournal
	advise  func(op, p string, err error)
}

func (l *layerWriter) apply(entry archive.Entry) error {
	rel, ok, err := archive.SanitizePath(entry.Name)
	if err != nil || !ok {
		return err
	}

	if strings.HasPrefix(path.Base(rel), whiteoutPrefix) {
		return l.whiteout(rel, entry.Name)
	}

	root := l.tree.alias
	target, err := archive.ResolveInsideRoot(root, rel)
	if err != nil {
		return err
	}
	if err := archive.EnsureParentsAreNotSymlinks(root, target); err != nil {
		return err
	}

	switch entry.Type {
	case archive.TypeDirectory:
		err = l.writeDirectory(target, entry)
	case archive.TypeSymlink:
		err = l.writeSymlink(target, entry)
	case archive.TypeHardLink:
		err = l.writeHardLink(target, entry)
	case archive.TypeRegular:
		err = l.writeRegular(target, entry)
	default:
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s %q: %w", entry.Type, entry.Name, err)
	}
	return nil
}

func (l *layerWriter) whiteout(rel, raw string) error {
	parentRel := path.Dir(rel)
	name := path.Base(rel)
	root := l.tree.alias

	parent, err := archive.ResolveInsideRoot(root, parentRel)
	if err != nil {
		return err
	}

	if name == opaqueMarker {
		if err := archive.EnsureParentsAreNotSymlinks(root, filepath.Join(parent, name)); err != nil {
			return err
		}
		return l.opaque(parent)
	}

	victimName := strings.TrimPrefix(name, whiteoutPrefix)
	if victimName == "" {
		// a bare .wh. names nothing
		return nil
	}
	if victimName == "." || victimName == ".." {
		return issue.New(issue.KindSecurity, ErrInvalidWhiteout,
			fmt.Sprintf("refusing whiteout entry with invalid name: '%s'", raw),
			"The archive appears to contain unsafe paths.")
	}

	victim := filepath.Join(parent, victimName)
	if err := archive.EnsureParentsAreNotSymlinks(root, victim); err != nil {
		return err
	}
	if err := l.tree.remove(victim); err != nil {
		return fmt.Errorf("whiteout %q: %w", raw, err)
	}
	return nil
}

// opaque removes every existing child of dir.
func (l *layerWriter) opaque(dir string) error {
	info, err := os.Lstat(dir)
	if err != nil || !info.IsDir() {
		return nil
	}

	l.tree.ensureWritableChain(dir)
	children, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read opaque directory %s: %w", dir, err)
	}

	for _, child := range children {
		if err := l.tree.remove(filepath.Join(dir, child.Name())); err != nil {
			return fmt.Errorf("opaque whiteout: %w", err)
		}
	}
	return nil
}

func (l *layerWriter) writeDirectory(target string, entry archive.Entry) error {
	info, err := os.Lstat(target)
	switch {
	case err == nil && info.IsDir():
	case err == nil:
		if err := l.tree.remove(target); err != nil {
			return err
		}
	case !errors.Is(err, os.ErrNotExist):
		return err
	}

	if err := l.tree.mkdirAll(target); err != nil {
		return err
	}
	l.applyMode(target, entry.Mode, true)
	return nil
}

func (l *layerWriter) writeSymlink(target string, entry archive.Entry) error {
	if err := l.prepareTarget(target); err != nil {
		return err
	}
	return os.Symlink(entry.LinkName, target)
}

func (l *layerWriter) writeHardLink(target string, entry archive.Entry) error {
	linkRel, ok, err := archive.SanitizePath(entry.LinkName)
	if err != nil {
		return err
	}
	if !ok {
		l.advise("hardlink", target, fmt.Errorf("empty link target %q", entry.LinkName))
		return nil
	}

	root := l.tree.alias
	source, err := archive.ResolveInsideRoot(root, linkRel)
	if err != nil {
		return err
	}
	if err := archive.EnsureParentsAreNotSymlinks(root, source); err != nil {
		return err
	}

	found, err := exists(source)
	if err != nil {
		return err
	}
	if !found {
		l.advise("hardlink", target, fmt.Errorf("link target %q does not exist", entry.LinkName))
		return nil
	}

	if err := l.prepareTarget(target); err != nil {
		return err
	}

	err = os.Link(source, target)
	if err == nil {
		return nil
	}
	if !linkUnsupported(err) {
		return err
	}
	l.advise("hardlink-copy", target, err)
	return copyEntry(source, target)
}

func (l *layerWriter) writeRegular(target string, entry archive.Entry) error {
	if err := l.prepareTarget(target); err != nil {
		return err
	}
	if err := os.WriteFile(target, entry.Content, 0o644); err != nil {
		return err
	}
	l.applyMode(target, entry.Mode, false)
	return nil
}

// prepareTarget removes whatever is at target and creates its parents.
func (l *layerWriter) prepareTarget(target string) error {
	if err := l.tree.remove(target); err != nil {
		return err
	}
	return l.tree.mkdirAll(filepath.Dir(target))
}

// applyMode sets the permission bits of an entry, including setuid, setgid
// and sticky. A journaled directory gets the mode when the layer finishes.
func (l *layerWriter) applyMode(target string, mode int64, dir bool) {
	bits := uint32(mode & 0o7777)
	if bits == 0 {
		return
	}
	if dir {
		if canonical, ok := l.tree.canonical(target); ok && l.journal.override(canonical, bits) {
			return
		}
	}
	if err := unix.Chmod(target, bits); err != nil {
		l.advise("chmod", target, err)
	}
}

func linkUnsupported(err error) bool {
	for _, errno := range []unix.Errno{unix.EXDEV, unix.EPERM, unix.EMLINK, unix.ENOTSUP} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}

// copyEntry duplicates source at target: symlinks are recreated, regular
// files copied with their permission bits.
func copyEntry(source, target string) error {
	info, err := os.Lstat(source)
	if err != nil {
		return err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		dest, err := os.Readlink(source)
		if err != nil {
			return err
		}
		return os.Symlink(dest, target)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("cannot copy %s: not a regular file", source)
	}

	in, err := os.Open(source)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
