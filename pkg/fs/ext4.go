package fs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strconv"

	slogcontext "github.com/veqryn/slog-context"
	"golang.org/x/sys/unix"
)

const (
	mib             = 1024 * 1024
	minImageSizeMiB = 96
	imageSlackBytes = 32 * mib
	dirEntryBytes   = 4096
	symlinkBytes    = 256
	sizeOverhead    = 1.35
)

// BlockDeviceBuilder turns a directory into a filesystem image.
type BlockDeviceBuilder interface {
	NewDevice(ctx context.Context, opts BlockDeviceOptions) (*BlockDevice, error)
}

// BlockDeviceOptions specifies how to create a block device
type BlockDeviceOptions struct {
	SourceDir  string // prepared rootfs directory
	OutputPath string // where to write the .ext4 file
	Label      string // filesystem label
	SizeMiB    int64  // fixed size; estimated from SourceDir when zero
}

type BlockDevice struct {
	Path      string
	SizeBytes int64
	Label     string
}

// Ext4Builder creates ext4 images populated from a directory with mke2fs -d,
// so no mount or root privileges are needed.
type Ext4Builder struct {
	runner CommandRunner
}

func NewExt4Builder(runner CommandRunner) *Ext4Builder {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Ext4Builder{runner: runner}
}

func (b *Ext4Builder) NewDevice(ctx context.Context, opts BlockDeviceOptions) (*BlockDevice, error) {
	cmd, err := FindMke2fs(ctx, b.runner)
	if err != nil {
		return nil, err
	}

	sizeMiB := opts.SizeMiB
	if sizeMiB <= 0 {
		sizeMiB, err = EstimateImageSizeMiB(opts.SourceDir)
		if err != nil {
			return nil, fmt.Errorf("estimate image size: %w", err)
		}
	}

	makeTreeReadable(opts.SourceDir)

	if err := os.MkdirAll(filepath.Dir(opts.OutputPath), 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	if err := os.Remove(opts.OutputPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("remove previous image: %w", err)
	}

	args := []string{
		"-t", "ext4",
		"-d", opts.SourceDir,
		"-L", opts.Label,
		"-m", "0",
		"-F", opts.OutputPath,
		strconv.FormatInt(sizeMiB, 10) + "M",
	}
	result, err := b.runner.Run(ctx, cmd, args...)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", cmd, err)
	}
	if result.ExitCode != 0 {
		return nil, toolFailure("failed to create rootfs.ext4 image", cmd, args, result)
	}

	slogcontext.FromCtx(ctx).InfoContext(ctx, "created ext4 image",
		"path", opts.OutputPath, "size_mib", sizeMiB, "label", opts.Label)

	return &BlockDevice{
		Path:      opts.OutputPath,
		SizeBytes: sizeMiB * mib,
		Label:     opts.Label,
	}, nil
}

// EstimateImageSizeMiB sizes an image for dir: file bytes plus a fixed cost
// per directory and symlink, 35% overhead and 32 MiB of slack, at least 96 MiB.
func EstimateImageSizeMiB(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == dir {
			return nil
		}
		switch {
		case d.Type().IsRegular():
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		case d.IsDir():
			total += dirEntryBytes
		case d.Type()&fs.ModeSymlink != 0:
			total += symlinkBytes
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	withOverhead := int64(math.Ceil(float64(total)*sizeOverhead)) + imageSlackBytes
	size := (withOverhead + mib - 1) / mib
	return max(size, minImageSizeMiB), nil
}

// makeTreeReadable gives the owner read access to every file and read and
// search access to every directory so mke2fs can copy the whole tree.
func makeTreeReadable(root string) {
	_ = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		var want uint32
		switch {
		case d.IsDir():
			want = 0o500
		case d.Type().IsRegular():
			want = 0o400
		default:
			return nil
		}

		var st unix.Stat_t
		if err := unix.Lstat(p, &st); err != nil {
			return nil
		}
		mode := uint32(st.Mode) & 0o7777
		if mode|want != mode {
			_ = unix.Chmod(p, mode|want)
		}
		return nil
	})
}
