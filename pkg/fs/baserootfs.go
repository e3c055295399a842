package fs

import (
	"context"
	"fmt"
	"os"

	"github.com/maxdollinger/docker2vm/pkg/issue"
	slogcontext "github.com/veqryn/slog-context"
)

// GuestBaseTree extracts the whole base rootfs image of the guest assets so
// image layers are applied on top of the guest's own userland.
type GuestBaseTree struct {
	assets *GuestAssets
	runner CommandRunner
}

func NewGuestBaseTree(assets *GuestAssets, runner CommandRunner) *GuestBaseTree {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &GuestBaseTree{assets: assets, runner: runner}
}

func (b *GuestBaseTree) ExtractBaseTree(ctx context.Context, dest string) error {
	if err := requireBaseRootfs(b.assets); err != nil {
		return err
	}

	cmd, err := FindDebugfs(ctx, b.runner)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("create base tree directory: %w", err)
	}

	d := debugfs{runner: b.runner, cmd: cmd, image: b.assets.RootfsPath}
	if err := d.rdump(ctx, "/", dest, dest, "failed to extract base gondolin rootfs tree"); err != nil {
		return err
	}

	slogcontext.FromCtx(ctx).DebugContext(ctx, "extracted base rootfs tree", "image", b.assets.RootfsPath, "dest", dest)
	return nil
}

func requireBaseRootfs(assets *GuestAssets) error {
	if _, err := os.Stat(assets.RootfsPath); err != nil {
		return issue.New(issue.KindEnvironment, ErrGuestAssetsIncomplete,
			"gondolin base rootfs.ext4 was not found",
			"Expected path: "+assets.RootfsPath,
			"Guest assets are populated by the gondolin CLI; run 'gondolin exec -- /bin/true' and retry.")
	}
	return nil
}
