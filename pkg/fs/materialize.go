package fs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/maxdollinger/docker2vm/pkg/issue"
	"github.com/maxdollinger/docker2vm/pkg/oci"
	"github.com/opencontainers/go-digest"
	slogcontext "github.com/veqryn/slog-context"
)

const (
	MetadataFileName      = "meta.json"
	AssetManifestFileName = "manifest.json"
	rootfsLabel           = "gondolin-root"
)

// Mode selects what Materialize writes: the rootfs image only, or a full
// guest asset directory with kernel and initramfs.
type Mode string

const (
	ModeRootfs Mode = "rootfs"
	ModeAssets Mode = "assets"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeRootfs:
		return ModeRootfs, nil
	case ModeAssets:
		return ModeAssets, nil
	}
	return "", issue.New(issue.KindUsage, ErrInvalidMode,
		fmt.Sprintf("invalid --mode value '%s'", s),
		"Use --mode rootfs or --mode assets.")
}

type MaterializeOptions struct {
	OutDir string
	Mode   Mode
}

// MaterializedOutput lists the files written to the output directory.
type MaterializedOutput struct {
	OutDir            string   `json:"outDir"`
	Mode              Mode     `json:"mode"`
	RootfsPath        string   `json:"rootfsPath"`
	MetadataPath      string   `json:"metadataPath"`
	AssetManifestPath string   `json:"assetManifestPath,omitempty"`
	Files             []string `json:"files"`
}

// Metadata is the content of meta.json.
type Metadata struct {
	SchemaVersion    int                 `json:"schemaVersion"`
	GeneratedAt      time.Time           `json:"generatedAt"`
	Source           oci.Source          `json:"source"`
	SourceDigest     digest.Digest       `json:"sourceDigest"`
	Platform         oci.Platform        `json:"platform"`
	Mode             Mode                `json:"mode"`
	Runtime          oci.RuntimeMetadata `json:"runtime"`
	RuntimeInjection *InjectionResult    `json:"runtimeInjection"`
}

// AssetManifest is the manifest.json of an assets mode output directory.
type AssetManifest struct {
	Version   int       `json:"version"`
	BuildTime time.Time `json:"buildTime"`
	Assets    struct {
		Kernel    string `json:"kernel"`
		Initramfs string `json:"initramfs"`
		Rootfs    string `json:"rootfs"`
	} `json:"assets"`
	Checksums struct {
		Kernel    string `json:"kernel"`
		Initramfs string `json:"initramfs"`
		Rootfs    string `json:"rootfs"`
	} `json:"checksums"`
	Source struct {
		Digest   digest.Digest `json:"digest"`
		Platform oci.Platform  `json:"platform"`
	} `json:"source"`
	Runtime oci.RuntimeMetadata `json:"runtime"`
}

// Materializer turns an applied rootfs into the final output directory.
type Materializer struct {
	injector RuntimeInjector
	devices  BlockDeviceBuilder
	assets   *GuestAssets
	now      func() time.Time
}

type MaterializerOption func(*Materializer)

// WithClock replaces time.Now for generated timestamps.
func WithClock(now func() time.Time) MaterializerOption {
	return func(m *Materializer) { m.now = now }
}

// NewMaterializer wires the runtime injector and image builder. assets is
// only read in assets mode.
func NewMaterializer(injector RuntimeInjector, devices BlockDeviceBuilder, assets *GuestAssets, opts ...MaterializerOption) *Materializer {
	m := &Materializer{
		injector: injector,
		devices:  devices,
		assets:   assets,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Materializer) Materialize(ctx context.Context, applied *oci.AppliedRootfs, opts MaterializeOptions) (*MaterializedOutput, error) {
	logger := slogcontext.FromCtx(ctx)
	mode := opts.Mode
	if mode == "" {
		mode = ModeRootfs
	}

	if err := os.MkdirAll(opts.OutDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	logger.InfoContext(ctx, "step 1: injecting guest runtime", "rootfs", applied.RootfsDir)
	injected, err := m.injector.Inject(ctx, applied.RootfsDir)
	if err != nil {
		return nil, fmt.Errorf("inject runtime: %w", err)
	}

	logger.InfoContext(ctx, "step 2: creating rootfs image")
	device, err := m.devices.NewDevice(ctx, BlockDeviceOptions{
		SourceDir:  applied.RootfsDir,
		OutputPath: filepath.Join(opts.OutDir, RootfsFileName),
		Label:      rootfsLabel,
	})
	if err != nil {
		return nil, fmt.Errorf("create rootfs image: %w", err)
	}

	logger.InfoContext(ctx, "step 3: writing metadata")
	out := &MaterializedOutput{
		OutDir:       opts.OutDir,
		Mode:         mode,
		RootfsPath:   device.Path,
		MetadataPath: filepath.Join(opts.OutDir, MetadataFileName),
	}
	resolved := applied.Resolved
	meta := Metadata{
		SchemaVersion:    1,
		GeneratedAt:      m.now().UTC(),
		Source:           resolved.Source,
		SourceDigest:     resolved.SourceDigest,
		Platform:         resolved.Platform,
		Mode:             mode,
		Runtime:          applied.Runtime,
		RuntimeInjection: injected,
	}
	if err := WriteJSONAtomic(out.MetadataPath, meta); err != nil {
		return nil, fmt.Errorf("write metadata: %w", err)
	}
	out.Files = []string{out.RootfsPath, out.MetadataPath}

	if mode == ModeAssets {
		logger.InfoContext(ctx, "step 4: copying guest kernel and initramfs", "from", m.assets.Dir)
		if err := m.writeAssets(applied, out); err != nil {
			return nil, err
		}
	}

	logger.InfoContext(ctx, "materialized output", "out", opts.OutDir, "mode", mode, "files", len(out.Files))
	return out, nil
}

func (m *Materializer) writeAssets(applied *oci.AppliedRootfs, out *MaterializedOutput) error {
	if m.assets == nil {
		return issue.New(issue.KindEnvironment, ErrGuestAssetsNotFound,
			"assets mode requires gondolin guest assets",
			"Set GONDOLIN_GUEST_DIR or populate the gondolin cache.")
	}

	kernelPath := filepath.Join(out.OutDir, KernelFileName)
	initramfsPath := filepath.Join(out.OutDir, InitramfsFileName)
	if err := copyFile(m.assets.KernelPath, kernelPath); err != nil {
		return fmt.Errorf("copy kernel: %w", err)
	}
	if err := copyFile(m.assets.InitramfsPath, initramfsPath); err != nil {
		return fmt.Errorf("copy initramfs: %w", err)
	}

	var manifest AssetManifest
	manifest.Version = 1
	manifest.BuildTime = m.now().UTC()
	manifest.Assets.Kernel = KernelFileName
	manifest.Assets.Initramfs = InitramfsFileName
	manifest.Assets.Rootfs = RootfsFileName
	manifest.Source.Digest = applied.Resolved.SourceDigest
	manifest.Source.Platform = applied.Resolved.Platform
	manifest.Runtime = applied.Runtime

	for _, c := range []struct {
		path string
		dst  *string
	}{
		{kernelPath, &manifest.Checksums.Kernel},
		{initramfsPath, &manifest.Checksums.Initramfs},
		{out.RootfsPath, &manifest.Checksums.Rootfs},
	} {
		d, err := oci.FromFile(c.path)
		if err != nil {
			return fmt.Errorf("checksum %s: %w", filepath.Base(c.path), err)
		}
		*c.dst = d.Encoded()
	}

	out.AssetManifestPath = filepath.Join(out.OutDir, AssetManifestFileName)
	if err := WriteJSONAtomic(out.AssetManifestPath, manifest); err != nil {
		return fmt.Errorf("write asset manifest: %w", err)
	}
	out.Files = append(out.Files, kernelPath, initramfsPath, out.AssetManifestPath)
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
