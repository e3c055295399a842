// Package builder runs the conversion pipeline: resolve the image manifest,
// pull and verify its blobs, apply the layers to a rootfs and materialize
// the output directory.
package builder

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/maxdollinger/docker2vm/internal/db"
	"github.com/maxdollinger/docker2vm/pkg/arena"
	"github.com/maxdollinger/docker2vm/pkg/fs"
	"github.com/maxdollinger/docker2vm/pkg/oci"
	"github.com/opencontainers/go-digest"
	slogcontext "github.com/veqryn/slog-context"
)

type Resolver interface {
	Resolve(ctx context.Context, a *arena.Arena, src oci.Source, platform oci.Platform) (*oci.ResolvedImage, error)
}

type Puller interface {
	Pull(ctx context.Context, resolved *oci.ResolvedImage) (*oci.PulledImage, error)
}

type Applier interface {
	ApplyLayers(ctx context.Context, a *arena.Arena, pulled *oci.PulledImage) (*oci.AppliedRootfs, error)
}

type Materializer interface {
	Materialize(ctx context.Context, applied *oci.AppliedRootfs, opts fs.MaterializeOptions) (*fs.MaterializedOutput, error)
}

// Stages are the pipeline steps that depend on the guest assets.
type Stages struct {
	Applier      Applier
	Materializer Materializer
}

// StageFactory builds the guest dependent stages for one run.
type StageFactory func(ctx context.Context) (*Stages, error)

// GuestStages locates the guest assets and wires the base tree extraction,
// runtime injection and ext4 creation against them.
func GuestStages(locator fs.GuestLocator, runner fs.CommandRunner) StageFactory {
	return func(ctx context.Context) (*Stages, error) {
		assets, err := locator.Locate()
		if err != nil {
			return nil, err
		}
		slogcontext.FromCtx(ctx).DebugContext(ctx, "guest assets located", "dir", assets.Dir)

		return &Stages{
			Applier: fs.NewLayerApplier(fs.NewGuestBaseTree(assets, runner)),
			Materializer: fs.NewMaterializer(
				fs.NewGuestRuntimeInjector(assets, runner),
				fs.NewExt4Builder(runner),
				assets,
			),
		}, nil
	}
}

// Result describes a finished conversion.
type Result struct {
	Command           string        `json:"command"`
	RunID             string        `json:"runId"`
	Source            oci.Source    `json:"source"`
	SourceDigest      digest.Digest `json:"sourceDigest"`
	Platform          oci.Platform  `json:"platform"`
	Mode              fs.Mode       `json:"mode"`
	LayersApplied     int           `json:"layersApplied"`
	OutDir            string        `json:"outDir"`
	RootfsPath        string        `json:"rootfsPath"`
	MetadataPath      string        `json:"metadataPath"`
	AssetManifestPath string        `json:"assetManifestPath,omitempty"`
	Files             []string      `json:"files"`
	BuildTime         time.Duration `json:"-"`
}

type Converter struct {
	resolver Resolver
	puller   Puller
	stages   StageFactory
	history  HistoryRecorder
	workDir  string
	now      func() time.Time
}

type Option func(*Converter)

// WithHistory records every conversion in h.
func WithHistory(h HistoryRecorder) Option {
	return func(c *Converter) { c.history = h }
}

// WithWorkDir places the temporary directories of a run below dir.
func WithWorkDir(dir string) Option {
	return func(c *Converter) { c.workDir = dir }
}

func WithClock(now func() time.Time) Option {
	return func(c *Converter) { c.now = now }
}

func NewConverter(resolver Resolver, puller Puller, stages StageFactory, opts ...Option) *Converter {
	c := &Converter{
		resolver: resolver,
		puller:   puller,
		stages:   stages,
		history:  NewNoOpHistory(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Convert runs the whole pipeline for opts. All temporary paths of the run
// are removed before Convert returns, on success and on failure.
func (c *Converter) Convert(ctx context.Context, opts Options) (result *Result, err error) {
	opts, err = opts.normalize()
	if err != nil {
		return nil, err
	}

	runID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("error generating run id: %w", err)
	}

	logger := slogcontext.FromCtx(ctx).With("run_id", runID.String(), "source", opts.Source.String())
	ctx = slogcontext.NewCtx(ctx, logger)

	startTime := c.now()
	logger.InfoContext(ctx, "starting conversion",
		"platform", opts.Platform.String(),
		"mode", string(opts.Mode),
		"out_dir", opts.OutDir)

	record := &db.Conversion{
		ID:         runID.String(),
		SourceKind: string(opts.Source.Kind()),
		Source:     opts.Source.String(),
		Platform:   opts.Platform.String(),
		Mode:       string(opts.Mode),
		OutDir:     opts.OutDir,
		StartedAt:  startTime,
	}
	if herr := c.history.Start(ctx, record); herr != nil {
		logger.WarnContext(ctx, "failed to record conversion", "error", herr)
	}
	defer func() {
		c.finish(ctx, record, result, err)
	}()

	ar := arena.New(arena.WithBaseDir(c.workDir), arena.WithLogger(logger))
	defer func() {
		if rerr := ar.Release(context.WithoutCancel(ctx)); rerr != nil {
			logger.WarnContext(ctx, "failed to clean up temporary files", "error", rerr)
		}
	}()

	stages, err := c.stages(ctx)
	if err != nil {
		return nil, err
	}

	resolved, err := c.resolver.Resolve(ctx, ar, opts.Source, opts.Platform)
	if err != nil {
		return nil, fmt.Errorf("resolve image: %w", err)
	}
	record.SourceDigest = digestPtr(resolved.SourceDigest)
	logger.InfoContext(ctx, "manifest resolved",
		"source_digest", resolved.SourceDigest.String(),
		"layers", len(resolved.Layers))

	pulled, err := c.puller.Pull(ctx, resolved)
	if err != nil {
		return nil, fmt.Errorf("pull image: %w", err)
	}

	applied, err := stages.Applier.ApplyLayers(ctx, ar, pulled)
	if err != nil {
		return nil, fmt.Errorf("apply layers: %w", err)
	}

	out, err := stages.Materializer.Materialize(ctx, applied, fs.MaterializeOptions{
		OutDir: opts.OutDir,
		Mode:   opts.Mode,
	})
	if err != nil {
		return nil, fmt.Errorf("materialize output: %w", err)
	}

	buildTime := c.now().Sub(startTime)
	logger.InfoContext(ctx, "conversion completed",
		"rootfs", out.RootfsPath,
		"duration", buildTime)

	return &Result{
		Command:           CommandName,
		RunID:             runID.String(),
		Source:            opts.Source,
		SourceDigest:      resolved.SourceDigest,
		Platform:          resolved.Platform,
		Mode:              out.Mode,
		LayersApplied:     len(pulled.Layers),
		OutDir:            out.OutDir,
		RootfsPath:        out.RootfsPath,
		MetadataPath:      out.MetadataPath,
		AssetManifestPath: out.AssetManifestPath,
		Files:             out.Files,
		BuildTime:         buildTime,
	}, nil
}

// finish stores the outcome of a run. History failures are logged and never
// change the result of the conversion.
func (c *Converter) finish(ctx context.Context, record *db.Conversion, result *Result, err error) {
	completed := c.now()
	record.CompletedAt = &completed

	if err != nil {
		msg := err.Error()
		record.Status = db.StatusFailed
		record.Error = &msg
		slogcontext.FromCtx(ctx).DebugContext(ctx, "conversion failed", "error", err)
	} else {
		record.Status = db.StatusSucceeded
		record.RootfsPath = &result.RootfsPath
	}

	if herr := c.history.Finish(context.WithoutCancel(ctx), record); herr != nil {
		slogcontext.FromCtx(ctx).WarnContext(ctx, "failed to record conversion result", "error", herr)
	}
}

func digestPtr(d digest.Digest) *string {
	if d == "" {
		return nil
	}
	s := d.String()
	return &s
}
