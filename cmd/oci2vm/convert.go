package main

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/maxdollinger/docker2vm/internal/builder"
	"github.com/maxdollinger/docker2vm/internal/db"
	"github.com/maxdollinger/docker2vm/pkg/fs"
	"github.com/maxdollinger/docker2vm/pkg/issue"
	"github.com/maxdollinger/docker2vm/pkg/oci"
	"github.com/maxdollinger/docker2vm/pkg/puller"
	"github.com/maxdollinger/docker2vm/pkg/registry"
	"github.com/maxdollinger/docker2vm/pkg/resolver"
	"github.com/spf13/cobra"
)

var errConflictingSources = errors.New("conflicting input sources")

type convertFlags struct {
	image     string
	ociLayout string
	ociTar    string
	out       string
	mode      string
	dryRun    bool
}

func newConvertCmd(a *app) *cobra.Command {
	var f convertFlags

	cmd := &cobra.Command{
		Use:   "convert (--image REF | --oci-layout DIR | --oci-tar FILE) --out DIR",
		Short: "Convert an image into a rootfs.ext4",
		Example: `  oci2vm convert --image ghcr.io/org/app:latest --out ./out --dry-run
  oci2vm convert --oci-layout ./layout --platform arm64 --out ./out
  oci2vm convert --oci-tar ./image.tar --mode assets --out ./guest`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runConvert(cmd.Context(), f)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.image, "image", "", "registry image reference")
	flags.StringVar(&f.ociLayout, "oci-layout", "", "OCI layout directory")
	flags.StringVar(&f.ociTar, "oci-tar", "", "tar archive of an OCI layout")
	flags.StringVar(&f.out, "out", "", "output directory")
	flags.String("platform", "", "target platform: linux/amd64, linux/arm64 (default: host)")
	flags.StringVar(&f.mode, "mode", "rootfs", "output mode: rootfs, assets")
	flags.BoolVar(&f.dryRun, "dry-run", false, "print the conversion plan and exit")
	flags.String("guest-dir", "", "gondolin guest asset directory (default: newest cached version)")

	return cmd
}

func (f convertFlags) source() (oci.Source, error) {
	var sources []oci.Source
	if strings.TrimSpace(f.image) != "" {
		sources = append(sources, oci.ImageSource{Ref: f.image})
	}
	if strings.TrimSpace(f.ociLayout) != "" {
		sources = append(sources, oci.LayoutSource{Path: f.ociLayout})
	}
	if strings.TrimSpace(f.ociTar) != "" {
		sources = append(sources, oci.ArchiveSource{Path: f.ociTar})
	}

	switch len(sources) {
	case 0:
		// reported by Options validation
		return nil, nil
	case 1:
		return sources[0], nil
	}

	kinds := make([]string, 0, len(sources))
	for _, src := range sources {
		kinds = append(kinds, string(src.Kind()))
	}
	return nil, issue.New(issue.KindUsage, errConflictingSources,
		"Input source flags are mutually exclusive.",
		"Received multiple sources: "+strings.Join(kinds, ", ")+".",
		"Pass exactly one of: --image, --oci-layout, --oci-tar.")
}

func (a *app) runConvert(ctx context.Context, f convertFlags) error {
	src, err := f.source()
	if err != nil {
		return err
	}

	var platform oci.Platform
	if strings.TrimSpace(a.cfg.Platform) != "" {
		if platform, err = oci.ParsePlatform(a.cfg.Platform); err != nil {
			return err
		}
	}

	opts := builder.Options{
		Source:   src,
		Platform: platform,
		Mode:     fs.Mode(f.mode),
		OutDir:   f.out,
	}

	if f.dryRun {
		plan, err := builder.Plan(opts)
		if err != nil {
			return err
		}
		return a.printJSON(plan)
	}

	converter, closeHistory := a.newConverter(ctx)
	defer closeHistory()

	result, err := converter.Convert(ctx, opts)
	if err != nil {
		return err
	}
	return a.printJSON(result)
}

// blobCache is rooted at cache_dir; blobs land in <cache_dir>/blobs/<alg>/<hex>.
func (a *app) blobCache() *puller.BlobCache {
	return puller.NewBlobCache(a.cfg.CacheDir)
}

// newConverter wires the production pipeline from the loaded configuration.
// The returned func closes the history database, if one was opened.
func (a *app) newConverter(ctx context.Context) (*builder.Converter, func()) {
	regOpts := []registry.Option{
		registry.WithHTTPClient(&http.Client{Timeout: a.cfg.Registry.Timeout}),
		registry.WithLogger(a.logger),
	}

	stages := builder.GuestStages(
		fs.GuestLocator{Dir: a.cfg.Guest.Dir, CacheRoot: a.cfg.Guest.CacheRoot},
		fs.ExecRunner{},
	)

	var opts []builder.Option
	closeHistory := func() {}
	if a.cfg.History.Enabled {
		store, err := db.OpenStore(ctx, a.cfg.HistoryPath())
		if err != nil {
			a.logger.WarnContext(ctx, "conversion history disabled", "error", err)
		} else {
			opts = append(opts, builder.WithHistory(store))
			closeHistory = func() { _ = store.Close() }
		}
	}

	converter := builder.NewConverter(
		resolver.New(resolver.WithRegistryOptions(regOpts...)),
		puller.New(a.blobCache(), puller.WithRegistryOptions(regOpts...)),
		stages,
		opts...,
	)
	return converter, closeHistory
}
