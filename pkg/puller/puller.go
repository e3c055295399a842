// Package puller fetches the config and layer blobs of a resolved image into
// the local blob cache and verifies each of them.
package puller

import (
	"context"
	"errors"
	"fmt"

	"github.com/maxdollinger/docker2vm/pkg/issue"
	"github.com/maxdollinger/docker2vm/pkg/oci"
	"github.com/maxdollinger/docker2vm/pkg/registry"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	slogcontext "github.com/veqryn/slog-context"
)

var ErrUnknownDetails = errors.New("unknown source details")

// BlobFetcher downloads a verified blob to a path.
type BlobFetcher interface {
	FetchBlobToFile(ctx context.Context, d digest.Digest, dest string) error
}

// FetcherFactory creates the fetcher for the registry an image came from.
type FetcherFactory func(ref oci.ImageReference) BlobFetcher

type Puller struct {
	cache      *BlobCache
	newFetcher FetcherFactory
}

type Option func(*Puller)

func WithFetcherFactory(f FetcherFactory) Option {
	return func(p *Puller) { p.newFetcher = f }
}

// WithRegistryOptions configures the default registry clients.
func WithRegistryOptions(opts ...registry.Option) Option {
	return func(p *Puller) {
		p.newFetcher = func(ref oci.ImageReference) BlobFetcher {
			return registry.NewClient(ref, opts...)
		}
	}
}

func New(cache *BlobCache, opts ...Option) *Puller {
	p := &Puller{
		cache: cache,
		newFetcher: func(ref oci.ImageReference) BlobFetcher {
			return registry.NewClient(ref)
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// blobSource materializes one blob into the cache.
type blobSource func(ctx context.Context, desc ocispec.Descriptor) (string, error)

// Pull makes the config blob and every layer blob of resolved available in
// the cache, in manifest order, and parses the config.
func (p *Puller) Pull(ctx context.Context, resolved *oci.ResolvedImage) (*oci.PulledImage, error) {
	fetch, err := p.sourceFor(resolved.Details)
	if err != nil {
		return nil, err
	}

	configPath, err := p.materialize(ctx, resolved.Config, fetch)
	if err != nil {
		return nil, fmt.Errorf("pull config: %w", err)
	}
	config, err := oci.ReadConfigFile(configPath)
	if err != nil {
		return nil, err
	}

	layers := make([]oci.PulledLayer, 0, len(resolved.Layers))
	for i, layer := range resolved.Layers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		blobPath, err := p.materialize(ctx, layer, fetch)
		if err != nil {
			return nil, fmt.Errorf("pull layer %d: %w", i, err)
		}
		layers = append(layers, oci.PulledLayer{Descriptor: layer, BlobPath: blobPath})
	}

	slogcontext.FromCtx(ctx).InfoContext(ctx, "pulled and verified blobs",
		"layers", len(layers), "cache", p.cache.Root())

	return &oci.PulledImage{
		Resolved:   resolved,
		ConfigPath: configPath,
		Config:     config,
		Layers:     layers,
	}, nil
}

func (p *Puller) materialize(ctx context.Context, desc ocispec.Descriptor, fetch blobSource) (string, error) {
	d, err := oci.ParseDigest(desc.Digest.String())
	if err != nil {
		return "", err
	}
	desc.Digest = d

	logger := slogcontext.FromCtx(ctx)
	cached, ok, err := p.cache.Lookup(d)
	if err != nil {
		return "", err
	}
	if ok {
		logger.DebugContext(ctx, "blob cache hit", oci.DescriptorAttr(desc))
		return cached, nil
	}

	logger.DebugContext(ctx, "blob cache miss", oci.DescriptorAttr(desc))
	return fetch(ctx, desc)
}

func (p *Puller) sourceFor(details oci.SourceDetails) (blobSource, error) {
	switch det := details.(type) {
	case oci.LayoutDetails:
		layout, err := oci.OpenLayout(det.LayoutPath)
		if err != nil {
			return nil, err
		}
		return func(_ context.Context, desc ocispec.Descriptor) (string, error) {
			src, err := layout.StatBlob(desc.Digest)
			if err != nil {
				return "", err
			}
			if err := oci.VerifyFile(desc.Digest, src); err != nil {
				return "", err
			}
			return p.cache.Import(src, desc.Digest)
		}, nil

	case oci.RegistryDetails:
		fetcher := p.newFetcher(oci.ImageReference{
			Original:        det.Registry + "/" + det.Repository + ":" + det.Reference,
			Registry:        det.Registry,
			RegistryAPIHost: det.Registry,
			Repository:      det.Repository,
			Reference:       det.Reference,
		})
		return func(ctx context.Context, desc ocispec.Descriptor) (string, error) {
			dest := p.cache.Path(desc.Digest)
			if err := fetcher.FetchBlobToFile(ctx, desc.Digest, dest); err != nil {
				return "", err
			}
			if err := oci.VerifyFile(desc.Digest, dest); err != nil {
				return "", err
			}
			return dest, nil
		}, nil

	default:
		return nil, issue.New(issue.KindUsage, ErrUnknownDetails,
			fmt.Sprintf("unknown source details %T", details))
	}
}
