// Package resolver turns an image source into one platform-specific manifest
// with its config and layer descriptors.
package resolver

import (
	"context"
	"fmt"
	"os"

	"github.com/maxdollinger/docker2vm/pkg/archive"
	"github.com/maxdollinger/docker2vm/pkg/arena"
	"github.com/maxdollinger/docker2vm/pkg/issue"
	"github.com/maxdollinger/docker2vm/pkg/oci"
	"github.com/maxdollinger/docker2vm/pkg/registry"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	slogcontext "github.com/veqryn/slog-context"
)

// maxIndexDepth bounds nested index chains in local layouts.
const maxIndexDepth = 8

// ManifestFetcher fetches manifests and indexes from a registry.
type ManifestFetcher interface {
	FetchManifest(ctx context.Context, reference string) (*registry.Manifest, error)
}

// ClientFactory creates the fetcher used for one image reference.
type ClientFactory func(ref oci.ImageReference) ManifestFetcher

type Resolver struct {
	newClient ClientFactory
}

type Option func(*Resolver)

// WithClientFactory replaces the registry client constructor.
func WithClientFactory(f ClientFactory) Option {
	return func(r *Resolver) { r.newClient = f }
}

// WithRegistryOptions configures the default registry clients.
func WithRegistryOptions(opts ...registry.Option) Option {
	return func(r *Resolver) {
		r.newClient = func(ref oci.ImageReference) ManifestFetcher {
			return registry.NewClient(ref, opts...)
		}
	}
}

func New(opts ...Option) *Resolver {
	r := &Resolver{
		newClient: func(ref oci.ImageReference) ManifestFetcher {
			return registry.NewClient(ref)
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve selects the manifest of src for platform. Temporary directories
// needed on the way, such as an extracted OCI archive, are created in a and
// stay alive until a is released.
func (r *Resolver) Resolve(ctx context.Context, a *arena.Arena, src oci.Source, platform oci.Platform) (*oci.ResolvedImage, error) {
	var (
		resolved *oci.ResolvedImage
		err      error
	)

	switch s := src.(type) {
	case oci.ImageSource:
		resolved, err = r.resolveRegistry(ctx, s, platform)
	case oci.LayoutSource:
		resolved, err = r.resolveLayout(ctx, s, s.Path, platform)
	case oci.ArchiveSource:
		resolved, err = r.resolveArchive(ctx, a, s, platform)
	default:
		return nil, issue.New(issue.KindUsage, ErrUnknownSource, fmt.Sprintf("unknown image source %T", src))
	}
	if err != nil {
		return nil, err
	}

	slogcontext.FromCtx(ctx).InfoContext(ctx, "resolved image manifest",
		"source", src.String(),
		"platform", platform.String(),
		"layers", len(resolved.Layers),
		oci.DescriptorAttr(resolved.Manifest))
	return resolved, nil
}

func (r *Resolver) resolveRegistry(ctx context.Context, src oci.ImageSource, platform oci.Platform) (*oci.ResolvedImage, error) {
	ref, err := oci.ParseImageReference(src.Ref)
	if err != nil {
		return nil, err
	}
	client := r.newClient(ref)
	logger := slogcontext.FromCtx(ctx)

	top, err := client.FetchManifest(ctx, ref.Reference)
	if err != nil {
		return nil, err
	}

	selected := top.Descriptor
	body := top.Body
	mediaType := effectiveMediaType(top.MediaType, top.Body)

	switch {
	case oci.IsIndexMediaType(mediaType):
		index, err := decodeIndex(top.Body, "registry manifest index")
		if err != nil {
			return nil, err
		}
		selected, err = oci.SelectPlatform(index.Manifests, platform)
		if err != nil {
			return nil, err
		}
		logger.DebugContext(ctx, "selected platform manifest", oci.DescriptorAttr(selected))

		nested, err := client.FetchManifest(ctx, selected.Digest.String())
		if err != nil {
			return nil, err
		}
		nestedType := effectiveMediaType(nested.MediaType, nested.Body)
		if !oci.IsManifestMediaType(nestedType) {
			return nil, issue.New(issue.KindUsage, oci.ErrUnsupportedMediaType,
				fmt.Sprintf("unsupported resolved manifest media type '%s'", nestedType),
				"Expected an OCI or Docker v2 image manifest.")
		}
		body = nested.Body
		mediaType = nestedType
		selected.Digest = nested.Descriptor.Digest
		selected.Size = nested.Descriptor.Size

	case oci.IsManifestMediaType(mediaType):

	default:
		return nil, issue.New(issue.KindUsage, oci.ErrUnsupportedMediaType,
			fmt.Sprintf("unsupported manifest media type '%s'", mediaType),
			"Expected an OCI/Docker manifest or manifest list.")
	}

	manifest, err := decodeManifest(body, "registry image manifest")
	if err != nil {
		return nil, err
	}
	config, layers, err := validateManifest(manifest)
	if err != nil {
		return nil, err
	}

	if selected.MediaType == "" || !oci.IsManifestMediaType(selected.MediaType) {
		selected.MediaType = mediaType
	}

	return &oci.ResolvedImage{
		Source:       src,
		Platform:     platform,
		Manifest:     selected,
		Config:       config,
		Layers:       layers,
		SourceDigest: selected.Digest,
		Details: oci.RegistryDetails{
			Registry:   ref.RegistryAPIHost,
			Repository: ref.Repository,
			Reference:  ref.Reference,
		},
	}, nil
}

// resolveLayout resolves the layout at dir. src is reported as the resolved
// source, which differs from dir for extracted archives.
func (r *Resolver) resolveLayout(ctx context.Context, src oci.Source, dir string, platform oci.Platform) (*oci.ResolvedImage, error) {
	layout, err := oci.OpenLayout(dir)
	if err != nil {
		return nil, err
	}

	raw, err := layout.ReadIndex()
	if err != nil {
		return nil, err
	}
	index, err := decodeIndex(raw, "OCI layout index.json")
	if err != nil {
		return nil, err
	}
	if len(index.Manifests) == 0 {
		return nil, issue.New(issue.KindUsage, ErrEmptyIndex,
			"OCI layout index has no manifests",
			"Path: "+layout.IndexPath(),
			"Ensure the OCI layout is complete and valid.")
	}

	top, err := oci.SelectPlatform(index.Manifests, platform)
	if err != nil {
		return nil, err
	}

	selected, body, err := r.resolveLayoutDescriptor(ctx, layout, top, platform)
	if err != nil {
		return nil, err
	}

	manifest, err := decodeManifest(body, "OCI image manifest")
	if err != nil {
		return nil, err
	}
	config, layers, err := validateManifest(manifest)
	if err != nil {
		return nil, err
	}

	return &oci.ResolvedImage{
		Source:       src,
		Platform:     platform,
		Manifest:     selected,
		Config:       config,
		Layers:       layers,
		SourceDigest: selected.Digest,
		Details:      oci.LayoutDetails{LayoutPath: layout.Root()},
	}, nil
}

// resolveLayoutDescriptor follows nested indexes until it reaches an image
// manifest and returns that manifest's descriptor and verified content.
func (r *Resolver) resolveLayoutDescriptor(ctx context.Context, layout *oci.Layout, desc ocispec.Descriptor, platform oci.Platform) (ocispec.Descriptor, []byte, error) {
	visited := map[digest.Digest]bool{}

	for depth := 0; ; depth++ {
		d, err := oci.ParseDigest(desc.Digest.String())
		if err != nil {
			return ocispec.Descriptor{}, nil, err
		}
		desc.Digest = d

		if depth >= maxIndexDepth || visited[d] {
			return ocispec.Descriptor{}, nil, issue.New(issue.KindUsage, ErrCyclicManifest,
				fmt.Sprintf("nested index chain at %s is cyclic or deeper than %d levels", d, maxIndexDepth),
				"Ensure the OCI layout is complete and valid.")
		}
		visited[d] = true

		body, err := layout.ReadBlob(d)
		if err != nil {
			return ocispec.Descriptor{}, nil, err
		}

		mediaType := effectiveMediaType(desc.MediaType, body)
		switch {
		case oci.IsManifestMediaType(mediaType):
			desc.MediaType = mediaType
			return desc, body, nil

		case oci.IsIndexMediaType(mediaType):
			nested, err := decodeIndex(body, fmt.Sprintf("index %s", d))
			if err != nil {
				return ocispec.Descriptor{}, nil, err
			}
			next, err := oci.SelectPlatform(nested.Manifests, platform)
			if err != nil {
				return ocispec.Descriptor{}, nil, err
			}
			slogcontext.FromCtx(ctx).DebugContext(ctx, "following nested index", "depth", depth+1, oci.DescriptorAttr(next))
			desc = next

		default:
			return ocispec.Descriptor{}, nil, issue.New(issue.KindUsage, oci.ErrUnsupportedMediaType,
				fmt.Sprintf("unsupported descriptor media type '%s'", mediaType),
				"Expected OCI manifest or OCI index descriptor in layout.")
		}
	}
}

func (r *Resolver) resolveArchive(ctx context.Context, a *arena.Arena, src oci.ArchiveSource, platform oci.Platform) (*oci.ResolvedImage, error) {
	info, err := os.Stat(src.Path)
	if err != nil || !info.Mode().IsRegular() {
		return nil, issue.New(issue.KindNotFound, ErrArchiveNotFound,
			fmt.Sprintf("OCI tar archive not found: %s", src.Path),
			"Verify that the OCI tar archive exists and is a regular file.")
	}

	dir, err := a.TempDir("oci2vm-layout-")
	if err != nil {
		return nil, err
	}

	entries, err := archive.ReadArchiveFile(src.Path)
	if err != nil {
		return nil, fmt.Errorf("read OCI archive: %w", err)
	}
	if err := archive.ExtractToDirectory(entries, dir); err != nil {
		return nil, fmt.Errorf("extract OCI archive: %w", err)
	}
	slogcontext.FromCtx(ctx).DebugContext(ctx, "extracted OCI archive", "path", src.Path, "layout", dir, "entries", len(entries))

	return r.resolveLayout(ctx, src, dir, platform)
}
