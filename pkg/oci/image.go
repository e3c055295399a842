package oci

import (
	"encoding/json"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

type SourceKind string

const (
	SourceKindImage   SourceKind = "image"
	SourceKindLayout  SourceKind = "oci-layout"
	SourceKindArchive SourceKind = "oci-tar"
)

// Source is where an image comes from. The set of implementations is closed:
// ImageSource, LayoutSource and ArchiveSource.
type Source interface {
	Kind() SourceKind
	String() string
	isSource()
}

// ImageSource is a registry image reference.
type ImageSource struct {
	Ref string
}

// LayoutSource is an OCI layout directory on disk.
type LayoutSource struct {
	Path string
}

// ArchiveSource is a tar (or tar.gz) file containing an OCI layout.
type ArchiveSource struct {
	Path string
}

func (ImageSource) Kind() SourceKind   { return SourceKindImage }
func (LayoutSource) Kind() SourceKind  { return SourceKindLayout }
func (ArchiveSource) Kind() SourceKind { return SourceKindArchive }

func (s ImageSource) String() string   { return s.Ref }
func (s LayoutSource) String() string  { return s.Path }
func (s ArchiveSource) String() string { return s.Path }

func (ImageSource) isSource()   {}
func (LayoutSource) isSource()  {}
func (ArchiveSource) isSource() {}

type sourceJSON struct {
	Kind SourceKind `json:"kind"`
	Ref  string     `json:"ref,omitempty"`
	Path string     `json:"path,omitempty"`
}

func (s ImageSource) MarshalJSON() ([]byte, error) {
	return json.Marshal(sourceJSON{Kind: s.Kind(), Ref: s.Ref})
}

func (s LayoutSource) MarshalJSON() ([]byte, error) {
	return json.Marshal(sourceJSON{Kind: s.Kind(), Path: s.Path})
}

func (s ArchiveSource) MarshalJSON() ([]byte, error) {
	return json.Marshal(sourceJSON{Kind: s.Kind(), Path: s.Path})
}

// SourceDetails carries what the blob puller needs to fetch blobs for a
// resolved image. Implementations: RegistryDetails and LayoutDetails.
type SourceDetails interface {
	isSourceDetails()
}

type RegistryDetails struct {
	Registry   string
	Repository string
	Reference  string
}

type LayoutDetails struct {
	LayoutPath string
}

func (RegistryDetails) isSourceDetails() {}
func (LayoutDetails) isSourceDetails()   {}

// ResolvedImage is one platform-specific manifest with its config and layer
// descriptors. Layers are in manifest order, bottom layer first.
type ResolvedImage struct {
	Source       Source
	Platform     Platform
	Manifest     ocispec.Descriptor
	Config       ocispec.Descriptor
	Layers       []ocispec.Descriptor
	SourceDigest digest.Digest
	Details      SourceDetails
}

// PulledLayer pairs a layer descriptor with its verified local blob.
type PulledLayer struct {
	Descriptor ocispec.Descriptor
	BlobPath   string
}

// PulledImage is a resolved image whose blobs are all present and verified.
type PulledImage struct {
	Resolved   *ResolvedImage
	ConfigPath string
	Config     *v1.ConfigFile
	Layers     []PulledLayer
}

// RuntimeMetadata is the process configuration handed to the guest.
type RuntimeMetadata struct {
	Entrypoint []string `json:"entrypoint"`
	Cmd        []string `json:"cmd"`
	Env        []string `json:"env"`
	Workdir    string   `json:"workdir"`
	User       string   `json:"user"`
}

// AppliedRootfs is the fully composed rootfs directory of a pulled image.
type AppliedRootfs struct {
	Resolved  *ResolvedImage
	Config    *v1.ConfigFile
	Runtime   RuntimeMetadata
	RootfsDir string
}
