package oci

import (
	"strings"

	"github.com/google/go-containerregistry/pkg/v1/types"
)

const (
	MediaTypeImageIndex         = types.OCIImageIndex
	MediaTypeImageManifest      = types.OCIManifestSchema1
	MediaTypeImageConfig        = types.OCIConfigJSON
	MediaTypeDockerManifestList = types.DockerManifestList
	MediaTypeDockerManifest     = types.DockerManifestSchema2
	MediaTypeDockerConfig       = types.DockerConfigJSON

	MediaTypeLayer           = types.OCIUncompressedLayer
	MediaTypeLayerGzip       = types.OCILayer
	MediaTypeDockerLayer     = types.DockerUncompressedLayer
	MediaTypeDockerLayerGzip = types.DockerLayer
)

// ManifestAcceptHeader lists the manifest and index types requested from registries.
var ManifestAcceptHeader = strings.Join([]string{
	string(MediaTypeImageIndex),
	string(MediaTypeImageManifest),
	string(MediaTypeDockerManifestList),
	string(MediaTypeDockerManifest),
}, ", ")

// IsIndexMediaType reports whether mt is an OCI index or Docker manifest list.
func IsIndexMediaType(mt string) bool {
	return types.MediaType(mt).IsIndex()
}

// IsManifestMediaType reports whether mt is an OCI or Docker v2 image manifest.
func IsManifestMediaType(mt string) bool {
	return types.MediaType(mt).IsImage()
}

// IsConfigMediaType reports whether mt is an OCI or Docker image config.
func IsConfigMediaType(mt string) bool {
	return types.MediaType(mt).IsConfig()
}

func IsGzipLayerMediaType(mt string) bool {
	switch types.MediaType(mt) {
	case MediaTypeLayerGzip, MediaTypeDockerLayerGzip:
		return true
	}
	return false
}

func IsUncompressedLayerMediaType(mt string) bool {
	switch types.MediaType(mt) {
	case MediaTypeLayer, MediaTypeDockerLayer:
		return true
	}
	return false
}

// IsSupportedLayerMediaType reports whether mt is one of the four tar or tar+gzip layer types.
func IsSupportedLayerMediaType(mt string) bool {
	return IsGzipLayerMediaType(mt) || IsUncompressedLayerMediaType(mt)
}
