package resolver

import (
	"encoding/json"
	"fmt"

	"github.com/maxdollinger/docker2vm/pkg/issue"
	"github.com/maxdollinger/docker2vm/pkg/oci"
	"github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// indexDocument covers both OCI indexes and Docker manifest lists. A nil
// Manifests slice means the field was absent.
type indexDocument struct {
	specs.Versioned
	MediaType string               `json:"mediaType,omitempty"`
	Manifests []ocispec.Descriptor `json:"manifests"`
}

// manifestDocument covers OCI image manifests and Docker v2 manifests.
type manifestDocument struct {
	specs.Versioned
	MediaType string               `json:"mediaType,omitempty"`
	Config    *ocispec.Descriptor  `json:"config"`
	Layers    []ocispec.Descriptor `json:"layers"`
}

func parseJSON(data []byte, label string, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return issue.Wrap(issue.KindUsage, ErrInvalidDocument, err,
			fmt.Sprintf("failed to parse %s JSON", label), err.Error())
	}
	return nil
}

func decodeIndex(data []byte, label string) (*indexDocument, error) {
	var doc indexDocument
	if err := parseJSON(data, label, &doc); err != nil {
		return nil, err
	}
	if doc.SchemaVersion != 2 || doc.Manifests == nil {
		return nil, issue.New(issue.KindUsage, ErrInvalidDocument,
			fmt.Sprintf("invalid %s: expected schemaVersion 2 with manifests array", label))
	}
	return &doc, nil
}

func decodeManifest(data []byte, label string) (*manifestDocument, error) {
	var doc manifestDocument
	if err := parseJSON(data, label, &doc); err != nil {
		return nil, err
	}
	if doc.SchemaVersion != 2 || doc.Config == nil || doc.Layers == nil {
		return nil, issue.New(issue.KindUsage, ErrInvalidDocument,
			fmt.Sprintf("invalid %s: expected schemaVersion 2 with config and layers", label))
	}
	return &doc, nil
}

// documentMediaType returns the mediaType field embedded in a manifest or
// index, or "" when the body is not a JSON object.
func documentMediaType(data []byte) string {
	var probe struct {
		MediaType string `json:"mediaType"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return ""
	}
	return probe.MediaType
}

// effectiveMediaType prefers the transport media type and falls back to the
// document's own field when the transport type is not a manifest or index.
func effectiveMediaType(transport string, body []byte) string {
	if oci.IsManifestMediaType(transport) || oci.IsIndexMediaType(transport) {
		return transport
	}
	if embedded := documentMediaType(body); embedded != "" {
		return embedded
	}
	return transport
}

// validateManifest checks config and layer media types and digests so that
// unsupported images fail before any blob is fetched. It returns the config
// and layer descriptors with normalized digests.
func validateManifest(doc *manifestDocument) (ocispec.Descriptor, []ocispec.Descriptor, error) {
	config := *doc.Config
	if !oci.IsConfigMediaType(config.MediaType) {
		return ocispec.Descriptor{}, nil, issue.New(issue.KindUsage, oci.ErrUnsupportedMediaType,
			fmt.Sprintf("unsupported config media type '%s'", config.MediaType),
			"Expected OCI or Docker image config media type.")
	}
	d, err := oci.ParseDigest(config.Digest.String())
	if err != nil {
		return ocispec.Descriptor{}, nil, err
	}
	config.Digest = d

	layers := make([]ocispec.Descriptor, 0, len(doc.Layers))
	for _, layer := range doc.Layers {
		if !oci.IsSupportedLayerMediaType(layer.MediaType) {
			return ocispec.Descriptor{}, nil, issue.New(issue.KindUsage, oci.ErrUnsupportedMediaType,
				fmt.Sprintf("unsupported layer media type '%s'", layer.MediaType),
				"This converter currently supports tar and tar+gzip layer media types.")
		}
		d, err := oci.ParseDigest(layer.Digest.String())
		if err != nil {
			return ocispec.Descriptor{}, nil, err
		}
		layer.Digest = d
		layers = append(layers, layer)
	}

	return config, layers, nil
}
