package oci

import (
	"log/slog"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// DescriptorAttr groups the identifying fields of a descriptor for logging.
func DescriptorAttr(d ocispec.Descriptor) slog.Attr {
	args := []any{
		slog.String("mediaType", d.MediaType),
		slog.String("digest", d.Digest.String()),
		slog.Int64("size", d.Size),
	}
	if d.Platform != nil {
		args = append(args, slog.String("platform", d.Platform.OS+"/"+d.Platform.Architecture))
	}
	return slog.Group("descriptor", args...)
}
