package oci

import "errors"

var (
	// Reference errors
	ErrInvalidReference = errors.New("invalid image reference")

	// Digest errors
	ErrInvalidDigest     = errors.New("invalid digest")
	ErrUnsupportedDigest = errors.New("unsupported digest algorithm")
	ErrDigestMismatch    = errors.New("digest mismatch")

	// Platform errors
	ErrInvalidPlatform     = errors.New("invalid platform")
	ErrUnsupportedPlatform = errors.New("unsupported platform")
	ErrPlatformNotFound    = errors.New("no manifest for platform")

	// Media type errors
	ErrUnsupportedMediaType = errors.New("unsupported media type")

	// Local layout errors
	ErrLayoutNotFound = errors.New("OCI layout not found")
	ErrBlobNotFound   = errors.New("blob not found")

	// Config errors
	ErrConfigParse = errors.New("failed to parse image config")
)
