package resolver

import "errors"

var (
	ErrInvalidDocument = errors.New("invalid manifest document")
	ErrEmptyIndex      = errors.New("index has no manifests")
	ErrCyclicManifest  = errors.New("nested index chain is cyclic or too deep")
	ErrArchiveNotFound = errors.New("OCI tar archive not found")
	ErrUnknownSource   = errors.New("unknown image source")
)
