package fs

import "errors"

var (
	ErrToolNotFound          = errors.New("required tool not found")
	ErrToolFailed            = errors.New("external tool failed")
	ErrGuestAssetsNotFound   = errors.New("guest assets not found")
	ErrGuestAssetsIncomplete = errors.New("guest assets incomplete")
	ErrRuntimeFileMissing    = errors.New("runtime file missing from base rootfs")
	ErrInvalidWhiteout       = errors.New("invalid whiteout entry")
	ErrInvalidMode           = errors.New("invalid output mode")
)
