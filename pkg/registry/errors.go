package registry

import (
	"errors"
	"fmt"
)

var (
	ErrRequestFailed    = errors.New("registry request failed")
	ErrMissingToken     = errors.New("registry token response did not include a token")
	ErrManifestTooLarge = errors.New("manifest exceeds size limit")
)

// StatusError records a non-successful registry response.
type StatusError struct {
	StatusCode int
	Path       string
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status %d for %s", e.StatusCode, e.Path)
}
