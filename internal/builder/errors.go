package builder

import "errors"

var (
	ErrMissingSource = errors.New("missing input source")
	ErrMissingOutDir = errors.New("missing output directory")
)
