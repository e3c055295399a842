// Package issue classifies failures into a small closed set of kinds and
// attaches remediation hints that the CLI renders for the user.
//
// Packages keep their own sentinel errors (see each package's errors.go) and
// wrap them in an *Error so callers can match on both the sentinel with
// errors.Is and the kind with KindOf.
package issue

import (
	"errors"
	"strings"
)

// Kind is the failure category of an Error.
type Kind int

const (
	KindUnknown Kind = iota
	// KindUsage covers invalid input: references, platforms, media types, digests.
	KindUsage
	// KindIntegrity covers content that does not hash to its digest.
	KindIntegrity
	// KindSecurity covers archive content trying to escape the rootfs.
	KindSecurity
	// KindProtocol covers registry HTTP and auth failures.
	KindProtocol
	// KindNotFound covers missing files or blobs in local sources.
	KindNotFound
	// KindEnvironment covers missing or failing external tools.
	KindEnvironment
)

func (k Kind) String() string {
	switch k {
	case KindUsage:
		return "usage"
	case KindIntegrity:
		return "integrity"
	case KindSecurity:
		return "security"
	case KindProtocol:
		return "protocol"
	case KindNotFound:
		return "not-found"
	case KindEnvironment:
		return "environment"
	default:
		return "unknown"
	}
}

// Error is a classified failure with a short message and actionable hints.
type Error struct {
	Kind     Kind
	Message  string
	Hints    []string
	Sentinel error
	Cause    error
}

// New creates an Error for the given kind and sentinel.
func New(kind Kind, sentinel error, message string, hints ...string) *Error {
	return &Error{
		Kind:     kind,
		Message:  message,
		Hints:    hints,
		Sentinel: sentinel,
	}
}

// Wrap is New with an underlying cause that stays reachable through errors.Is/As.
func Wrap(kind Kind, sentinel, cause error, message string, hints ...string) *Error {
	e := New(kind, sentinel, message, hints...)
	e.Cause = cause
	return e
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Sentinel != nil {
		errs = append(errs, e.Sentinel)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HintsOf returns the hints of the first *Error in err's chain.
func HintsOf(err error) []string {
	var e *Error
	if errors.As(err, &e) {
		return e.Hints
	}
	return nil
}

// Render formats err for terminal output:
//
//	Error: <message>
//
//	How to fix:
//	  - <hint>
func Render(err error) string {
	if err == nil {
		return ""
	}

	var b strings.Builder
	b.WriteString("Error: ")
	b.WriteString(err.Error())

	hints := HintsOf(err)
	if len(hints) > 0 {
		b.WriteString("\n\nHow to fix:")
		for _, hint := range hints {
			b.WriteString("\n  - ")
			b.WriteString(hint)
		}
	}

	return b.String()
}
