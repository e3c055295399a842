// Package logging builds the slog logger used by the CLI.
package logging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/maxdollinger/docker2vm/pkg/issue"
)

const (
	FormatText = "text"
	FormatJSON = "json"
)

var (
	ErrInvalidLevel  = errors.New("invalid log level")
	ErrInvalidFormat = errors.New("invalid log format")
)

// New returns a logger writing to w. Text output goes through
// charmbracelet/log, json output through slog's JSON handler.
func New(w io.Writer, level, format string) (*slog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatText:
		handler := log.NewWithOptions(w, log.Options{
			Level:           log.Level(lvl),
			Prefix:          "oci2vm",
			ReportTimestamp: true,
		})
		return slog.New(handler), nil
	case FormatJSON:
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})), nil
	default:
		return nil, issue.New(issue.KindUsage, ErrInvalidFormat,
			fmt.Sprintf("unsupported log format '%s'", format),
			"Supported values are: text, json.")
	}
}

// ParseLevel accepts the slog level names, case-insensitive.
func ParseLevel(level string) (slog.Level, error) {
	var lvl slog.Level
	if strings.TrimSpace(level) == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return 0, issue.Wrap(issue.KindUsage, ErrInvalidLevel, err,
			fmt.Sprintf("unsupported log level '%s'", level),
			"Supported values are: debug, info, warn, error.")
	}
	return lvl, nil
}
