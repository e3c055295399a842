package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/maxdollinger/docker2vm/pkg/issue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "warn", "JSON")
	require.NoError(t, err)

	logger.Info("dropped")
	logger.Warn("kept", "run_id", "abc")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "kept", record["msg"])
	assert.Equal(t, "abc", record["run_id"])
}

func TestNewText(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "debug", "")
	require.NoError(t, err)

	logger.Debug("applying layer", "index", 2)
	assert.Contains(t, buf.String(), "applying layer")
	assert.Contains(t, buf.String(), "index=2")
}

func TestNewRejectsInvalidSettings(t *testing.T) {
	_, err := New(&bytes.Buffer{}, "loud", "text")
	require.ErrorIs(t, err, ErrInvalidLevel)
	assert.Equal(t, issue.KindUsage, issue.KindOf(err))

	_, err = New(&bytes.Buffer{}, "info", "xml")
	require.ErrorIs(t, err, ErrInvalidFormat)
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"":       slog.LevelInfo,
		"DEBUG":  slog.LevelDebug,
		" warn ": slog.LevelWarn,
		"error":  slog.LevelError,
		"info+2": slog.LevelInfo + 2,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}
