package oci

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/maxdollinger/docker2vm/pkg/issue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	config := `{
		"architecture": "amd64",
		"os": "linux",
		"config": {
			"Entrypoint": ["/docker-entrypoint.sh"],
			"Cmd": ["nginx", "-g", "daemon off;"],
			"Env": ["PATH=/usr/local/sbin:/usr/bin"],
			"WorkingDir": "/srv",
			"User": "nginx"
		},
		"rootfs": {"type": "layers", "diff_ids": []}
	}`
	require.NoError(t, os.WriteFile(path, []byte(config), 0o644))

	cfg, err := ReadConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, "linux", cfg.OS)

	meta := RuntimeMetadataFromConfig(cfg)
	assert.Equal(t, RuntimeMetadata{
		Entrypoint: []string{"/docker-entrypoint.sh"},
		Cmd:        []string{"nginx", "-g", "daemon off;"},
		Env:        []string{"PATH=/usr/local/sbin:/usr/bin"},
		Workdir:    "/srv",
		User:       "nginx",
	}, meta)
}

func TestParseConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "malformed json", data: `{"config": `},
		{name: "array", data: `[1, 2]`},
		{name: "null", data: `null`},
		{name: "string", data: `"config"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.data), "/cache/blobs/sha256/abc")
			require.ErrorIs(t, err, ErrConfigParse)
			assert.Equal(t, issue.KindUsage, issue.KindOf(err))
			assert.Contains(t, issue.HintsOf(err), "Blob path: /cache/blobs/sha256/abc")
		})
	}
}

func TestParseConfigToleratesUnexpectedFieldTypes(t *testing.T) {
	tests := []struct {
		name string
		data string
		want RuntimeMetadata
	}{
		{
			name: "empty created timestamp",
			data: `{"created": "", "config": {"Cmd": ["sh"]}}`,
			want: RuntimeMetadata{Entrypoint: []string{}, Cmd: []string{"sh"}, Env: []string{}},
		},
		{
			name: "string entrypoint",
			data: `{"config": {"Entrypoint": "sh", "Cmd": ["-c", "true"], "WorkingDir": "/app"}}`,
			want: RuntimeMetadata{Entrypoint: []string{}, Cmd: []string{"-c", "true"}, Env: []string{}, Workdir: "/app"},
		},
		{
			name: "numeric cmd and user",
			data: `{"os": "linux", "config": {"Cmd": 3, "Env": ["A=1"], "User": 0}}`,
			want: RuntimeMetadata{Entrypoint: []string{}, Cmd: []string{}, Env: []string{"A=1"}},
		},
		{
			name: "config is not an object",
			data: `{"os": "linux", "config": "none", "history": 7}`,
			want: RuntimeMetadata{Entrypoint: []string{}, Cmd: []string{}, Env: []string{}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := ParseConfig([]byte(tt.data), "config")
			require.NoError(t, err)
			assert.Equal(t, tt.want, RuntimeMetadataFromConfig(cfg))
		})
	}

	cfg, err := ParseConfig([]byte(`{"os": "linux", "architecture": "arm64", "created": ""}`), "config")
	require.NoError(t, err)
	assert.Equal(t, "linux", cfg.OS)
	assert.Equal(t, "arm64", cfg.Architecture)
}

func TestRuntimeMetadataDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte(`{"os": "linux"}`), "config")
	require.NoError(t, err)

	meta := RuntimeMetadataFromConfig(cfg)
	assert.Equal(t, []string{}, meta.Entrypoint)
	assert.Equal(t, []string{}, meta.Cmd)
	assert.Equal(t, []string{}, meta.Env)
	assert.Empty(t, meta.Workdir)
	assert.Empty(t, meta.User)

	assert.Equal(t, RuntimeMetadata{Entrypoint: []string{}, Cmd: []string{}, Env: []string{}}, RuntimeMetadataFromConfig(nil))
}
