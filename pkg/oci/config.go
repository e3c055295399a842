package oci

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/maxdollinger/docker2vm/pkg/issue"
)

// ReadConfigFile parses the image config blob at path. The blob must be a
// JSON object.
func ReadConfigFile(path string) (*v1.ConfigFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config blob: %w", err)
	}
	return ParseConfig(data, path)
}

// ParseConfig decodes config JSON; path is only used for diagnostics. Any
// JSON object is accepted: fields with unexpected types are left empty.
func ParseConfig(data []byte, path string) (*v1.ConfigFile, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, issue.Wrap(issue.KindUsage, ErrConfigParse, err,
			"failed to parse OCI config blob JSON",
			err.Error(),
			"Blob path: "+path)
	}

	if _, ok := raw.(map[string]any); !ok {
		return nil, issue.New(issue.KindUsage, ErrConfigParse,
			"OCI config blob JSON must be an object",
			"Blob path: "+path)
	}

	cfg, err := v1.ParseConfigFile(bytes.NewReader(data))
	if err != nil {
		// fields ggcr types strictly (created, history, rootfs) may be malformed
		// in otherwise usable images; keep what the runtime needs
		return lenientConfig(data), nil
	}

	return cfg, nil
}

// looseConfig mirrors the parts of an image config that runtime metadata is
// read from, without committing to their JSON types.
type looseConfig struct {
	Architecture json.RawMessage `json:"architecture"`
	OS           json.RawMessage `json:"os"`
	Variant      json.RawMessage `json:"variant"`
	Config       struct {
		Entrypoint json.RawMessage `json:"Entrypoint"`
		Cmd        json.RawMessage `json:"Cmd"`
		Env        json.RawMessage `json:"Env"`
		WorkingDir json.RawMessage `json:"WorkingDir"`
		User       json.RawMessage `json:"User"`
	} `json:"config"`
}

// lenientConfig keeps every field of data that has the expected type and
// drops the rest. data must already be known to be a JSON object.
func lenientConfig(data []byte) *v1.ConfigFile {
	var loose looseConfig
	// a non-object "config" is a type error json skips; it leaves loose.Config empty
	_ = json.Unmarshal(data, &loose)

	return &v1.ConfigFile{
		Architecture: looseString(loose.Architecture),
		OS:           looseString(loose.OS),
		Variant:      looseString(loose.Variant),
		Config: v1.Config{
			Entrypoint: looseStrings(loose.Config.Entrypoint),
			Cmd:        looseStrings(loose.Config.Cmd),
			Env:        looseStrings(loose.Config.Env),
			WorkingDir: looseString(loose.Config.WorkingDir),
			User:       looseString(loose.Config.User),
		},
	}
}

func looseString(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return s
}

// looseStrings returns raw as a string slice, or nil when raw is not an
// array of strings.
func looseStrings(raw json.RawMessage) []string {
	var out []string
	if json.Unmarshal(raw, &out) != nil {
		return nil
	}
	return out
}

// RuntimeMetadataFromConfig extracts the process settings of cfg, defaulting
// every field to empty.
func RuntimeMetadataFromConfig(cfg *v1.ConfigFile) RuntimeMetadata {
	meta := RuntimeMetadata{
		Entrypoint: []string{},
		Cmd:        []string{},
		Env:        []string{},
	}
	if cfg == nil {
		return meta
	}

	if cfg.Config.Entrypoint != nil {
		meta.Entrypoint = cfg.Config.Entrypoint
	}
	if cfg.Config.Cmd != nil {
		meta.Cmd = cfg.Config.Cmd
	}
	if cfg.Config.Env != nil {
		meta.Env = cfg.Config.Env
	}
	meta.Workdir = cfg.Config.WorkingDir
	meta.User = cfg.Config.User

	return meta
}
