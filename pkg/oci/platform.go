package oci

import (
	"fmt"
	"runtime"
	"strings"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/maxdollinger/docker2vm/pkg/issue"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Platform is a target os/architecture pair.
type Platform struct {
	OS           string
	Architecture string
}

func (p Platform) String() string {
	return p.OS + "/" + p.Architecture
}

func (p Platform) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Platform) UnmarshalText(text []byte) error {
	parsed, err := ParsePlatform(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

var supportedArchitectures = map[string]bool{
	"amd64": true,
	"arm64": true,
}

// DefaultPlatform returns linux/<host arch>.
func DefaultPlatform() (Platform, error) {
	if !supportedArchitectures[runtime.GOARCH] {
		return Platform{}, issue.New(issue.KindUsage, ErrUnsupportedPlatform,
			fmt.Sprintf("unable to infer a default platform from host architecture '%s'", runtime.GOARCH),
			"Pass --platform linux/amd64 or --platform linux/arm64 explicitly.")
	}
	return Platform{OS: "linux", Architecture: runtime.GOARCH}, nil
}

// ParsePlatform accepts linux/amd64, linux/arm64 and the short forms amd64, arm64.
// An empty value yields DefaultPlatform.
func ParsePlatform(value string) (Platform, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return DefaultPlatform()
	}

	if supportedArchitectures[normalized] {
		return Platform{OS: "linux", Architecture: normalized}, nil
	}

	if strings.Count(normalized, "/") != 1 {
		return Platform{}, invalidPlatform(value)
	}

	parsed, err := v1.ParsePlatform(normalized)
	if err != nil || parsed.OS == "" || parsed.Architecture == "" || parsed.OSVersion != "" {
		return Platform{}, invalidPlatform(value)
	}

	if parsed.OS != "linux" {
		return Platform{}, issue.New(issue.KindUsage, ErrUnsupportedPlatform,
			fmt.Sprintf("unsupported platform OS '%s'", parsed.OS),
			"Only Linux OCI images are supported.",
			"Use --platform linux/amd64 or --platform linux/arm64.")
	}

	if !supportedArchitectures[parsed.Architecture] {
		return Platform{}, issue.New(issue.KindUsage, ErrUnsupportedPlatform,
			fmt.Sprintf("unsupported platform architecture '%s'", parsed.Architecture),
			"Only amd64 and arm64 are supported.",
			"Use --platform linux/amd64 or --platform linux/arm64.")
	}

	return Platform{OS: parsed.OS, Architecture: parsed.Architecture}, nil
}

// SelectPlatform picks the descriptor matching target. A single candidate
// without platform information is accepted as a single-platform image.
// Otherwise the first exact os/architecture match wins.
func SelectPlatform(candidates []ocispec.Descriptor, target Platform) (ocispec.Descriptor, error) {
	if len(candidates) == 1 && candidates[0].Platform == nil {
		return candidates[0], nil
	}

	for _, candidate := range candidates {
		if candidate.Platform == nil {
			continue
		}
		if candidate.Platform.OS == target.OS && candidate.Platform.Architecture == target.Architecture {
			return candidate, nil
		}
	}

	available := make([]string, 0, len(candidates))
	for _, candidate := range candidates {
		available = append(available, describePlatform(candidate.Platform))
	}
	list := strings.Join(available, ", ")
	if list == "" {
		list = "none"
	}

	return ocispec.Descriptor{}, issue.New(issue.KindUsage, ErrPlatformNotFound,
		fmt.Sprintf("no manifest matched requested platform '%s'", target),
		"Available platforms: "+list,
		"Use --platform with one of the available values.")
}

func describePlatform(p *ocispec.Platform) string {
	if p == nil {
		return "(unknown)"
	}

	osName := p.OS
	if osName == "" {
		osName = "?"
	}
	arch := p.Architecture
	if arch == "" {
		arch = "?"
	}

	s := osName + "/" + arch
	if p.Variant != "" {
		s += "/" + p.Variant
	}
	return s
}

func invalidPlatform(value string) error {
	return issue.New(issue.KindUsage, ErrInvalidPlatform,
		fmt.Sprintf("invalid platform format '%s'", value),
		"Use linux/amd64 or linux/arm64.",
		"Short forms amd64 and arm64 are also accepted.")
}
