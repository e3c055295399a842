package oci

import (
	"fmt"
	"strings"

	"github.com/maxdollinger/docker2vm/pkg/issue"
)

const (
	DefaultRegistry  = "docker.io"
	DockerHubAPIHost = "registry-1.docker.io"
	DefaultTag       = "latest"

	defaultNamespace = "library"
)

// ImageReference is a parsed [registry/]repository[:tag][@digest] string.
// Tag and Digest are empty when the input did not carry them.
type ImageReference struct {
	Original        string
	Registry        string
	RegistryAPIHost string
	Repository      string
	Reference       string
	Tag             string
	Digest          string
}

// ParseImageReference parses a user supplied image reference.
//
// The first path segment is treated as a registry host only when a slash is
// present and the segment contains a dot or a colon or is "localhost".
// Single segment repositories on Docker Hub are placed under "library/".
// The resolved Reference is the digest if present, else the tag, else "latest".
func ParseImageReference(input string) (ImageReference, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return ImageReference{}, invalidReference(input, "image reference cannot be empty",
			"Pass a valid image reference such as busybox:latest or ghcr.io/org/app:tag.")
	}

	if strings.Contains(trimmed, "://") {
		return ImageReference{}, invalidReference(input, "",
			"Do not include a URL scheme.",
			"Use format: [registry/]repo[:tag] or [registry/]repo@sha256:<digest>.")
	}

	name := trimmed
	var dgst string
	if at := strings.LastIndex(trimmed, "@"); at >= 0 {
		dgst = trimmed[at+1:]
		name = trimmed[:at]
		if dgst == "" {
			return ImageReference{}, invalidReference(input, "", "Image digest after '@' cannot be empty.")
		}
		if _, err := ParseDigest(dgst); err != nil {
			return ImageReference{}, invalidReference(input, "",
				fmt.Sprintf("Digest %q is not a valid sha256 digest.", dgst),
				"Use format: [registry/]repo@sha256:<64 hex characters>.")
		}
	}

	if name == "" {
		return ImageReference{}, invalidReference(input, "", "Missing repository name.")
	}

	registry := DefaultRegistry
	repository := name
	if slash := strings.Index(name, "/"); slash != -1 && isRegistrySegment(name[:slash]) {
		registry = name[:slash]
		repository = name[slash+1:]
	}

	if repository == "" {
		return ImageReference{}, invalidReference(input, "", "Missing repository path after registry.")
	}

	var tag string
	if colon := strings.LastIndex(repository, ":"); colon >= 0 && colon > strings.LastIndex(repository, "/") {
		tag = repository[colon+1:]
		repository = repository[:colon]
		if tag == "" {
			return ImageReference{}, invalidReference(input, "", "Tag cannot be empty.")
		}
	}

	if repository == "" {
		return ImageReference{}, invalidReference(input, "", "Repository cannot be empty.")
	}

	if registry == DefaultRegistry && !strings.Contains(repository, "/") {
		repository = defaultNamespace + "/" + repository
	}

	reference := DefaultTag
	switch {
	case dgst != "":
		reference = dgst
	case tag != "":
		reference = tag
	}

	apiHost := registry
	if registry == DefaultRegistry {
		apiHost = DockerHubAPIHost
	}

	return ImageReference{
		Original:        input,
		Registry:        registry,
		RegistryAPIHost: apiHost,
		Repository:      repository,
		Reference:       reference,
		Tag:             tag,
		Digest:          dgst,
	}, nil
}

// String renders the canonical registry/repository[:tag][@digest] form.
func (r ImageReference) String() string {
	var b strings.Builder
	b.WriteString(r.Registry)
	b.WriteByte('/')
	b.WriteString(r.Repository)
	if r.Tag != "" {
		b.WriteByte(':')
		b.WriteString(r.Tag)
	}
	if r.Digest != "" {
		b.WriteByte('@')
		b.WriteString(r.Digest)
	}
	if r.Tag == "" && r.Digest == "" {
		b.WriteByte(':')
		b.WriteString(DefaultTag)
	}
	return b.String()
}

func isRegistrySegment(segment string) bool {
	return strings.Contains(segment, ".") || strings.Contains(segment, ":") || segment == "localhost"
}

func invalidReference(input, message string, hints ...string) error {
	if message == "" {
		message = fmt.Sprintf("invalid image reference '%s'", input)
	}
	return issue.New(issue.KindUsage, ErrInvalidReference, message, hints...)
}
