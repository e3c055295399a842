package oci

import (
	"runtime"
	"testing"

	"github.com/maxdollinger/docker2vm/pkg/issue"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePlatform(t *testing.T) {
	tests := []struct {
		input   string
		want    Platform
		wantErr error
	}{
		{input: "linux/amd64", want: Platform{OS: "linux", Architecture: "amd64"}},
		{input: "linux/arm64", want: Platform{OS: "linux", Architecture: "arm64"}},
		{input: "amd64", want: Platform{OS: "linux", Architecture: "amd64"}},
		{input: " ARM64 ", want: Platform{OS: "linux", Architecture: "arm64"}},
		{input: "windows/amd64", wantErr: ErrUnsupportedPlatform},
		{input: "linux/s390x", wantErr: ErrUnsupportedPlatform},
		{input: "linux/arm64/v8", wantErr: ErrInvalidPlatform},
		{input: "linux", wantErr: ErrInvalidPlatform},
		{input: "/amd64", wantErr: ErrInvalidPlatform},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParsePlatform(tt.input)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, issue.KindUsage, issue.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParsePlatformDefault(t *testing.T) {
	got, err := ParsePlatform("")
	if runtime.GOARCH != "amd64" && runtime.GOARCH != "arm64" {
		require.ErrorIs(t, err, ErrUnsupportedPlatform)
		return
	}
	require.NoError(t, err)
	assert.Equal(t, Platform{OS: "linux", Architecture: runtime.GOARCH}, got)
}

func descriptorFor(name string, p *ocispec.Platform) ocispec.Descriptor {
	return ocispec.Descriptor{
		MediaType: string(MediaTypeImageManifest),
		Digest:    digest.FromString(name),
		Size:      int64(len(name)),
		Platform:  p,
	}
}

func TestSelectPlatform(t *testing.T) {
	amd64 := descriptorFor("amd64", &ocispec.Platform{OS: "linux", Architecture: "amd64"})
	arm64 := descriptorFor("arm64", &ocispec.Platform{OS: "linux", Architecture: "arm64"})
	armV7 := descriptorFor("armv7", &ocispec.Platform{OS: "linux", Architecture: "arm", Variant: "v7"})

	t.Run("selects matching entry", func(t *testing.T) {
		got, err := SelectPlatform([]ocispec.Descriptor{amd64, arm64}, Platform{OS: "linux", Architecture: "arm64"})
		require.NoError(t, err)
		assert.Equal(t, arm64.Digest, got.Digest)
	})

	t.Run("first match wins", func(t *testing.T) {
		duplicate := descriptorFor("amd64-second", &ocispec.Platform{OS: "linux", Architecture: "amd64"})
		got, err := SelectPlatform([]ocispec.Descriptor{amd64, duplicate}, Platform{OS: "linux", Architecture: "amd64"})
		require.NoError(t, err)
		assert.Equal(t, amd64.Digest, got.Digest)
	})

	t.Run("single entry without platform is accepted", func(t *testing.T) {
		only := descriptorFor("only", nil)
		got, err := SelectPlatform([]ocispec.Descriptor{only}, Platform{OS: "linux", Architecture: "arm64"})
		require.NoError(t, err)
		assert.Equal(t, only.Digest, got.Digest)
	})

	t.Run("single entry with other platform is rejected", func(t *testing.T) {
		_, err := SelectPlatform([]ocispec.Descriptor{amd64}, Platform{OS: "linux", Architecture: "arm64"})
		require.ErrorIs(t, err, ErrPlatformNotFound)
	})

	t.Run("no match lists available platforms", func(t *testing.T) {
		_, err := SelectPlatform([]ocispec.Descriptor{amd64, arm64, armV7, descriptorFor("x", nil)},
			Platform{OS: "linux", Architecture: "riscv64"})
		require.ErrorIs(t, err, ErrPlatformNotFound)

		hints := issue.HintsOf(err)
		require.NotEmpty(t, hints)
		assert.Equal(t, "Available platforms: linux/amd64, linux/arm64, linux/arm/v7, (unknown)", hints[0])
	})

	t.Run("empty candidate list", func(t *testing.T) {
		_, err := SelectPlatform(nil, Platform{OS: "linux", Architecture: "amd64"})
		require.ErrorIs(t, err, ErrPlatformNotFound)
		assert.Equal(t, "Available platforms: none", issue.HintsOf(err)[0])
	})
}
