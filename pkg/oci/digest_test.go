package oci

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/maxdollinger/docker2vm/pkg/issue"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDigest(t *testing.T) {
	hex := strings.Repeat("ab", 32)

	tests := []struct {
		name    string
		input   string
		want    digest.Digest
		wantErr error
	}{
		{name: "valid lowercase", input: "sha256:" + hex, want: digest.Digest("sha256:" + hex)},
		{name: "uppercase hex is normalized", input: "sha256:" + strings.ToUpper(hex), want: digest.Digest("sha256:" + hex)},
		{name: "missing colon", input: hex, wantErr: ErrInvalidDigest},
		{name: "two colons", input: "sha256:" + hex + ":x", wantErr: ErrInvalidDigest},
		{name: "empty algorithm", input: ":" + hex, wantErr: ErrInvalidDigest},
		{name: "empty hex", input: "sha256:", wantErr: ErrInvalidDigest},
		{name: "sha512 rejected", input: "sha512:" + hex + hex, wantErr: ErrUnsupportedDigest},
		{name: "short hex", input: "sha256:abcd", wantErr: ErrInvalidDigest},
		{name: "non hex characters", input: "sha256:" + strings.Repeat("zz", 32), wantErr: ErrInvalidDigest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDigest(tt.input)
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

func TestVerifyBytesRoundTrip(t *testing.T) {
	buffers := [][]byte{
		{},
		[]byte("hello"),
		[]byte(strings.Repeat("layer-content-", 1000)),
	}

	for _, buf := range buffers {
		require.NoError(t, VerifyBytes(FromBytes(buf), buf))
	}
}

func TestVerifyBytesDetectsSingleBitFlip(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")
	expected := FromBytes(data)

	for i := range data {
		for bit := 0; bit < 8; bit++ {
			flipped := append([]byte(nil), data...)
			flipped[i] ^= 1 << bit

			err := VerifyBytes(expected, flipped)
			require.ErrorIs(t, err, ErrDigestMismatch)
			require.Equal(t, issue.KindIntegrity, issue.KindOf(err))
		}
	}
}

func TestVerifyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blob")
	require.NoError(t, os.WriteFile(path, []byte("blob content"), 0o644))

	require.NoError(t, VerifyFile(FromBytes([]byte("blob content")), path))

	err := VerifyFile(FromBytes([]byte("other content")), path)
	require.ErrorIs(t, err, ErrDigestMismatch)

	hints := issue.HintsOf(err)
	require.Len(t, hints, 3)
	assert.True(t, strings.HasPrefix(hints[0], "Expected sha256:"))
	assert.True(t, strings.HasPrefix(hints[1], "Actual   sha256:"))
}

func TestVerifyFileMissing(t *testing.T) {
	err := VerifyFile(FromBytes(nil), filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrDigestMismatch)
}
