package oci

import (
	_ "crypto/sha256"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/maxdollinger/docker2vm/pkg/issue"
	"github.com/opencontainers/go-digest"
)

var sha256HexPattern = regexp.MustCompile(`^[a-fA-F0-9]{64}$`)

// ParseDigest validates an algorithm:hex string. Only sha256 is accepted; the
// hex part is normalized to lowercase.
func ParseDigest(value string) (digest.Digest, error) {
	parts := strings.Split(value, ":")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", issue.New(issue.KindUsage, ErrInvalidDigest,
			fmt.Sprintf("invalid digest '%s'", value),
			"Expected digest format: sha256:<hex>")
	}

	algorithm, hex := parts[0], parts[1]
	if digest.Algorithm(algorithm) != digest.SHA256 {
		return "", issue.New(issue.KindUsage, ErrUnsupportedDigest,
			fmt.Sprintf("unsupported digest algorithm '%s'", algorithm),
			"Only sha256 digests are supported.")
	}

	if !sha256HexPattern.MatchString(hex) {
		return "", issue.New(issue.KindUsage, ErrInvalidDigest,
			fmt.Sprintf("invalid sha256 digest '%s'", value),
			"Digest hex must be exactly 64 hexadecimal characters.")
	}

	d := digest.NewDigestFromEncoded(digest.SHA256, strings.ToLower(hex))
	if err := d.Validate(); err != nil {
		return "", issue.Wrap(issue.KindUsage, ErrInvalidDigest, err, fmt.Sprintf("invalid digest '%s'", value))
	}

	return d, nil
}

// FromBytes returns the sha256 digest of data.
func FromBytes(data []byte) digest.Digest {
	return digest.SHA256.FromBytes(data)
}

// FromReader returns the sha256 digest of everything read from r.
func FromReader(r io.Reader) (digest.Digest, error) {
	return digest.SHA256.FromReader(r)
}

// FromFile returns the sha256 digest of the file at path.
func FromFile(path string) (digest.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	d, err := FromReader(f)
	if err != nil {
		return "", fmt.Errorf("hash file %s: %w", path, err)
	}
	return d, nil
}

// VerifyBytes checks that data hashes to expected.
func VerifyBytes(expected digest.Digest, data []byte) error {
	return compareDigest(expected, FromBytes(data), "Retry the command. If it persists, check upstream content consistency.")
}

// VerifyFile checks that the file at path hashes to expected.
func VerifyFile(expected digest.Digest, path string) error {
	actual, err := FromFile(path)
	if err != nil {
		return err
	}
	return compareDigest(expected, actual, "Clear cache and retry if the local blob may be corrupted.")
}

// MismatchError builds the integrity error reported when actual differs from expected.
func MismatchError(expected, actual digest.Digest, hints ...string) error {
	all := append([]string{
		"Expected " + expected.String(),
		"Actual   " + actual.String(),
	}, hints...)
	return issue.New(issue.KindIntegrity, ErrDigestMismatch,
		fmt.Sprintf("digest mismatch for blob %s", expected), all...)
}

func compareDigest(expected, actual digest.Digest, hint string) error {
	parsed, err := ParseDigest(expected.String())
	if err != nil {
		return err
	}
	if parsed != actual {
		return MismatchError(parsed, actual, hint)
	}
	return nil
}
