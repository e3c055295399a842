package oci

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/maxdollinger/docker2vm/pkg/issue"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Layout is a read-only view of an OCI image layout directory.
type Layout struct {
	root string
}

// OpenLayout checks that path is a directory containing index.json.
func OpenLayout(path string) (*Layout, error) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return nil, issue.New(issue.KindNotFound, ErrLayoutNotFound,
			fmt.Sprintf("OCI layout directory not found: %s", path),
			"Verify that OCI layout directory exists and is a directory.")
	}

	indexPath := filepath.Join(path, ocispec.ImageIndexFile)
	info, err = os.Stat(indexPath)
	if err != nil || !info.Mode().IsRegular() {
		return nil, issue.New(issue.KindNotFound, ErrLayoutNotFound,
			fmt.Sprintf("OCI layout index.json not found: %s", indexPath),
			"Verify that OCI layout index.json exists and is a regular file.")
	}

	return &Layout{root: path}, nil
}

func (l *Layout) Root() string {
	return l.root
}

func (l *Layout) IndexPath() string {
	return filepath.Join(l.root, ocispec.ImageIndexFile)
}

// ReadIndex returns the raw bytes of index.json.
func (l *Layout) ReadIndex() ([]byte, error) {
	data, err := os.ReadFile(l.IndexPath())
	if err != nil {
		return nil, fmt.Errorf("read layout index: %w", err)
	}
	return data, nil
}

// BlobPath returns blobs/<alg>/<hex> under root.
func BlobPath(root string, d digest.Digest) string {
	return filepath.Join(root, ocispec.ImageBlobsDir, d.Algorithm().String(), d.Encoded())
}

func (l *Layout) BlobPath(d digest.Digest) string {
	return BlobPath(l.root, d)
}

// StatBlob returns the path of blob d, failing with a not-found error when it
// is missing or not a regular file.
func (l *Layout) StatBlob(d digest.Digest) (string, error) {
	p := l.BlobPath(d)
	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", blobNotFound(d, p)
		}
		return "", fmt.Errorf("stat blob %s: %w", d, err)
	}
	if !info.Mode().IsRegular() {
		return "", blobNotFound(d, p)
	}
	return p, nil
}

// ReadBlob reads blob d and verifies its content against d.
func (l *Layout) ReadBlob(d digest.Digest) ([]byte, error) {
	p, err := l.StatBlob(d)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", d, err)
	}

	if err := VerifyBytes(d, data); err != nil {
		return nil, err
	}
	return data, nil
}

func blobNotFound(d digest.Digest, path string) error {
	return issue.New(issue.KindNotFound, ErrBlobNotFound,
		fmt.Sprintf("blob %s not found: %s", d, path),
		"Verify that the OCI layout is complete and contains all referenced blobs.")
}
