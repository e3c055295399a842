package puller

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/maxdollinger/docker2vm/pkg/oci"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// BlobCache is a content-addressed store laid out like an OCI layout's blob
// directory: <root>/blobs/<alg>/<hex>. Entries are verified on every lookup.
// root is the cache root, not the blobs directory.
type BlobCache struct {
	root string
}

func NewBlobCache(root string) *BlobCache {
	return &BlobCache{root: root}
}

func (c *BlobCache) Root() string {
	return c.root
}

// BlobsDir is the directory holding one subdirectory per digest algorithm.
func (c *BlobCache) BlobsDir() string {
	return filepath.Join(c.root, ocispec.ImageBlobsDir)
}

// Path returns where blob d lives in the cache, whether or not it exists.
func (c *BlobCache) Path(d digest.Digest) string {
	return oci.BlobPath(c.root, d)
}

// Lookup returns the path of a cached blob. A cached blob whose content does
// not match d is reported as an integrity error, never as a miss.
func (c *BlobCache) Lookup(d digest.Digest) (string, bool, error) {
	p := c.Path(d)
	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("stat cached blob %s: %w", d, err)
	}
	if !info.Mode().IsRegular() {
		return "", false, fmt.Errorf("cached blob %s is not a regular file: %s", d, p)
	}

	if err := oci.VerifyFile(d, p); err != nil {
		return "", false, err
	}
	return p, true, nil
}

// Import copies the file at src into the cache as blob d. The copy goes
// through a temp file in the cache directory and is verified after the rename.
func (c *BlobCache) Import(src string, d digest.Digest) (path string, err error) {
	dest := c.Path(d)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("create cache directory: %w", err)
	}

	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("open source blob: %w", err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".import-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp blob file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, in); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("copy blob %s: %w", d, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close temp blob file: %w", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return "", fmt.Errorf("publish blob %s: %w", d, err)
	}

	if err := oci.VerifyFile(d, dest); err != nil {
		_ = os.Remove(dest)
		return "", err
	}
	return dest, nil
}
