package archive

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
	"github.com/maxdollinger/docker2vm/pkg/issue"
	"github.com/maxdollinger/docker2vm/pkg/oci"
)

type Compression int

const (
	CompressionNone Compression = iota
	CompressionGzip
)

func (c Compression) String() string {
	if c == CompressionGzip {
		return "gzip"
	}
	return "none"
}

var gzipMagic = []byte{0x1f, 0x8b}

// CompressionForMediaType maps a layer media type to its compression.
func CompressionForMediaType(mediaType string) (Compression, error) {
	switch {
	case oci.IsGzipLayerMediaType(mediaType):
		return CompressionGzip, nil
	case oci.IsUncompressedLayerMediaType(mediaType):
		return CompressionNone, nil
	default:
		return CompressionNone, issue.New(issue.KindUsage, oci.ErrUnsupportedMediaType,
			fmt.Sprintf("unsupported layer media type '%s'", mediaType),
			"Supported layer media types are tar and tar+gzip.")
	}
}

// NewReader returns the decompressed tar stream of r. For gzip the magic
// bytes are checked before any decoding happens.
func NewReader(r io.Reader, c Compression) (io.ReadCloser, error) {
	if c == CompressionNone {
		return io.NopCloser(r), nil
	}

	br := bufio.NewReader(r)
	head, err := br.Peek(len(gzipMagic))
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read layer header: %w", err)
	}
	if !bytes.Equal(head, gzipMagic) {
		return nil, issue.New(issue.KindUsage, ErrNotGzip,
			"layer is expected to be gzip-compressed, but gzip header was not found",
			"Ensure the image uses gzip-compressed layers.")
	}

	zr, err := gzip.NewReader(br)
	if err != nil {
		return nil, fmt.Errorf("decompress gzip: %w", err)
	}
	return zr, nil
}

// ReadArchiveFile decodes a tar or tar.gz file, detected by its magic bytes.
func ReadArchiveFile(path string) (entries []Entry, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	compression := CompressionNone
	if head, _ := br.Peek(len(gzipMagic)); bytes.Equal(head, gzipMagic) {
		compression = CompressionGzip
	}

	rc, err := NewReader(br, compression)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := rc.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close archive: %w", cerr)
		}
	}()

	return Decode(rc)
}
