// Package archive decodes tar streams into ordered entries and sanitizes the
// paths they carry.
package archive

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
)

var (
	ErrPathTraversal = errors.New("archive path escapes root")
	ErrSymlinkParent = errors.New("archive path has a symlink parent")
	ErrNotGzip       = errors.New("gzip header not found")
)

// EntryType is the closed set of entry kinds the decoder reports. Anything
// that is not a regular file, hard link, symlink or directory is TypeOther.
type EntryType int

const (
	TypeOther EntryType = iota
	TypeRegular
	TypeHardLink
	TypeSymlink
	TypeDirectory
)

func (t EntryType) String() string {
	switch t {
	case TypeRegular:
		return "regular"
	case TypeHardLink:
		return "hardlink"
	case TypeSymlink:
		return "symlink"
	case TypeDirectory:
		return "directory"
	default:
		return "other"
	}
}

// Entry is one decoded archive member. Content is only set for regular files.
type Entry struct {
	Name     string
	Type     EntryType
	Mode     int64
	Size     int64
	LinkName string
	Content  []byte
}

// Walk decodes r entry by entry and calls fn for each. Iteration stops at the
// first error returned by fn.
func Walk(r io.Reader, fn func(Entry) error) error {
	tr := tar.NewReader(r)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar header: %w", err)
		}

		entry := Entry{
			Name:     header.Name,
			Type:     entryType(header.Typeflag),
			Mode:     header.Mode,
			Size:     header.Size,
			LinkName: header.Linkname,
		}

		if entry.Type == TypeRegular {
			var buf bytes.Buffer
			if _, err := io.CopyN(&buf, tr, header.Size); err != nil && err != io.EOF {
				return fmt.Errorf("read content of %q: %w", header.Name, err)
			}
			entry.Content = buf.Bytes()
		}

		if err := fn(entry); err != nil {
			return err
		}
	}
}

// Decode returns every entry of r in archive order.
func Decode(r io.Reader) ([]Entry, error) {
	var entries []Entry
	err := Walk(r, func(e Entry) error {
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// DecodeBytes is Decode over an in-memory buffer.
func DecodeBytes(data []byte) ([]Entry, error) {
	return Decode(bytes.NewReader(data))
}

func entryType(flag byte) EntryType {
	switch flag {
	case tar.TypeReg, '\x00':
		return TypeRegular
	case tar.TypeLink:
		return TypeHardLink
	case tar.TypeSymlink:
		return TypeSymlink
	case tar.TypeDir:
		return TypeDirectory
	default:
		return TypeOther
	}
}
