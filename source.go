package isofs

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// Source supplies the content of a file entry. The codec treats content as
// an opaque byte range of known length: it is read sequentially exactly once
// per serialization pass, and may be re-read on subsequent passes. The same
// abstraction covers in-memory data, local files, and extents of an already
// parsed image.
type Source interface {
	// Size returns the declared content length in bytes.
	Size() int64
	// Open returns a fresh reader positioned at the start of the content.
	Open() (io.ReadCloser, error)
}

// BytesSource wraps an in-memory byte slice as a Source.
type BytesSource []byte

func (s BytesSource) Size() int64 {
	return int64(len(s))
}

func (s BytesSource) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(s)), nil
}

// FileSource serves content from a file on the local filesystem. The file is
// opened lazily on each serialization pass, so a FileSource can be
// registered long before the image is written.
type FileSource struct {
	Path string

	size int64
}

// NewFileSource stats path and records its current length. The length is
// fixed at registration time; growing or shrinking the file afterwards makes
// the build fail with a short or long read.
func NewFileSource(path string) (*FileSource, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat source %q: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("source %q is a directory", path)
	}
	return &FileSource{Path: path, size: info.Size()}, nil
}

func (s *FileSource) Size() int64 {
	return s.size
}

func (s *FileSource) Open() (io.ReadCloser, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("open source %q: %w", s.Path, err)
	}
	return f, nil
}

// extentSource serves content straight out of a parsed image's backing
// reader. It is how file bodies survive a parse/modify/rebuild cycle without
// being materialized in memory.
type extentSource struct {
	r      io.ReaderAt
	offset int64
	length int64
}

func (s *extentSource) Size() int64 {
	return s.length
}

func (s *extentSource) Open() (io.ReadCloser, error) {
	return io.NopCloser(io.NewSectionReader(s.r, s.offset, s.length)), nil
}
