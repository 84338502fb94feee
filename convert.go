package crx

import (
	"bytes"
	"io"
)

// ByteSource provides random access to container bytes.
type ByteSource interface {
	io.ReaderAt
	Size() int64
}

// Convert returns the ZIP payload of a CRX container.
//
// Nested containers are unwrapped and the innermost payload is returned.
// The returned slice is a copy; data is never modified or retained.
func Convert(data []byte, opts ...Option) ([]byte, error) {
	c, err := Inspect(data, opts...)
	if err != nil {
		return nil, err
	}
	return bytes.Clone(data[c.PayloadOffset:]), nil
}

// Inspect parses every header layer of data without copying the payload.
func Inspect(data []byte, opts ...Option) (*Container, error) {
	return walk(bytes.NewReader(data), newConfig(opts))
}

// Package is a parsed container backed by a ByteSource.
type Package struct {
	*Container

	src ByteSource
}

// Open parses the headers of src. Only the header regions are read; the
// payload is left in place and exposed through Payload.
func Open(src ByteSource, opts ...Option) (*Package, error) {
	c, err := walk(src, newConfig(opts))
	if err != nil {
		return nil, err
	}
	return &Package{Container: c, src: src}, nil
}

// Payload returns a reader over the ZIP payload.
func (p *Package) Payload() *io.SectionReader {
	return io.NewSectionReader(p.src, p.PayloadOffset, p.PayloadSize)
}

// WriteTo streams the payload to w.
func (p *Package) WriteTo(w io.Writer) (int64, error) {
	return io.Copy(w, p.Payload())
}

type fileSource struct {
	io.ReaderAt
	size int64
}

func (f fileSource) Size() int64 {
	return f.size
}

// NewFileSource wraps any io.ReaderAt of known size, such as an *os.File.
func NewFileSource(r io.ReaderAt, size int64) ByteSource {
	return fileSource{ReaderAt: r, size: size}
}
