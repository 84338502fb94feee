// Package sink writes converted ZIP payloads to their destination: a local
// file or an OCI registry.
package sink

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// Compression identifies the compression applied to a written file.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionZstd
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// Ext returns the file name suffix for the compression.
func (c Compression) Ext() string {
	if c == CompressionZstd {
		return ".zst"
	}
	return ""
}

type fileConfig struct {
	compression Compression
	level       zstd.EncoderLevel
	dirPerm     os.FileMode
	perm        os.FileMode
}

// FileOption configures WriteFile.
type FileOption func(*fileConfig)

// WithCompression compresses the written file.
func WithCompression(c Compression) FileOption {
	return func(cfg *fileConfig) {
		cfg.compression = c
	}
}

// WithZstdLevel sets the zstd encoder level. Defaults to SpeedDefault.
func WithZstdLevel(level zstd.EncoderLevel) FileOption {
	return func(cfg *fileConfig) {
		cfg.level = level
	}
}

// WithFileMode sets the permissions of the written file. Defaults to 0644.
func WithFileMode(perm os.FileMode) FileOption {
	return func(cfg *fileConfig) {
		cfg.perm = perm
	}
}

// WriteFile streams r to path and returns the number of bytes read from r.
//
// Uses atomic writes (temp file + rename) to prevent partial writes on
// failure. Parent directories are created as needed.
func WriteFile(path string, r io.Reader, opts ...FileOption) (int64, error) {
	cfg := fileConfig{
		level:   zstd.SpeedDefault,
		dirPerm: 0o750,
		perm:    0o644,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, cfg.dirPerm); err != nil {
		return 0, fmt.Errorf("create output directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".crx-*")
	if err != nil {
		return 0, err
	}
	tmpPath := tmp.Name()

	n, err := copyCompressed(tmp, r, &cfg)
	if err == nil {
		// CreateTemp always uses 0600.
		err = tmp.Chmod(cfg.perm)
	}
	if err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return 0, err
	}
	return n, nil
}

func copyCompressed(w io.Writer, r io.Reader, cfg *fileConfig) (int64, error) {
	switch cfg.compression {
	case CompressionNone:
		return io.Copy(w, r)
	case CompressionZstd:
		enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(cfg.level))
		if err != nil {
			return 0, fmt.Errorf("create zstd encoder: %w", err)
		}
		n, err := io.Copy(enc, r)
		if err != nil {
			enc.Close()
			return 0, err
		}
		if err := enc.Close(); err != nil {
			return 0, fmt.Errorf("flush zstd: %w", err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("unsupported compression %s", cfg.compression)
	}
}
