package sink_test

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/crx/sink"
)

func TestWriteFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "dir", "ext.zip")
	data := []byte("PK\x03\x04 payload")

	n, err := sink.WriteFile(path, bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestWriteFile_Zstd(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ext.zip"+sink.CompressionZstd.Ext())
	data := bytes.Repeat([]byte("compressible "), 1024)

	n, err := sink.WriteFile(path, bytes.NewReader(data),
		sink.WithCompression(sink.CompressionZstd),
		sink.WithZstdLevel(zstd.SpeedFastest))
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Less(t, len(raw), len(data))

	dec, err := zstd.NewReader(bytes.NewReader(raw))
	require.NoError(t, err)
	defer dec.Close()
	got, err := io.ReadAll(dec)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestWriteFile_ReplacesExisting(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ext.zip")
	require.NoError(t, os.WriteFile(path, []byte("old contents"), 0o600))

	_, err := sink.WriteFile(path, bytes.NewReader([]byte("new")))
	require.NoError(t, err)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), got)
}

func TestWriteFile_ReaderErrorLeavesNoFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "ext.zip")

	_, err := sink.WriteFile(path, io.MultiReader(bytes.NewReader([]byte("partial")), errReader{}))
	require.Error(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCompression_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "none", sink.CompressionNone.String())
	assert.Equal(t, "zstd", sink.CompressionZstd.String())
	assert.Equal(t, "unknown", sink.Compression(9).String())
	assert.Empty(t, sink.CompressionNone.Ext())
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) {
	return 0, io.ErrUnexpectedEOF
}

func TestWriteFile_Mode(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("unix permissions")
	}

	dir := t.TempDir()
	tests := []struct {
		name string
		opts []sink.FileOption
		want os.FileMode
	}{
		{name: "default", want: 0o644},
		{name: "explicit", opts: []sink.FileOption{sink.WithFileMode(0o640)}, want: 0o640},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			path := filepath.Join(dir, tt.name+".zip")
			_, err := sink.WriteFile(path, bytes.NewReader([]byte("zip")), tt.opts...)
			require.NoError(t, err)

			info, err := os.Stat(path)
			require.NoError(t, err)
			assert.Equal(t, tt.want, info.Mode().Perm())
		})
	}
}
