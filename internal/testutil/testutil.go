// Package testutil provides builders for synthetic CRX packages and in-memory
// collaborators shared by tests.
package testutil

import (
	"bytes"
	"encoding/binary"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/klauspost/compress/zip"
)

// BuildZip returns a ZIP archive holding files, written in path order.
func BuildZip(tb testing.TB, files map[string]string) []byte {
	tb.Helper()

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range names {
		w, err := zw.Create(name)
		if err != nil {
			tb.Fatalf("zip create %s: %v", name, err)
		}
		if _, err := io.WriteString(w, files[name]); err != nil {
			tb.Fatalf("zip write %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		tb.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

// BuildCRX2 returns a version 2 container around payload.
func BuildCRX2(key, sig, payload []byte) []byte {
	b := make([]byte, 0, 16+len(key)+len(sig)+len(payload))
	b = append(b, "Cr24"...)
	b = binary.LittleEndian.AppendUint32(b, 2)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(key))) //nolint:gosec // test data is small
	b = binary.LittleEndian.AppendUint32(b, uint32(len(sig))) //nolint:gosec // test data is small
	b = append(b, key...)
	b = append(b, sig...)
	return append(b, payload...)
}

// BuildCRX3 returns a version 3 container with the given signed header.
func BuildCRX3(header, payload []byte) []byte {
	b := make([]byte, 0, 12+len(header)+len(payload))
	b = append(b, "Cr24"...)
	b = binary.LittleEndian.AppendUint32(b, 3)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(header))) //nolint:gosec // test data is small
	b = append(b, header...)
	return append(b, payload...)
}

// MockByteSource implements an in-memory byte source that counts the bytes
// requested through ReadAt.
type MockByteSource struct {
	data      []byte
	bytesRead atomic.Int64
}

// NewMockByteSource returns a byte source backed by the provided data.
func NewMockByteSource(data []byte) *MockByteSource {
	return &MockByteSource{data: data}
}

// ReadAt implements io.ReaderAt semantics over the backing slice.
func (m *MockByteSource) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	m.bytesRead.Add(int64(n))
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Size returns the total size of the backing data.
func (m *MockByteSource) Size() int64 {
	return int64(len(m.data))
}

// BytesRead returns the number of bytes served so far.
func (m *MockByteSource) BytesRead() int64 {
	return m.bytesRead.Load()
}

// MockCache implements a basic concurrency-safe cache for tests.
type MockCache struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMockCache constructs an empty in-memory cache.
func NewMockCache() *MockCache {
	return &MockCache{data: make(map[string][]byte)}
}

// Get retrieves data by key.
func (c *MockCache) Get(key string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, ok := c.data[key]
	return data, ok
}

// Put stores data by key.
func (c *MockCache) Put(key string, content []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = content
	return nil
}
