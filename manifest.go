package crx

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zip"
)

const manifestName = "manifest.json"

// maxManifestSize bounds how much of manifest.json is read.
const maxManifestSize = 4 << 20

// Manifest holds the fields of an extension's manifest.json used for
// identification.
type Manifest struct {
	ManifestVersion int    `json:"manifest_version"`
	Name            string `json:"name"`
	Version         string `json:"version"`
	Description     string `json:"description,omitempty"`

	// Key is the base64-encoded public key, present in unpacked or
	// store-exported extensions.
	Key string `json:"key,omitempty"`
}

// PublicKey decodes the manifest key. It returns nil when no key is set.
func (m *Manifest) PublicKey() ([]byte, error) {
	if m.Key == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(m.Key)
	if err != nil {
		return nil, fmt.Errorf("decode manifest key: %w", err)
	}
	return key, nil
}

// ReadManifest reads manifest.json from a ZIP payload.
func ReadManifest(payload []byte) (*Manifest, error) {
	zr, err := zip.NewReader(bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		return nil, fmt.Errorf("open zip payload: %w", err)
	}
	var entry *zip.File
	for _, zf := range zr.File {
		if zf.Name == manifestName {
			entry = zf
			break
		}
	}
	if entry == nil {
		return nil, ErrNoManifest
	}
	f, err := entry.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", manifestName, err)
	}
	defer f.Close()

	raw, err := io.ReadAll(io.LimitReader(f, maxManifestSize))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", manifestName, err)
	}
	// Chrome tolerates a UTF-8 byte order mark.
	raw = bytes.TrimPrefix(raw, []byte("\xef\xbb\xbf"))

	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", manifestName, err)
	}
	return &m, nil
}
