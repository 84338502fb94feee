package crx

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
)

// Magic is the signature at the start of every CRX container.
const Magic = "Cr24"

// Fixed header sizes.
const (
	prefixSize   = 12 // magic + version + header length
	v2HeaderSize = 16 // prefix + signature length
	legacyIDSize = 4
)

// Version identifies the CRX header layout.
type Version uint32

const (
	Version2 Version = 2
	Version3 Version = 3
)

func (v Version) String() string {
	switch v {
	case Version2:
		return "CRX2"
	case Version3:
		return "CRX3"
	default:
		return fmt.Sprintf("CRX(%d)", uint32(v))
	}
}

// Header describes one parsed container layer.
type Header struct {
	// Version is the header layout of this layer.
	Version Version

	// HeaderLength is the declared length field following the version.
	// For CRX2 it is the public key length; for CRX3 the signed header length.
	HeaderLength uint32

	// SignatureLength is the declared signature length. Zero for CRX3.
	SignatureLength uint32

	// PayloadOffset is where the payload starts, relative to the start of
	// this layer.
	PayloadOffset int64

	// Identity holds the signer's public key bytes, or nil when unavailable.
	Identity []byte
}

// Container is the result of walking every layer of a CRX input.
type Container struct {
	// Layers lists the parsed headers from outermost to innermost.
	Layers []Header

	// PayloadOffset is the absolute offset of the ZIP payload in the input.
	PayloadOffset int64

	// PayloadSize is the number of payload bytes.
	PayloadSize int64

	mismatch bool
	legacy   bool
}

// Nested reports whether the input wraps another container.
func (c *Container) Nested() bool {
	return len(c.Layers) > 1
}

// IdentityMismatch reports whether two layers carried different non-empty
// identities.
func (c *Container) IdentityMismatch() bool {
	return c.mismatch
}

// Identity returns the innermost non-empty identity, or nil.
func (c *Container) Identity() []byte {
	for i := len(c.Layers) - 1; i >= 0; i-- {
		if len(c.Layers[i].Identity) > 0 {
			return c.Layers[i].Identity
		}
	}
	return nil
}

// ExtensionID returns the extension id derived from the innermost identity.
// It returns "" when no full public key was recovered.
func (c *Container) ExtensionID() string {
	if c.legacy {
		return ""
	}
	return ExtensionID(c.Identity())
}

// walk parses every layer of src and locates the innermost payload.
func walk(src ByteSource, cfg *config) (*Container, error) {
	size := src.Size()
	c := &Container{legacy: cfg.legacyIdentity}
	expected := cfg.expectedIdentity
	var base int64

	for depth := 0; ; depth++ {
		h, nested, err := readLayer(src, base, size, cfg)
		if err != nil {
			if depth > 0 {
				return nil, fmt.Errorf("layer %d: %w", depth, err)
			}
			return nil, err
		}

		if len(expected) > 0 && len(h.Identity) > 0 && !bytes.Equal(expected, h.Identity) {
			c.mismatch = true
			cfg.log().Warn("nested crx: public key mismatch",
				"layer", depth,
				"expected", base64.StdEncoding.EncodeToString(expected),
				"found", base64.StdEncoding.EncodeToString(h.Identity))
		}
		c.Layers = append(c.Layers, h)

		if !nested {
			c.PayloadOffset = base + h.PayloadOffset
			c.PayloadSize = size - c.PayloadOffset
			return c, nil
		}
		if depth+1 > cfg.maxDepth {
			return nil, fmt.Errorf("%w: more than %d nested layers", ErrNestingTooDeep, cfg.maxDepth)
		}

		cfg.log().Debug("nested crx: found inner container",
			"layer", depth, "offset", base+h.PayloadOffset)
		if len(h.Identity) > 0 {
			expected = h.Identity
		}
		base += h.PayloadOffset
	}
}

// readLayer parses the header starting at base. It reports whether another
// container starts at the computed payload offset.
func readLayer(src io.ReaderAt, base, size int64, cfg *config) (Header, bool, error) {
	avail := size - base

	var prefix [v2HeaderSize]byte
	if avail < int64(len(Magic)) {
		return Header{}, false, fmt.Errorf("%w: %d-byte input: %w", ErrNotCRX, avail, ErrMalformedHeader)
	}
	if err := readAt(src, prefix[:4], base); err != nil {
		return Header{}, false, err
	}
	if string(prefix[:4]) != Magic {
		return Header{}, false, fmt.Errorf("%w: bad magic %q", ErrNotCRX, prefix[:4])
	}

	if avail < 8 {
		return Header{}, false, fmt.Errorf("%w: missing version", ErrMalformedHeader)
	}
	if err := readAt(src, prefix[4:8], base+4); err != nil {
		return Header{}, false, err
	}
	version := binary.LittleEndian.Uint32(prefix[4:8])
	if version != uint32(Version2) && version != uint32(Version3) {
		return Header{}, false, &VersionError{Version: version}
	}

	if avail < prefixSize {
		return Header{}, false, fmt.Errorf("%w: missing header length", ErrMalformedHeader)
	}
	if err := readAt(src, prefix[8:12], base+8); err != nil {
		return Header{}, false, err
	}
	h := Header{
		Version:      Version(version),
		HeaderLength: binary.LittleEndian.Uint32(prefix[8:12]),
	}

	switch h.Version {
	case Version2:
		if avail < v2HeaderSize {
			return Header{}, false, fmt.Errorf("%w: missing signature length", ErrMalformedHeader)
		}
		if err := readAt(src, prefix[12:16], base+12); err != nil {
			return Header{}, false, err
		}
		h.SignatureLength = binary.LittleEndian.Uint32(prefix[12:16])
		h.PayloadOffset = v2HeaderSize + int64(h.HeaderLength) + int64(h.SignatureLength)
		if h.PayloadOffset > avail {
			return Header{}, false, fmt.Errorf("%w: payload offset %d exceeds %d bytes", ErrTruncated, h.PayloadOffset, avail)
		}
		keyLen := int64(h.HeaderLength)
		if cfg.legacyIdentity {
			keyLen = min(keyLen, legacyIDSize)
		}
		if keyLen > 0 {
			h.Identity = make([]byte, keyLen)
			if err := readAt(src, h.Identity, base+v2HeaderSize); err != nil {
				return Header{}, false, err
			}
		}
		return h, false, nil

	default:
		h.PayloadOffset = prefixSize + int64(h.HeaderLength)
		if h.PayloadOffset > avail {
			return Header{}, false, fmt.Errorf("%w: payload offset %d exceeds %d bytes", ErrTruncated, h.PayloadOffset, avail)
		}
		h.Identity = deriveIdentity(src, base+prefixSize, int64(h.HeaderLength), cfg)

		nested := false
		if h.PayloadOffset+int64(len(Magic)) <= avail {
			var next [4]byte
			if err := readAt(src, next[:], base+h.PayloadOffset); err != nil {
				return Header{}, false, err
			}
			nested = string(next[:]) == Magic
		}
		return h, nested, nil
	}
}

// deriveIdentity runs the configured decoder over the CRX3 signed header.
// Failures leave the identity empty; they never fail the conversion.
func deriveIdentity(src io.ReaderAt, off, n int64, cfg *config) []byte {
	if cfg.decoder == nil || n == 0 {
		return nil
	}
	signed := make([]byte, n)
	if err := readAt(src, signed, off); err != nil {
		cfg.log().Debug("crx3: read signed header", "error", err)
		return nil
	}
	id, err := cfg.decoder.DeriveIdentity(signed)
	if err != nil {
		cfg.log().Debug("crx3: identity unavailable", "error", err)
		return nil
	}
	return id
}

// readAt fills p from src at off. Callers bound-check against the source
// size first, so a short read means the source shrank or lied about its size.
func readAt(src io.ReaderAt, p []byte, off int64) error {
	n, err := src.ReadAt(p, off)
	if n == len(p) {
		return nil
	}
	if err == nil || err == io.EOF {
		return fmt.Errorf("%w: short read at offset %d", ErrMalformedHeader, off)
	}
	return fmt.Errorf("read at offset %d: %w", off, err)
}
