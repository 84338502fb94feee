package crx

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	// ErrNotCRX is returned when the input does not start with the Cr24 magic.
	ErrNotCRX = errors.New("crx: not a crx container")

	// ErrUnsupportedVersion is returned when the format version is not 2 or 3.
	// The concrete error is a *VersionError carrying the value read.
	ErrUnsupportedVersion = errors.New("crx: unsupported version")

	// ErrTruncated is returned when a declared offset lies past the end of the input.
	ErrTruncated = errors.New("crx: truncated container")

	// ErrMalformedHeader is returned when a fixed-size header field runs past
	// the end of the input.
	ErrMalformedHeader = errors.New("crx: malformed header")

	// ErrNestingTooDeep is returned when more nested containers are found than
	// the configured maximum depth allows.
	ErrNestingTooDeep = errors.New("crx: nesting too deep")

	// ErrNoManifest is returned when the ZIP payload has no manifest.json.
	ErrNoManifest = errors.New("crx: manifest.json not found")
)

// VersionError reports an unsupported container version.
type VersionError struct {
	Version uint32
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("crx: unsupported version %d", e.Version)
}

// Is reports whether target is ErrUnsupportedVersion.
func (e *VersionError) Is(target error) bool {
	return target == ErrUnsupportedVersion
}
