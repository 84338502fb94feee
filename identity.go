package crx

import "crypto/sha256"

// ExtensionID returns the Chrome extension id for a DER-encoded public key:
// the first 16 bytes of its SHA-256, written as hex with the digits 0-f
// mapped onto the letters a-p. It returns "" for an empty key.
func ExtensionID(publicKey []byte) string {
	if len(publicKey) == 0 {
		return ""
	}
	sum := sha256.Sum256(publicKey)
	id := make([]byte, 0, 32)
	for _, b := range sum[:16] {
		id = append(id, 'a'+b>>4, 'a'+b&0x0f)
	}
	return string(id)
}
