package crx3

// Decoder derives the signer's public key from a CRX3 signed header.
// The zero value is ready to use.
type Decoder struct{}

// DeriveIdentity parses signedHeader and returns the selected public key.
func (Decoder) DeriveIdentity(signedHeader []byte) ([]byte, error) {
	h, err := Parse(signedHeader)
	if err != nil {
		return nil, err
	}
	return h.PublicKey()
}
