// Package crx3 decodes the protobuf-encoded signed header of CRX3 packages.
//
// The wire layout is:
//
//	message CrxFileHeader {
//	  repeated AsymmetricKeyProof sha256_with_rsa = 2;
//	  repeated AsymmetricKeyProof sha256_with_ecdsa = 3;
//	  optional bytes signed_header_data = 10000;
//	}
//	message AsymmetricKeyProof {
//	  optional bytes public_key = 1;
//	  optional bytes signature = 2;
//	}
//	message SignedData {
//	  optional bytes crx_id = 1;
//	}
//
// Signatures are decoded but never verified.
package crx3

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers.
const (
	fieldRSAProof   protowire.Number = 2
	fieldECDSAProof protowire.Number = 3
	fieldSignedData protowire.Number = 10000

	fieldPublicKey protowire.Number = 1
	fieldSignature protowire.Number = 2

	fieldCRXID protowire.Number = 1
)

// CRXIDSize is the length of the crx_id carried in SignedData.
const CRXIDSize = 16

// Sentinel errors.
var (
	// ErrMalformed is returned when the header is not valid protobuf.
	ErrMalformed = errors.New("crx3: malformed signed header")

	// ErrNoPublicKey is returned when the header carries no key proofs.
	ErrNoPublicKey = errors.New("crx3: no public key in signed header")
)

// KeyProof is a public key and the signature made with it.
type KeyProof struct {
	PublicKey []byte
	Signature []byte
}

// Header is a decoded CrxFileHeader.
type Header struct {
	RSA   []KeyProof
	ECDSA []KeyProof

	// SignedData is the raw signed_header_data message.
	SignedData []byte
}

// Parse decodes a CrxFileHeader. Unknown fields are skipped.
func Parse(b []byte) (*Header, error) {
	h := &Header{}
	err := walkFields(b, func(num protowire.Number, v []byte) error {
		switch num {
		case fieldRSAProof, fieldECDSAProof:
			p, err := parseProof(v)
			if err != nil {
				return err
			}
			if num == fieldRSAProof {
				h.RSA = append(h.RSA, p)
			} else {
				h.ECDSA = append(h.ECDSA, p)
			}
		case fieldSignedData:
			h.SignedData = v
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// CRXID returns the crx_id from the signed data, or nil if absent.
func (h *Header) CRXID() ([]byte, error) {
	if len(h.SignedData) == 0 {
		return nil, nil
	}
	var id []byte
	err := walkFields(h.SignedData, func(num protowire.Number, v []byte) error {
		if num == fieldCRXID {
			id = v
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("signed data: %w", err)
	}
	return id, nil
}

// PublicKey selects the signer's public key.
//
// The key whose SHA-256 prefix equals the crx_id is preferred. Without a
// crx_id the first RSA key is used, then the first ECDSA key.
func (h *Header) PublicKey() ([]byte, error) {
	id, err := h.CRXID()
	if err != nil {
		return nil, err
	}
	proofs := make([]KeyProof, 0, len(h.RSA)+len(h.ECDSA))
	proofs = append(proofs, h.RSA...)
	proofs = append(proofs, h.ECDSA...)

	if len(id) > 0 {
		for _, p := range proofs {
			sum := sha256.Sum256(p.PublicKey)
			if bytes.Equal(sum[:CRXIDSize], id) {
				return p.PublicKey, nil
			}
		}
	}
	for _, p := range proofs {
		if len(p.PublicKey) > 0 {
			return p.PublicKey, nil
		}
	}
	return nil, ErrNoPublicKey
}

// Marshal encodes the header.
func (h *Header) Marshal() []byte {
	var b []byte
	for _, p := range h.RSA {
		b = protowire.AppendTag(b, fieldRSAProof, protowire.BytesType)
		b = protowire.AppendBytes(b, p.marshal())
	}
	for _, p := range h.ECDSA {
		b = protowire.AppendTag(b, fieldECDSAProof, protowire.BytesType)
		b = protowire.AppendBytes(b, p.marshal())
	}
	if h.SignedData != nil {
		b = protowire.AppendTag(b, fieldSignedData, protowire.BytesType)
		b = protowire.AppendBytes(b, h.SignedData)
	}
	return b
}

// MarshalSignedData encodes a SignedData message carrying crxID.
func MarshalSignedData(crxID []byte) []byte {
	b := protowire.AppendTag(nil, fieldCRXID, protowire.BytesType)
	return protowire.AppendBytes(b, crxID)
}

// CRXIDFor returns the crx_id that identifies publicKey.
func CRXIDFor(publicKey []byte) []byte {
	sum := sha256.Sum256(publicKey)
	return sum[:CRXIDSize]
}

func (p KeyProof) marshal() []byte {
	var b []byte
	if p.PublicKey != nil {
		b = protowire.AppendTag(b, fieldPublicKey, protowire.BytesType)
		b = protowire.AppendBytes(b, p.PublicKey)
	}
	if p.Signature != nil {
		b = protowire.AppendTag(b, fieldSignature, protowire.BytesType)
		b = protowire.AppendBytes(b, p.Signature)
	}
	return b
}

func parseProof(b []byte) (KeyProof, error) {
	var p KeyProof
	err := walkFields(b, func(num protowire.Number, v []byte) error {
		switch num {
		case fieldPublicKey:
			p.PublicKey = v
		case fieldSignature:
			p.Signature = v
		}
		return nil
	})
	if err != nil {
		return KeyProof{}, fmt.Errorf("key proof: %w", err)
	}
	return p, nil
}

// walkFields calls fn for every length-delimited field in b and skips
// fields of other wire types.
func walkFields(b []byte, fn func(protowire.Number, []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %w", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: field %d: %w", ErrMalformed, num, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return fmt.Errorf("%w: field %d: %w", ErrMalformed, num, protowire.ParseError(n))
		}
		b = b[n:]
		if err := fn(num, v); err != nil {
			return err
		}
	}
	return nil
}
