package crx3

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestParse_RoundTrip(t *testing.T) {
	t.Parallel()

	h := &Header{
		RSA: []KeyProof{
			{PublicKey: []byte("rsa-key-1"), Signature: []byte("rsa-sig-1")},
			{PublicKey: []byte("rsa-key-2"), Signature: []byte("rsa-sig-2")},
		},
		ECDSA:      []KeyProof{{PublicKey: []byte("ec-key"), Signature: []byte("ec-sig")}},
		SignedData: MarshalSignedData(CRXIDFor([]byte("rsa-key-2"))),
	}

	got, err := Parse(h.Marshal())
	require.NoError(t, err)
	assert.Equal(t, h.RSA, got.RSA)
	assert.Equal(t, h.ECDSA, got.ECDSA)
	assert.Equal(t, h.SignedData, got.SignedData)

	id, err := got.CRXID()
	require.NoError(t, err)
	assert.Len(t, id, CRXIDSize)
}

func TestHeader_PublicKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		header  Header
		want    []byte
		wantErr error
	}{
		{
			name: "crx id selects matching key",
			header: Header{
				RSA:        []KeyProof{{PublicKey: []byte("publisher")}, {PublicKey: []byte("developer")}},
				SignedData: MarshalSignedData(CRXIDFor([]byte("developer"))),
			},
			want: []byte("developer"),
		},
		{
			name: "crx id can select an ecdsa key",
			header: Header{
				RSA:        []KeyProof{{PublicKey: []byte("rsa")}},
				ECDSA:      []KeyProof{{PublicKey: []byte("ecdsa")}},
				SignedData: MarshalSignedData(CRXIDFor([]byte("ecdsa"))),
			},
			want: []byte("ecdsa"),
		},
		{
			name:   "without crx id the first rsa key wins",
			header: Header{RSA: []KeyProof{{PublicKey: []byte("first")}, {PublicKey: []byte("second")}}},
			want:   []byte("first"),
		},
		{
			name:   "falls back to ecdsa",
			header: Header{ECDSA: []KeyProof{{PublicKey: []byte("only-ec")}}},
			want:   []byte("only-ec"),
		},
		{
			name: "unmatched crx id falls back to first key",
			header: Header{
				RSA:        []KeyProof{{PublicKey: []byte("a")}},
				SignedData: MarshalSignedData([]byte("0123456789abcdef")),
			},
			want: []byte("a"),
		},
		{
			name:    "no proofs",
			header:  Header{SignedData: MarshalSignedData([]byte("0123456789abcdef"))},
			wantErr: ErrNoPublicKey,
		},
		{
			name:    "empty key only",
			header:  Header{RSA: []KeyProof{{Signature: []byte("sig")}}},
			wantErr: ErrNoPublicKey,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			parsed, err := Parse(tt.header.Marshal())
			require.NoError(t, err)

			got, err := parsed.PublicKey()
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParse_SkipsUnknownFields(t *testing.T) {
	t.Parallel()

	var b []byte
	b = protowire.AppendTag(b, 7, protowire.VarintType)
	b = protowire.AppendVarint(b, 42)
	b = protowire.AppendTag(b, 8, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, 1)
	b = protowire.AppendTag(b, 9, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte("ignored"))
	b = append(b, (&Header{RSA: []KeyProof{{PublicKey: []byte("key")}}}).Marshal()...)

	h, err := Parse(b)
	require.NoError(t, err)
	require.Len(t, h.RSA, 1)
	assert.Equal(t, []byte("key"), h.RSA[0].PublicKey)
}

func TestParse_Malformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data []byte
	}{
		{name: "truncated varint tag", data: []byte{0xff, 0xff}},
		{name: "length past end", data: protowire.AppendVarint(protowire.AppendTag(nil, fieldRSAProof, protowire.BytesType), 100)},
		{name: "bad nested proof", data: protowire.AppendBytes(protowire.AppendTag(nil, fieldRSAProof, protowire.BytesType), []byte{0x0a, 0x05})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := Parse(tt.data)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestDecoder_DeriveIdentity(t *testing.T) {
	t.Parallel()

	key := []byte("derived-key")
	h := Header{
		RSA:        []KeyProof{{PublicKey: key, Signature: []byte("s")}},
		SignedData: MarshalSignedData(CRXIDFor(key)),
	}

	got, err := Decoder{}.DeriveIdentity(h.Marshal())
	require.NoError(t, err)
	assert.Equal(t, key, got)

	_, err = Decoder{}.DeriveIdentity(nil)
	assert.ErrorIs(t, err, ErrNoPublicKey)
}
