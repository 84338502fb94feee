package crx_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/crx"
	"github.com/meigma/crx/crx3"
	"github.com/meigma/crx/internal/testutil"
)

func crx3Header(key []byte) []byte {
	h := crx3.Header{
		RSA:        []crx3.KeyProof{{PublicKey: key, Signature: []byte("sig")}},
		SignedData: crx3.MarshalSignedData(crx3.CRXIDFor(key)),
	}
	return h.Marshal()
}

func TestConvert_NotCRX(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data []byte
	}{
		{name: "nil", data: nil},
		{name: "empty", data: []byte{}},
		{name: "three bytes", data: []byte("Cr2")},
		{name: "zip signature", data: []byte("PK\x03\x04\x14\x00\x00\x00")},
		{name: "wrong case", data: []byte("cr24\x02\x00\x00\x00")},
		{name: "near miss", data: []byte("Cr25\x02\x00\x00\x00\x00\x00\x00\x00")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := crx.Convert(tt.data)
			assert.ErrorIs(t, err, crx.ErrNotCRX)
		})
	}
}

func TestConvert_ShortInputIsAlsoMalformed(t *testing.T) {
	t.Parallel()

	_, err := crx.Convert([]byte("Cr"))
	assert.ErrorIs(t, err, crx.ErrNotCRX)
	assert.ErrorIs(t, err, crx.ErrMalformedHeader)
}

func TestConvert_UnsupportedVersion(t *testing.T) {
	t.Parallel()

	for _, version := range []uint32{0, 1, 4, 99} {
		data := binary.LittleEndian.AppendUint32([]byte("Cr24"), version)
		data = append(data, make([]byte, 16)...)

		_, err := crx.Convert(data)
		require.ErrorIs(t, err, crx.ErrUnsupportedVersion, "version %d", version)

		var verr *crx.VersionError
		require.True(t, errors.As(err, &verr))
		assert.Equal(t, version, verr.Version)
	}
}

func TestConvert_Version2Offsets(t *testing.T) {
	t.Parallel()

	payload := []byte("PK\x03\x04 payload bytes")
	tests := []struct {
		name   string
		keyLen int
		sigLen int
	}{
		{name: "empty key and signature", keyLen: 0, sigLen: 0},
		{name: "short key", keyLen: 3, sigLen: 8},
		{name: "typical rsa sizes", keyLen: 162, sigLen: 128},
		{name: "signature only", keyLen: 0, sigLen: 256},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			key := bytes.Repeat([]byte{0xAA}, tt.keyLen)
			sig := bytes.Repeat([]byte{0x55}, tt.sigLen)
			data := testutil.BuildCRX2(key, sig, payload)

			c, err := crx.Inspect(data)
			require.NoError(t, err)
			require.Len(t, c.Layers, 1)
			h := c.Layers[0]
			assert.Equal(t, crx.Version2, h.Version)
			assert.Equal(t, uint32(tt.keyLen), h.HeaderLength)
			assert.Equal(t, uint32(tt.sigLen), h.SignatureLength)
			assert.Equal(t, int64(16+tt.keyLen+tt.sigLen), h.PayloadOffset)
			assert.Equal(t, h.PayloadOffset, c.PayloadOffset)
			assert.Equal(t, int64(len(payload)), c.PayloadSize)

			got, err := crx.Convert(data)
			require.NoError(t, err)
			assert.Equal(t, payload, got)
		})
	}
}

func TestConvert_Version3Offsets(t *testing.T) {
	t.Parallel()

	payload := []byte("PK\x03\x04 v3 payload")
	for _, headerLen := range []int{0, 1, 17, 1024} {
		header := bytes.Repeat([]byte{0x7F}, headerLen)
		data := testutil.BuildCRX3(header, payload)

		c, err := crx.Inspect(data)
		require.NoError(t, err)
		require.Len(t, c.Layers, 1)
		assert.Equal(t, crx.Version3, c.Layers[0].Version)
		assert.Equal(t, int64(12+headerLen), c.PayloadOffset)

		got, err := crx.Convert(data)
		require.NoError(t, err)
		assert.Equal(t, data[12+headerLen:], got)
	}
}

func TestConvert_RoundTripZip(t *testing.T) {
	t.Parallel()

	zipData := testutil.BuildZip(t, map[string]string{
		"manifest.json": `{"manifest_version": 3, "name": "Example", "version": "1.2.3"}`,
		"background.js": "console.log('hi')",
	})

	tests := []struct {
		name string
		data []byte
	}{
		{name: "crx2", data: testutil.BuildCRX2([]byte("some-key"), []byte("some-signature"), zipData)},
		{name: "crx3", data: testutil.BuildCRX3(crx3Header([]byte("k")), zipData)},
		{name: "crx3 wrapping crx2", data: testutil.BuildCRX3(nil, testutil.BuildCRX2([]byte("k"), nil, zipData))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := crx.Convert(tt.data)
			require.NoError(t, err)
			assert.Equal(t, zipData, got)

			m, err := crx.ReadManifest(got)
			require.NoError(t, err)
			assert.Equal(t, "Example", m.Name)
			assert.Equal(t, "1.2.3", m.Version)
			assert.Equal(t, 3, m.ManifestVersion)
		})
	}
}

func TestConvert_TruncatedInputs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{name: "magic only", data: []byte("Cr24"), wantErr: crx.ErrMalformedHeader},
		{name: "partial version", data: []byte("Cr24\x02\x00"), wantErr: crx.ErrMalformedHeader},
		{name: "v2 missing key length", data: []byte("Cr24\x02\x00\x00\x00"), wantErr: crx.ErrMalformedHeader},
		{name: "v2 missing signature length", data: []byte("Cr24\x02\x00\x00\x00\x04\x00\x00\x00"), wantErr: crx.ErrMalformedHeader},
		{name: "v3 missing header length", data: []byte("Cr24\x03\x00\x00\x00\x01"), wantErr: crx.ErrMalformedHeader},
		{name: "v2 key past end", data: testutil.BuildCRX2(make([]byte, 8), nil, nil)[:20], wantErr: crx.ErrTruncated},
		{name: "v2 signature past end", data: testutil.BuildCRX2(nil, make([]byte, 8), nil)[:23], wantErr: crx.ErrTruncated},
		{name: "v3 header past end", data: testutil.BuildCRX3(make([]byte, 64), nil)[:40], wantErr: crx.ErrTruncated},
		{name: "v2 lengths overflow uint32", data: []byte("Cr24\x02\x00\x00\x00\xff\xff\xff\xff\xff\xff\xff\xff"), wantErr: crx.ErrTruncated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := crx.Convert(tt.data)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestConvert_EveryPrefixFailsCleanly(t *testing.T) {
	t.Parallel()

	for _, data := range [][]byte{
		testutil.BuildCRX2([]byte("key!"), []byte("signature"), []byte("zip")),
		testutil.BuildCRX3(crx3Header([]byte("key")), []byte("zip")),
	} {
		c, err := crx.Inspect(data)
		require.NoError(t, err)

		for n := 0; n < int(c.PayloadOffset); n++ {
			_, err := crx.Convert(data[:n])
			require.Error(t, err, "prefix %d", n)
			assert.True(t,
				errors.Is(err, crx.ErrNotCRX) || errors.Is(err, crx.ErrMalformedHeader) || errors.Is(err, crx.ErrTruncated),
				"prefix %d: unexpected error %v", n, err)
		}

		got, err := crx.Convert(data[:c.PayloadOffset])
		require.NoError(t, err)
		assert.Empty(t, got)
	}
}

func TestConvert_Nested(t *testing.T) {
	t.Parallel()

	zipData := testutil.BuildZip(t, map[string]string{"manifest.json": `{"name":"inner"}`})
	inner := testutil.BuildCRX2([]byte("inner-key"), []byte("inner-signature"), zipData)
	outerHeader := crx3Header([]byte("inner-key"))
	data := testutil.BuildCRX3(outerHeader, inner)

	c, err := crx.Inspect(data)
	require.NoError(t, err)
	require.True(t, c.Nested())
	require.Len(t, c.Layers, 2)
	assert.Equal(t, crx.Version3, c.Layers[0].Version)
	assert.Equal(t, crx.Version2, c.Layers[1].Version)
	assert.Equal(t, int64(12+len(outerHeader)+16+len("inner-key")+len("inner-signature")), c.PayloadOffset)
	assert.False(t, c.IdentityMismatch())

	got, err := crx.Convert(data)
	require.NoError(t, err)
	assert.Equal(t, zipData, got)
}

func TestConvert_NestedIdentityMismatch(t *testing.T) {
	t.Parallel()

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	zipData := []byte("PK\x05\x06 empty zip")
	inner := testutil.BuildCRX2([]byte("inner-key"), nil, zipData)
	data := testutil.BuildCRX3(crx3Header([]byte("outer-key")), inner)

	c, err := crx.Inspect(data, crx.WithLogger(logger))
	require.NoError(t, err)
	assert.True(t, c.IdentityMismatch())
	assert.Equal(t, []byte("inner-key"), c.Identity())
	assert.Contains(t, logs.String(), "public key mismatch")

	got, err := crx.Convert(data, crx.WithLogger(logger))
	require.NoError(t, err, "a mismatch is informational only")
	assert.Equal(t, zipData, got)
}

func TestConvert_ExpectedIdentity(t *testing.T) {
	t.Parallel()

	data := testutil.BuildCRX2([]byte("actual"), nil, []byte("zip"))

	c, err := crx.Inspect(data, crx.WithExpectedIdentity([]byte("expected")))
	require.NoError(t, err)
	assert.True(t, c.IdentityMismatch())

	c, err = crx.Inspect(data, crx.WithExpectedIdentity([]byte("actual")))
	require.NoError(t, err)
	assert.False(t, c.IdentityMismatch())
}

func TestConvert_NestingTooDeep(t *testing.T) {
	t.Parallel()

	data := testutil.BuildCRX2(nil, nil, []byte("zip"))
	for range 4 {
		data = testutil.BuildCRX3(nil, data)
	}

	_, err := crx.Convert(data, crx.WithMaxDepth(3))
	assert.ErrorIs(t, err, crx.ErrNestingTooDeep)

	got, err := crx.Convert(data, crx.WithMaxDepth(4))
	require.NoError(t, err)
	assert.Equal(t, []byte("zip"), got)
}

func TestConvert_NestingDefaultLimit(t *testing.T) {
	t.Parallel()

	// An all-magic tail nests forever; the default cap must stop it.
	data := bytes.Repeat([]byte("Cr24\x03\x00\x00\x00\x00\x00\x00\x00"), crx.DefaultMaxDepth+2)

	_, err := crx.Convert(data)
	assert.ErrorIs(t, err, crx.ErrNestingTooDeep)
}

func TestConvert_NestedErrorsCarryLayer(t *testing.T) {
	t.Parallel()

	data := testutil.BuildCRX3(nil, []byte("Cr24\x07\x00\x00\x00\x00\x00\x00\x00"))

	_, err := crx.Convert(data)
	require.ErrorIs(t, err, crx.ErrUnsupportedVersion)
	assert.Contains(t, err.Error(), "layer 1")
}

func TestConvert_Version2Identity(t *testing.T) {
	t.Parallel()

	key := []byte("public-key-material")
	data := testutil.BuildCRX2(key, []byte("sig"), []byte("zip"))

	c, err := crx.Inspect(data)
	require.NoError(t, err)
	assert.Equal(t, key, c.Layers[0].Identity)
	assert.Equal(t, "ahgeklgcakncoohlngeamlghngaejkkm", c.ExtensionID())

	c, err = crx.Inspect(data, crx.WithLegacyIdentity())
	require.NoError(t, err)
	assert.Equal(t, []byte("publ"), c.Layers[0].Identity)
	assert.Empty(t, c.ExtensionID())
}

func TestConvert_Version3Identity(t *testing.T) {
	t.Parallel()

	key := []byte("public-key-material")
	data := testutil.BuildCRX3(crx3Header(key), []byte("zip"))

	c, err := crx.Inspect(data)
	require.NoError(t, err)
	assert.Equal(t, key, c.Layers[0].Identity)
	assert.Equal(t, crx.ExtensionID(key), c.ExtensionID())

	c, err = crx.Inspect(data, crx.WithIdentityDecoder(nil))
	require.NoError(t, err)
	assert.Nil(t, c.Layers[0].Identity)
	assert.Empty(t, c.ExtensionID())
}

func TestConvert_IdentityFailureDoesNotFailConversion(t *testing.T) {
	t.Parallel()

	failing := crx.IdentityDecoderFunc(func([]byte) ([]byte, error) {
		return nil, errors.New("decoder exploded")
	})
	data := testutil.BuildCRX3([]byte("\xff\xff\xff"), []byte("zip"))

	got, err := crx.Convert(data, crx.WithIdentityDecoder(failing))
	require.NoError(t, err)
	assert.Equal(t, []byte("zip"), got)

	// Garbage headers fail the default decoder the same way.
	got, err = crx.Convert(data)
	require.NoError(t, err)
	assert.Equal(t, []byte("zip"), got)
}

func TestConvert_DoesNotAliasInput(t *testing.T) {
	t.Parallel()

	data := testutil.BuildCRX2([]byte("key"), []byte("sig"), []byte("payload"))
	orig := bytes.Clone(data)

	got, err := crx.Convert(data)
	require.NoError(t, err)
	got[0] = 'X'

	assert.Equal(t, orig, data)
}

func TestOpen_ReadsOnlyHeaders(t *testing.T) {
	t.Parallel()

	payload := bytes.Repeat([]byte("z"), 1<<16)
	data := testutil.BuildCRX2([]byte("key"), []byte("sig"), payload)
	src := testutil.NewMockByteSource(data)

	pkg, err := crx.Open(src)
	require.NoError(t, err)
	assert.Less(t, src.BytesRead(), int64(64))
	assert.Equal(t, int64(len(payload)), pkg.PayloadSize)

	var out bytes.Buffer
	n, err := pkg.WriteTo(&out)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)
	assert.Equal(t, payload, out.Bytes())
}

func TestOpen_FileSource(t *testing.T) {
	t.Parallel()

	data := testutil.BuildCRX3(crx3Header([]byte("k")), []byte("payload"))
	pkg, err := crx.Open(crx.NewFileSource(bytes.NewReader(data), int64(len(data))))
	require.NoError(t, err)

	buf := make([]byte, pkg.PayloadSize)
	_, err = pkg.Payload().ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), buf)
}

func TestExtensionID(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "adjafimgpcmamlejcmfddlakenbeophh", crx.ExtensionID([]byte{1, 2, 3}))
	assert.Empty(t, crx.ExtensionID(nil))
}

func TestVersion_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "CRX2", crx.Version2.String())
	assert.Equal(t, "CRX3", crx.Version3.String())
	assert.Equal(t, "CRX(9)", crx.Version(9).String())
}
