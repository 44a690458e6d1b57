package hash_test

import (
	"testing"

	"github.com/cbrgm/nixworker/pkg/hash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBase32RoundTrip(t *testing.T) {
	data := make([]byte, hash.SHA256.Size())
	for i := range data {
		data[i] = byte(i)
	}

	enc := hash.EncodeBase32(data)
	assert.Len(t, enc, 52)

	dec, err := hash.DecodeBase32(enc, len(data))
	require.NoError(t, err)
	assert.Equal(t, data, dec)
}

func TestParsePrefixedBase16(t *testing.T) {
	h, err := hash.Parse("sha256:"+
		"0000000000000000000000000000000000000000000000000000000000000000"[:64], "")
	require.NoError(t, err)
	assert.Equal(t, hash.SHA256, h.Algorithm)
	assert.Len(t, h.Data, 32)
}

func TestParseSRI(t *testing.T) {
	h1, err := hash.New(hash.SHA256, make([]byte, 32))
	require.NoError(t, err)

	sri, err := h1.Encode("sri")
	require.NoError(t, err)

	h2, err := hash.Parse(sri, "")
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestParseUnprefixedWithAlgo(t *testing.T) {
	h1, err := hash.New(hash.SHA1, make([]byte, 20))
	require.NoError(t, err)

	b32, err := h1.Encode("base32")
	require.NoError(t, err)

	// Strip the algorithm prefix this package always writes, to exercise
	// the caller-supplied-algorithm path.
	bare := b32[len("sha1:"):]

	h2, err := hash.Parse(bare, hash.SHA1)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestParseRejectsUnknownAlgorithm(t *testing.T) {
	_, err := hash.Parse("crc32:deadbeef", "")
	require.Error(t, err)
}

func TestMultihashRoundTrip(t *testing.T) {
	h1, err := hash.New(hash.SHA256, make([]byte, 32))
	require.NoError(t, err)

	mh, err := h1.ToMultihash()
	require.NoError(t, err)

	h2, err := hash.FromMultihash(mh)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}
