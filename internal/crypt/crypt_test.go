package szcrypt

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	k, err := NewKeyer("correct horse battery staple")
	require.NoError(t, err)

	for _, n := range []int{1, 15, 16, 17, 4096, 100000} {
		src := bytes.Repeat([]byte{0xAB}, n)
		src[0] = 0x01

		sealed := k.SealChunk(nil, src, 7)
		require.Zero(t, len(sealed)%BlockSize)
		require.Greater(t, len(sealed), n-1)

		raw, err := k.OpenChunk(nil, sealed, 7)
		require.NoError(t, err)
		require.True(t, bytes.Equal(src, raw), "length %d", n)
	}
}

func TestChunkIVsDifferPerIndex(t *testing.T) {
	k, err := NewKeyer("pw")
	require.NoError(t, err)

	src := make([]byte, 64)
	a := k.SealChunk(nil, src, 0)
	b := k.SealChunk(nil, src, 1)
	require.False(t, bytes.Equal(a, b), "same plaintext must differ across chunk indexes")
}

func TestOpenWithWrongIndexFails(t *testing.T) {
	k, err := NewKeyer("pw")
	require.NoError(t, err)

	sealed := k.SealChunk(nil, bytes.Repeat([]byte{0x5C}, 1000), 3)
	raw, err := k.OpenChunk(nil, sealed, 4)
	if err == nil {
		// CBC with a wrong IV garbles only the first block; padding may
		// still verify, but the content cannot match.
		require.False(t, bytes.Equal(raw, bytes.Repeat([]byte{0x5C}, 1000)))
	}
}

func TestReopenedKeyerDecrypts(t *testing.T) {
	k1, err := NewKeyer("s3cret")
	require.NoError(t, err)
	sealed := k1.SealChunk(nil, []byte("chunk payload"), 11)

	k2, err := OpenKeyer("s3cret", k1.Salt(), k1.BaseIV())
	require.NoError(t, err)
	raw, err := k2.OpenChunk(nil, sealed, 11)
	require.NoError(t, err)
	require.Equal(t, "chunk payload", string(raw))
}

func TestTestBlockVerification(t *testing.T) {
	k, err := NewKeyer("opensesame")
	require.NoError(t, err)
	sealed := k.TestBlock()
	require.Len(t, sealed, TestBlockSize)
	require.True(t, k.VerifyTestBlock(sealed))

	wrong, err := OpenKeyer("opensesame!", k.Salt(), k.BaseIV())
	require.NoError(t, err)
	require.False(t, wrong.VerifyTestBlock(sealed))

	require.False(t, k.VerifyTestBlock(sealed[:BlockSize]))
	require.False(t, k.VerifyTestBlock(nil))
}

func TestPaddingTamperDetected(t *testing.T) {
	k, err := NewKeyer("pw")
	require.NoError(t, err)

	sealed := k.SealChunk(nil, []byte("0123456789abcdef"), 0) // exactly one block + pad block
	sealed[len(sealed)-1] ^= 0xFF
	_, err = k.OpenChunk(nil, sealed, 0)
	require.Error(t, err)
}
