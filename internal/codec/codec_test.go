package szcodec_test

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tmreyno/szarc/internal/codec"
	"github.com/tmreyno/szarc/internal/codec/lz4"
	"github.com/tmreyno/szarc/internal/codec/lzma"
	"github.com/tmreyno/szarc/internal/codec/store"
	"github.com/tmreyno/szarc/internal/codec/zstd"
)

var initializers = map[string]szcodec.Initializer{
	"store": store.NewCodec,
	"lzma":  lzma.NewCodec,
	"zstd":  zstd.NewCodec,
	"lz4":   lz4.NewCodec,
}

func compressiblePayload(n int) []byte {
	buf := make([]byte, n)
	rng := rand.New(rand.NewSource(42))
	phrase := []byte("volume boundaries always align with chunk boundaries ")
	for i := 0; i < n; {
		if rng.Intn(4) == 0 {
			buf[i] = byte(rng.Intn(256))
			i++
			continue
		}
		i += copy(buf[i:], phrase)
	}
	return buf
}

func TestRoundTripAllCodecs(t *testing.T) {
	payload := compressiblePayload(256 * 1024)

	for name, initializer := range initializers {
		for _, level := range []int{1, 5, 9} {
			c, err := initializer(level, 0)
			require.NoError(t, err, "%s level %d", name, level)

			packed, err := c.Pack(nil, payload)
			require.NoError(t, err)

			if name != "store" && name != "lz4" {
				require.Less(t, len(packed), len(payload),
					"%s level %d should shrink a repetitive payload", name, level)
			}

			raw, err := c.Unpack(nil, packed, len(payload))
			require.NoError(t, err)
			require.True(t, bytes.Equal(payload, raw), "%s level %d round trip", name, level)
		}
	}
}

func TestStoreIsIdentity(t *testing.T) {
	c, err := store.NewCodec(0, 0)
	require.NoError(t, err)

	payload := compressiblePayload(4096)
	packed, err := c.Pack(nil, payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), len(packed))
	require.True(t, bytes.Equal(payload, packed))
}

func TestLZ4IncompressibleFallsBackToRaw(t *testing.T) {
	c, err := lz4.NewCodec(1, 0)
	require.NoError(t, err)

	noise := make([]byte, 64*1024)
	rng := rand.New(rand.NewSource(7))
	rng.Read(noise)

	packed, err := c.Pack(nil, noise)
	require.NoError(t, err)
	require.Equal(t, len(noise), len(packed), "random bytes must be stored raw")

	raw, err := c.Unpack(nil, packed, len(noise))
	require.NoError(t, err)
	require.True(t, bytes.Equal(noise, raw))
}

func TestUnpackLengthMismatchFails(t *testing.T) {
	payload := compressiblePayload(32 * 1024)
	for name, initializer := range initializers {
		if name == "lz4" {
			continue // raw fallback makes a shorter rawLen ambiguous by design
		}
		c, err := initializer(5, 0)
		require.NoError(t, err)

		packed, err := c.Pack(nil, payload)
		require.NoError(t, err)

		_, err = c.Unpack(nil, packed, len(payload)-1)
		require.Error(t, err, "%s must reject a bad raw length", name)
	}
}

func TestIDNameMapping(t *testing.T) {
	for _, name := range []string{"store", "lzma", "zstd", "lz4"} {
		id, err := szcodec.IDOf(name)
		require.NoError(t, err)
		back, err := szcodec.NameOf(id)
		require.NoError(t, err)
		require.Equal(t, name, back)
	}
	_, err := szcodec.IDOf("brotli")
	require.Error(t, err)
	_, err = szcodec.NameOf(0xFF)
	require.Error(t, err)
}
