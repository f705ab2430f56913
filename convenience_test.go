package szarc

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompressDecompressFile(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "plain.bin")
	packed := filepath.Join(dir, "plain.bin.xz")
	restored := filepath.Join(dir, "restored.bin")

	data := make([]byte, 500_000)
	for i := range data {
		data[i] = byte(i % 97)
	}
	require.NoError(t, os.WriteFile(in, data, 0o644))

	require.NoError(t, CompressFile(context.Background(), in, packed, LevelNormal))

	st, err := os.Stat(packed)
	require.NoError(t, err)
	require.Less(t, st.Size(), int64(len(data)))

	require.NoError(t, DecompressFile(context.Background(), packed, restored))
	got, err := os.ReadFile(restored)
	require.NoError(t, err)
	require.True(t, bytes.Equal(data, got))
}

func TestCompressFileCancelled(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "plain.bin")
	out := filepath.Join(dir, "out.xz")
	require.NoError(t, os.WriteFile(in, make([]byte, 4<<20), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := CompressFile(ctx, in, out, LevelFastest)
	require.Equal(t, KindCancelled, KindOf(err))

	_, err = os.Stat(out)
	require.True(t, os.IsNotExist(err), "cancelled compression must not leave a partial output")
}

func TestCompressFileMissingInput(t *testing.T) {
	err := CompressFile(context.Background(), "/no/such/file", filepath.Join(t.TempDir(), "o"), LevelFast)
	require.Equal(t, KindPathNotFound, KindOf(err))
}
