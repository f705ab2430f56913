package szcheckpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tmreyno/szarc/internal/volume"
)

func sampleState() *State {
	s := &State{
		Fingerprint: [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		ArchiveID:   [16]byte{0xAA, 0xBB, 0xCC},
		Level:       5,
		Cursor: Cursor{
			NextEntry:       3,
			NextEntryOffset: 12345,
			NextChunkIndex:  7,
			VolumeIndex:     2,
			VolumeOffset:    98765,
			RawBytesDone:    1 << 30,
		},
		Entries: []EntryState{
			{Name: "d", FullPath: "/in/d", IsDir: true, Done: true, Digest: [32]byte{0x11}, PackedSize: 400},
			{Name: "d/a.bin", FullPath: "/in/d/a.bin", Size: 1 << 20, ModTime: 1756166400, Attributes: 0o644,
				Done: true, Digest: [32]byte{0x22}},
			{Name: "d/b.bin", FullPath: "/in/d/b.bin", Size: 77},
			{Name: "d/c.bin", FullPath: "/in/d/c.bin", Size: 3 << 20, PackedSize: 99},
		},
		Chunks: []szvolume.ChunkLocation{
			{Volume: 1, Offset: 27},
			{Volume: 1, Offset: 5000},
			{Volume: 2, Offset: 27},
		},
	}
	return s
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arc.szarc.checkpoint")
	want := sampleState()
	require.NoError(t, want.Save(path))

	got, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestSaveReplacesAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "arc.szarc.checkpoint")

	first := sampleState()
	require.NoError(t, first.Save(path))

	second := sampleState()
	second.Cursor.NextChunkIndex = 99
	require.NoError(t, second.Save(path))

	got, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, uint64(99), got.Cursor.NextChunkIndex)

	names, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, names, 1, "no temp files left behind")
}

func TestLoadRejectsCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arc.szarc.checkpoint")
	require.NoError(t, sampleState().Save(path))

	body, err := os.ReadFile(path)
	require.NoError(t, err)
	body[10] ^= 0xFF
	require.NoError(t, os.WriteFile(path, body, 0o600))

	_, err = Load(path)
	require.ErrorContains(t, err, "checksum")
}

func TestLoadRejectsTruncation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arc.szarc.checkpoint")
	require.NoError(t, sampleState().Save(path))

	body, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, body[:len(body)/2], 0o600))

	_, err = Load(path)
	require.Error(t, err)
}

func TestDefaultPath(t *testing.T) {
	require.Equal(t, "/x/a.szarc.checkpoint", DefaultPath("/x/a.szarc", ""))
	require.Equal(t,
		filepath.Join("/tmp/work", "a.szarc.checkpoint"),
		DefaultPath("/x/a.szarc", "/tmp/work"))
}
