package szvolume

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func testInfo() ArchiveInfo {
	return ArchiveInfo{
		ArchiveID: [16]byte(uuid.New()),
		CodecID:   0,
		Level:     5,
		ChunkSize: 1 << 16,
		DictCap:   1 << 20,
	}
}

func frameFor(index uint64, entry uint64, payload []byte) *ChunkFrame {
	return &ChunkFrame{
		Index: index,
		Segments: []Segment{
			{EntryIndex: entry, EntryOffset: index * uint64(len(payload)), Length: uint64(len(payload))},
		},
		RawLen:    uint64(len(payload)),
		PackedLen: uint64(len(payload)),
		RawDigest: Digest8(payload),
	}
}

func TestSingleVolumeRoundTrip(t *testing.T) {
	base := filepath.Join(t.TempDir(), "arc.sz")
	info := testInfo()

	w, err := NewWriter(base, 0, info)
	require.NoError(t, err)

	payloads := [][]byte{
		bytes.Repeat([]byte{1}, 100),
		bytes.Repeat([]byte{2}, 5000),
		bytes.Repeat([]byte{3}, 1),
	}
	var locs []ChunkLocation
	for i, p := range payloads {
		loc, err := w.WriteChunkRecord(frameFor(uint64(i), 0, p), p)
		require.NoError(t, err)
		locs = append(locs, loc)
	}

	ix := &Index{
		Entries: []IndexEntry{{Name: "a.bin", Size: 5101, PackedSize: 5101, ModTime: 1_700_000_000, Attributes: 0o644}},
		Chunks:  locs,
	}
	body := ix.MarshalBinary()
	require.NoError(t, w.FinishWithIndex(body, Digest8(body)))

	r, err := OpenReader(base)
	require.NoError(t, err)
	defer r.Close()
	require.Equal(t, info.ArchiveID, r.Info().ArchiveID)
	require.Equal(t, uint64(1<<16), r.Info().ChunkSize)

	var buf []byte
	for i, want := range payloads {
		fr, payload, err := r.NextRecord(buf)
		require.NoError(t, err)
		require.NotNil(t, fr)
		require.Equal(t, uint64(i), fr.Index)
		require.True(t, bytes.Equal(want, payload))
		buf = payload
	}

	fr, gotBody, err := r.NextRecord(buf)
	require.NoError(t, err)
	require.Nil(t, fr, "index record terminates the chunk stream")
	require.Equal(t, body, gotBody)

	parsed, err := ParseIndex(gotBody)
	require.NoError(t, err)
	require.Equal(t, ix.Entries, parsed.Entries)
	require.Equal(t, ix.Chunks, parsed.Chunks)
}

func TestSplitVolumesRespectSizeAndAlignment(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "arc.sz")
	info := testInfo()

	const splitSize = 4096
	w, err := NewWriter(base, splitSize, info)
	require.NoError(t, err)

	payload := bytes.Repeat([]byte{0xEE}, 1500)
	var locs []ChunkLocation
	for i := 0; i < 10; i++ {
		loc, err := w.WriteChunkRecord(frameFor(uint64(i), 0, payload), payload)
		require.NoError(t, err)
		locs = append(locs, loc)
	}
	ixBody := (&Index{Chunks: locs}).MarshalBinary()
	require.NoError(t, w.FinishWithIndex(ixBody, Digest8(ixBody)))

	// every volume except the last stays within the split size
	var volumes []string
	for i := uint32(1); ; i++ {
		p := VolumeName(base, true, i)
		if _, err := os.Stat(p); err != nil {
			break
		}
		volumes = append(volumes, p)
	}
	require.Greater(t, len(volumes), 2, "payloads must have forced volume rolls")
	for _, p := range volumes[:len(volumes)-1] {
		st, err := os.Stat(p)
		require.NoError(t, err)
		require.LessOrEqual(t, st.Size(), int64(splitSize), "%s exceeds the split size", p)
	}

	// records are never torn: every recorded location starts a valid record
	// in-volume, and sequential reading recovers all chunks in order
	r, err := OpenReader(VolumeName(base, true, 1))
	require.NoError(t, err)
	defer r.Close()

	var buf []byte
	for i := 0; i < 10; i++ {
		fr, got, err := r.NextRecord(buf)
		require.NoError(t, err, "chunk %d", i)
		require.Equal(t, uint64(i), fr.Index)
		require.True(t, bytes.Equal(payload, got))
		require.Equal(t, locs[i].Volume, r.volIndex, "location table must match the reader's volume")
		buf = got
	}
	fr, _, err := r.NextRecord(buf)
	require.NoError(t, err)
	require.Nil(t, fr)
}

func TestOpenReaderAcceptsBaseOrFirstVolume(t *testing.T) {
	base := filepath.Join(t.TempDir(), "arc.sz")
	w, err := NewWriter(base, 2048, testInfo())
	require.NoError(t, err)
	p := bytes.Repeat([]byte{9}, 64)
	_, err = w.WriteChunkRecord(frameFor(0, 0, p), p)
	require.NoError(t, err)
	body := (&Index{}).MarshalBinary()
	require.NoError(t, w.FinishWithIndex(body, Digest8(body)))

	for _, open := range []string{base, base + ".001"} {
		r, err := OpenReader(open)
		require.NoError(t, err, open)
		r.Close()
	}
}

func TestLoadIndexBody(t *testing.T) {
	base := filepath.Join(t.TempDir(), "arc.sz")
	w, err := NewWriter(base, 0, testInfo())
	require.NoError(t, err)

	p := bytes.Repeat([]byte{7}, 321)
	loc, err := w.WriteChunkRecord(frameFor(0, 0, p), p)
	require.NoError(t, err)

	ix := &Index{Chunks: []ChunkLocation{loc}}
	body := ix.MarshalBinary()
	require.NoError(t, w.FinishWithIndex(body, Digest8(body)))

	got, wantDigest, err := LoadIndexBody(base, false)
	require.NoError(t, err)
	require.Equal(t, body, got)
	require.Equal(t, Digest8(body), wantDigest)
}

func TestMissingIndexDetected(t *testing.T) {
	base := filepath.Join(t.TempDir(), "arc.sz")
	w, err := NewWriter(base, 0, testInfo())
	require.NoError(t, err)
	p := []byte{1, 2, 3}
	_, err = w.WriteChunkRecord(frameFor(0, 0, p), p)
	require.NoError(t, err)
	w.Abort() // interrupted: no index, no trailer

	_, _, err = LoadIndexBody(base, false)
	require.Error(t, err)

	r, err := OpenReader(base)
	require.NoError(t, err)
	defer r.Close()
	_, _, err = r.NextRecord(nil)
	require.NoError(t, err) // the chunk itself is intact
	_, _, err = r.NextRecord(nil)
	require.Error(t, err, "stream end without index must be an error")
}

func TestResumeWriterTruncatesAndDropsLaterVolumes(t *testing.T) {
	base := filepath.Join(t.TempDir(), "arc.sz")
	info := testInfo()

	const splitSize = 2048
	w, err := NewWriter(base, splitSize, info)
	require.NoError(t, err)

	p := bytes.Repeat([]byte{4}, 700)
	_, err = w.WriteChunkRecord(frameFor(0, 0, p), p)
	require.NoError(t, err)
	volIndex, offset := w.Position()

	// more writes past the checkpointed position, spilling into new volumes
	for i := 1; i < 6; i++ {
		_, err = w.WriteChunkRecord(frameFor(uint64(i), 0, p), p)
		require.NoError(t, err)
	}
	w.Abort()
	_, statErr := os.Stat(VolumeName(base, true, volIndex+1))
	require.NoError(t, statErr, "test setup should have rolled volumes")

	rw, err := ResumeWriter(base, splitSize, info, volIndex, offset)
	require.NoError(t, err)

	st, err := os.Stat(VolumeName(base, true, volIndex))
	require.NoError(t, err)
	require.Equal(t, offset, st.Size(), "resume must truncate to the checkpointed offset")
	_, statErr = os.Stat(VolumeName(base, true, volIndex+1))
	require.True(t, os.IsNotExist(statErr), "later volumes must be removed")

	// continue writing and finish normally
	for i := 1; i < 3; i++ {
		_, err = rw.WriteChunkRecord(frameFor(uint64(i), 0, p), p)
		require.NoError(t, err)
	}
	body := (&Index{}).MarshalBinary()
	require.NoError(t, rw.FinishWithIndex(body, Digest8(body)))

	r, err := OpenReader(base)
	require.NoError(t, err)
	defer r.Close()
	for i := 0; i < 3; i++ {
		fr, _, err := r.NextRecord(nil)
		require.NoError(t, err)
		require.Equal(t, uint64(i), fr.Index)
	}
}

func TestResumeWriterRejectsForeignVolume(t *testing.T) {
	base := filepath.Join(t.TempDir(), "arc.sz")
	w, err := NewWriter(base, 0, testInfo())
	require.NoError(t, err)
	w.Abort()

	other := testInfo() // different archive id
	_, err = ResumeWriter(base, 0, other, 0, HeaderSize)
	require.Error(t, err)
}
