package szchunker

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	sha256 "github.com/minio/sha256-simd"
	"github.com/stretchr/testify/require"

	"github.com/tmreyno/szarc/internal/constants"
	"github.com/tmreyno/szarc/internal/scan"
	"github.com/tmreyno/szarc/internal/volume"
)

func fileEntry(t *testing.T, dir, name string, content []byte) szscan.Entry {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, content, 0o644))
	return szscan.Entry{Name: name, FullPath: p, Size: int64(len(content))}
}

func patterned(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i%251)
	}
	return b
}

type collected struct {
	chunks  []*Chunk
	digests map[int][32]byte
}

func collect(t *testing.T, entries []szscan.Entry, chunkSize int, solid bool) *collected {
	t.Helper()
	pool := NewPool(4, chunkSize)
	a, err := NewAssembler(entries, Config{ChunkSize: chunkSize, Solid: solid}, pool)
	require.NoError(t, err)

	out := &collected{digests: map[int][32]byte{}}
	err = a.Run(0, 0, 0,
		func(c *Chunk) error {
			// keep a private copy, return the pooled buffer like the
			// real pipeline writer does
			cp := *c
			cp.Data = append([]byte(nil), c.Data...)
			cp.Segments = append([]szvolume.Segment(nil), c.Segments...)
			out.chunks = append(out.chunks, &cp)
			pool.Put(c.Data)
			return nil
		},
		func(idx int, digest [32]byte) { out.digests[idx] = digest },
	)
	require.NoError(t, err)
	return out
}

func reassemble(chunks []*Chunk, totalPerEntry map[int]int) map[int][]byte {
	out := map[int][]byte{}
	for idx, n := range totalPerEntry {
		out[idx] = make([]byte, n)
	}
	for _, c := range chunks {
		pos := 0
		for _, s := range c.Segments {
			copy(out[int(s.EntryIndex)][s.EntryOffset:], c.Data[pos:pos+int(s.Length)])
			pos += int(s.Length)
		}
	}
	return out
}

func TestAssemblerConstructsWithDefaultRing(t *testing.T) {
	pool := NewPool(2, 4096)
	// zero and undersized ring sizes both fall back to a working config
	for _, ringSize := range []int{0, 1 << 10} {
		_, err := NewAssembler(nil, Config{ChunkSize: 4096, RingBufferSize: ringSize}, pool)
		require.NoError(t, err, "ring size %d", ringSize)
	}
}

func TestSingleEntryChunking(t *testing.T) {
	dir := t.TempDir()
	content := patterned(10_000, 3)
	entries := []szscan.Entry{fileEntry(t, dir, "a.bin", content)}

	got := collect(t, entries, 4096, false)
	require.Len(t, got.chunks, 3) // 4096 + 4096 + 1808

	for i, c := range got.chunks {
		require.Equal(t, uint64(i), c.Index)
		if i < 2 {
			require.Len(t, c.Data, 4096)
		}
	}

	re := reassemble(got.chunks, map[int]int{0: len(content)})
	require.True(t, bytes.Equal(content, re[0]))
	require.Equal(t, sha256.Sum256(content), got.digests[0])
}

func TestNonSolidFlushesAtEntryBoundaries(t *testing.T) {
	dir := t.TempDir()
	a := patterned(1000, 1)
	b := patterned(1000, 2)
	entries := []szscan.Entry{
		fileEntry(t, dir, "a.bin", a),
		fileEntry(t, dir, "b.bin", b),
	}

	got := collect(t, entries, 4096, false)
	require.Len(t, got.chunks, 2, "non-solid mode must not share chunks across entries")
	for i, c := range got.chunks {
		require.Len(t, c.Segments, 1)
		require.Equal(t, uint64(i), c.Segments[0].EntryIndex)
	}
}

func TestSolidPacksEntriesTogether(t *testing.T) {
	dir := t.TempDir()
	a := patterned(1000, 1)
	b := patterned(1000, 2)
	entries := []szscan.Entry{
		fileEntry(t, dir, "a.bin", a),
		fileEntry(t, dir, "b.bin", b),
	}

	got := collect(t, entries, 4096, true)
	require.Len(t, got.chunks, 1, "solid mode shares one chunk across small entries")
	require.Len(t, got.chunks[0].Segments, 2)

	re := reassemble(got.chunks, map[int]int{0: 1000, 1: 1000})
	require.True(t, bytes.Equal(a, re[0]))
	require.True(t, bytes.Equal(b, re[1]))
}

func TestSolidChunkSegmentCountIsCapped(t *testing.T) {
	dir := t.TempDir()
	const tiny = 50
	var entries []szscan.Entry
	want := map[int]int{}
	for i := 0; i < 3*constants.MaxSegmentsPerChunk; i++ {
		name := fmt.Sprintf("t%03d.bin", i)
		entries = append(entries, fileEntry(t, dir, name, patterned(tiny, byte(i))))
		want[i] = tiny
	}

	// all entries fit one chunk by size, so only the segment cap can split
	got := collect(t, entries, 1<<20, true)
	require.Greater(t, len(got.chunks), 1, "segment cap must force chunk boundaries")
	for _, c := range got.chunks {
		require.LessOrEqual(t, len(c.Segments), constants.MaxSegmentsPerChunk)
	}

	re := reassemble(got.chunks, want)
	for i := range entries {
		require.True(t, bytes.Equal(re[i], patterned(tiny, byte(i))), "entry %d", i)
	}
}

func TestZeroLengthAndDirectoryEntries(t *testing.T) {
	dir := t.TempDir()
	entries := []szscan.Entry{
		{Name: "d", FullPath: dir, IsDir: true},
		fileEntry(t, dir, "empty.bin", nil),
		fileEntry(t, dir, "tail.bin", patterned(10, 9)),
	}

	got := collect(t, entries, 4096, true)
	require.Len(t, got.chunks, 1)
	require.Equal(t, sha256.Sum256(nil), got.digests[1])
	_, dirHasDigest := got.digests[0]
	require.False(t, dirHasDigest, "directories carry no digest")
}

func TestCursorTracksResumePoints(t *testing.T) {
	dir := t.TempDir()
	content := patterned(9000, 5)
	entries := []szscan.Entry{fileEntry(t, dir, "a.bin", content)}

	got := collect(t, entries, 4096, false)
	require.Len(t, got.chunks, 3)
	require.Equal(t, int64(4096), got.chunks[0].NextEntryOffset)
	require.Equal(t, 0, got.chunks[0].NextEntry)
	require.Equal(t, int64(8192), got.chunks[1].NextEntryOffset)
	require.Equal(t, 1, got.chunks[2].NextEntry, "final chunk cursor points past the entry")
	require.Equal(t, int64(0), got.chunks[2].NextEntryOffset)
}

func TestResumeMidEntryMatchesFreshRun(t *testing.T) {
	dir := t.TempDir()
	content := patterned(9000, 8)
	entries := []szscan.Entry{fileEntry(t, dir, "a.bin", content)}

	fresh := collect(t, entries, 4096, false)

	pool := NewPool(4, 4096)
	a, err := NewAssembler(entries, Config{ChunkSize: 4096, Solid: false}, pool)
	require.NoError(t, err)

	var resumed []*Chunk
	digests := map[int][32]byte{}
	require.NoError(t, a.Run(0, 4096, 1,
		func(c *Chunk) error {
			cp := *c
			cp.Data = append([]byte(nil), c.Data...)
			resumed = append(resumed, &cp)
			pool.Put(c.Data)
			return nil
		},
		func(idx int, d [32]byte) { digests[idx] = d },
	))

	require.Len(t, resumed, 2)
	for i, c := range resumed {
		want := fresh.chunks[i+1]
		require.Equal(t, want.Index, c.Index)
		require.True(t, bytes.Equal(want.Data, c.Data))
	}
	require.Equal(t, fresh.digests[0], digests[0], "digest must cover the re-read prefix")
}

func TestShrunkenFileDetected(t *testing.T) {
	dir := t.TempDir()
	e := fileEntry(t, dir, "a.bin", patterned(5000, 1))
	e.Size = 6000 // lie: pretend enumeration saw a bigger file

	pool := NewPool(2, 4096)
	a, err := NewAssembler([]szscan.Entry{e}, Config{ChunkSize: 4096}, pool)
	require.NoError(t, err)

	err = a.Run(0, 0, 0,
		func(c *Chunk) error { pool.Put(c.Data); return nil },
		func(int, [32]byte) {},
	)
	require.Error(t, err)
}
