package szvolume

import (
	"encoding/binary"
	"fmt"

	sha256 "github.com/minio/sha256-simd"

	"github.com/tmreyno/szarc/internal/constants"
)

// Container framing. One archive is a numbered sequence of volume files,
// each starting with a fixed header. The first volume carries a preamble
// describing the whole archive; the last volume ends with the central index
// followed by a fixed-size trailer that points back at it. Chunk records
// are written as indivisible units: a record never straddles two volumes.

const FormatVersion = 1

var Magic = [6]byte{'S', 'Z', 'A', 'R', 'C', 0x1A}
var TrailerMagic = [4]byte{'S', 'Z', 'I', 'X'}

const (
	HeaderSize  = 6 + 1 + 4 + 16 // magic, version, volume index, archive id
	TrailerSize = 8 + 8 + 4 + 1 + 3
)

// Record kinds.
const (
	KindPreamble byte = 0xA0
	KindChunk    byte = 0xC1
	KindIndex    byte = 0xE1
)

// Preamble flag bits.
const (
	FlagEncrypted byte = 1 << iota
	FlagSolid
)

// ArchiveInfo is the preamble payload: everything a reader needs before the
// first chunk, including the key-derivation material when encrypted.
type ArchiveInfo struct {
	ArchiveID [16]byte
	CodecID   byte
	Level     byte
	Encrypted bool
	Solid     bool
	ChunkSize uint64
	DictCap   uint64

	// key material, present only when Encrypted
	Salt      []byte
	BaseIV    []byte
	TestBlock []byte
}

// Segment maps a byte range of a chunk back to an entry. EntryOffset is the
// offset of the segment within the entry's uncompressed content.
type Segment struct {
	EntryIndex  uint64
	EntryOffset uint64
	Length      uint64
}

// ChunkFrame is the header of one chunk record. RawDigest holds the first 8
// bytes of SHA-256 over the raw (pre-codec, pre-cipher) chunk so test mode
// can localize corruption to a chunk without the central index.
type ChunkFrame struct {
	Index     uint64
	Segments  []Segment
	RawLen    uint64
	PackedLen uint64
	RawDigest [8]byte
}

// IndexEntry mirrors the public ArchiveEntry plus the full content digest.
type IndexEntry struct {
	Name       string
	Size       uint64
	PackedSize uint64
	ModTime    int64
	Attributes uint32
	IsDir      bool
	Digest     [32]byte
}

// ChunkLocation records which volume a chunk record lives in and at which
// byte offset, so resume and selective readers can seek without rescanning.
type ChunkLocation struct {
	Volume uint32
	Offset uint64
}

// Index is the archive's central directory, written once at the end of the
// last volume.
type Index struct {
	Entries []IndexEntry
	Chunks  []ChunkLocation
}

// Digest8 is the truncated content digest used in chunk records and the
// index trailer.
func Digest8(b []byte) (d [8]byte) {
	sum := sha256.Sum256(b)
	copy(d[:], sum[:8])
	return
}

func appendHeader(buf []byte, volIndex uint32, archiveID [16]byte) []byte {
	buf = append(buf, Magic[:]...)
	buf = append(buf, FormatVersion)
	buf = binary.BigEndian.AppendUint32(buf, volIndex)
	buf = append(buf, archiveID[:]...)
	return buf
}

func parseHeader(buf []byte) (volIndex uint32, archiveID [16]byte, err error) {
	if len(buf) < HeaderSize {
		err = fmt.Errorf("volume header truncated at %d bytes", len(buf))
		return
	}
	if [6]byte(buf[:6]) != Magic {
		err = fmt.Errorf("bad volume magic")
		return
	}
	if buf[6] != FormatVersion {
		err = fmt.Errorf("unsupported container version %d (engine writes version %d)", buf[6], FormatVersion)
		return
	}
	volIndex = binary.BigEndian.Uint32(buf[7:11])
	copy(archiveID[:], buf[11:HeaderSize])
	return
}

func appendPreamble(buf []byte, info *ArchiveInfo) ([]byte, error) {
	buf = append(buf, KindPreamble, info.CodecID, info.Level)
	var flags byte
	if info.Encrypted {
		flags |= FlagEncrypted
	}
	if info.Solid {
		flags |= FlagSolid
	}
	buf = append(buf, flags)
	buf = binary.AppendUvarint(buf, info.ChunkSize)
	buf = binary.AppendUvarint(buf, info.DictCap)
	if info.Encrypted {
		if len(info.Salt) != 16 || len(info.BaseIV) != 16 || len(info.TestBlock) != 32 {
			return nil, fmt.Errorf("preamble key material has wrong lengths %d/%d/%d",
				len(info.Salt), len(info.BaseIV), len(info.TestBlock))
		}
		buf = append(buf, info.Salt...)
		buf = append(buf, info.BaseIV...)
		buf = append(buf, info.TestBlock...)
	}
	return buf, nil
}

func appendChunkFrame(buf []byte, fr *ChunkFrame) []byte {
	buf = append(buf, KindChunk)
	buf = binary.AppendUvarint(buf, fr.Index)
	buf = binary.AppendUvarint(buf, uint64(len(fr.Segments)))
	for i := range fr.Segments {
		s := &fr.Segments[i]
		buf = binary.AppendUvarint(buf, s.EntryIndex)
		buf = binary.AppendUvarint(buf, s.EntryOffset)
		buf = binary.AppendUvarint(buf, s.Length)
	}
	buf = binary.AppendUvarint(buf, fr.RawLen)
	buf = binary.AppendUvarint(buf, fr.PackedLen)
	buf = append(buf, fr.RawDigest[:]...)
	return buf
}

// MarshalBinary serializes the index body (plaintext form; the engine seals
// it when the archive is encrypted).
func (ix *Index) MarshalBinary() []byte {
	buf := make([]byte, 0, 64*len(ix.Entries)+16*len(ix.Chunks)+32)
	buf = binary.AppendUvarint(buf, uint64(len(ix.Entries)))
	for i := range ix.Entries {
		e := &ix.Entries[i]
		buf = binary.AppendUvarint(buf, uint64(len(e.Name)))
		buf = append(buf, e.Name...)
		buf = binary.AppendUvarint(buf, e.Size)
		buf = binary.AppendUvarint(buf, e.PackedSize)
		buf = binary.AppendUvarint(buf, uint64(e.ModTime))
		buf = binary.AppendUvarint(buf, uint64(e.Attributes))
		if e.IsDir {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
		buf = append(buf, e.Digest[:]...)
	}
	buf = binary.AppendUvarint(buf, uint64(len(ix.Chunks)))
	for i := range ix.Chunks {
		buf = binary.AppendUvarint(buf, uint64(ix.Chunks[i].Volume))
		buf = binary.AppendUvarint(buf, ix.Chunks[i].Offset)
	}
	return buf
}

// ParseIndex decodes an index body produced by MarshalBinary.
func ParseIndex(body []byte) (*Index, error) {
	r := &sliceReader{buf: body}
	ix := &Index{}

	entryCount, err := r.uvarint()
	if err != nil {
		return nil, fmt.Errorf("index entry count: %w", err)
	}
	if entryCount > uint64(len(body)) {
		return nil, fmt.Errorf("index declares %d entries in a %d byte body", entryCount, len(body))
	}
	ix.Entries = make([]IndexEntry, entryCount)
	for i := range ix.Entries {
		e := &ix.Entries[i]
		nameLen, err := r.uvarint()
		if err != nil {
			return nil, fmt.Errorf("index entry %d: %w", i, err)
		}
		name, err := r.take(int(nameLen))
		if err != nil {
			return nil, fmt.Errorf("index entry %d name: %w", i, err)
		}
		e.Name = string(name)
		if e.Size, err = r.uvarint(); err != nil {
			return nil, err
		}
		if e.PackedSize, err = r.uvarint(); err != nil {
			return nil, err
		}
		mt, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		e.ModTime = int64(mt)
		attr, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		e.Attributes = uint32(attr)
		dirByte, err := r.take(1)
		if err != nil {
			return nil, err
		}
		e.IsDir = dirByte[0] != 0
		dig, err := r.take(32)
		if err != nil {
			return nil, err
		}
		copy(e.Digest[:], dig)
	}

	chunkCount, err := r.uvarint()
	if err != nil {
		return nil, fmt.Errorf("index chunk count: %w", err)
	}
	if chunkCount > uint64(len(body)) {
		return nil, fmt.Errorf("index declares %d chunks in a %d byte body", chunkCount, len(body))
	}
	ix.Chunks = make([]ChunkLocation, chunkCount)
	for i := range ix.Chunks {
		vol, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		ix.Chunks[i].Volume = uint32(vol)
		if ix.Chunks[i].Offset, err = r.uvarint(); err != nil {
			return nil, err
		}
	}
	if r.remaining() != 0 {
		return nil, fmt.Errorf("%d trailing bytes after index", r.remaining())
	}
	return ix, nil
}

type sliceReader struct {
	buf []byte
	pos int
}

func (r *sliceReader) remaining() int { return len(r.buf) - r.pos }

func (r *sliceReader) uvarint() (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.pos:])
	if n <= 0 {
		return 0, fmt.Errorf("truncated varint")
	}
	r.pos += n
	return v, nil
}

func (r *sliceReader) take(n int) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, fmt.Errorf("truncated field (%d bytes wanted, %d left)", n, r.remaining())
	}
	out := r.buf[r.pos : r.pos+n]
	r.pos += n
	return out, nil
}

// MaxChunkRecordOverhead bounds the frame bytes around a chunk payload.
// Engine configuration validation uses it to guarantee that any whole chunk
// record fits a volume of SplitSize.
func MaxChunkRecordOverhead(maxSegments int) int {
	// kind + 3 varints + digest + per-segment 3 varints
	return 1 + 3*binary.MaxVarintLen64 + 8 + maxSegments*3*binary.MaxVarintLen64
}

func sanityCheckChunkFrame(fr *ChunkFrame, chunkSize uint64) error {
	if !constants.PerformSanityChecks {
		return nil
	}
	if fr.RawLen == 0 || fr.RawLen > chunkSize {
		return fmt.Errorf("chunk %d raw length %d outside (0, %d]", fr.Index, fr.RawLen, chunkSize)
	}
	if len(fr.Segments) > constants.MaxSegmentsPerChunk {
		return fmt.Errorf("chunk %d spans %d segments, cap is %d",
			fr.Index, len(fr.Segments), constants.MaxSegmentsPerChunk)
	}
	var segTotal uint64
	for i := range fr.Segments {
		segTotal += fr.Segments[i].Length
	}
	if segTotal != fr.RawLen {
		return fmt.Errorf("chunk %d segments cover %d of %d raw bytes", fr.Index, segTotal, fr.RawLen)
	}
	return nil
}
