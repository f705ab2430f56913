package szvolume

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"
)

// ResolveBase maps a user-supplied path (base archive path or its first
// volume) to the base path plus the split flag.
func ResolveBase(path string) (basePath string, split bool, err error) {
	if st, statErr := os.Stat(path); statErr == nil && !st.IsDir() {
		if strings.HasSuffix(path, ".001") {
			return strings.TrimSuffix(path, ".001"), true, nil
		}
		return path, false, nil
	}
	if _, statErr := os.Stat(path + ".001"); statErr == nil {
		return path, true, nil
	}
	if _, statErr := os.Stat(path); statErr != nil {
		return "", false, statErr
	}
	return path, false, nil
}

// Reader walks an archive's records in stream order, opening subsequent
// volumes transparently. It performs no decryption or decompression; the
// extraction pipeline layers those on top.
type Reader struct {
	basePath string
	split    bool
	info     ArchiveInfo

	f        *os.File
	br       *bufio.Reader
	volIndex uint32
	sawIndex bool
}

// OpenReader opens the first volume and reads the archive preamble.
func OpenReader(path string) (*Reader, error) {
	basePath, split, err := ResolveBase(path)
	if err != nil {
		return nil, err
	}
	r := &Reader{basePath: basePath, split: split}
	if split {
		r.volIndex = 1
	}
	if err := r.openVolume(r.volIndex); err != nil {
		return nil, err
	}
	if err := r.readPreamble(); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

func (r *Reader) Info() *ArchiveInfo { return &r.info }

func (r *Reader) openVolume(index uint32) error {
	if r.f != nil {
		r.f.Close()
		r.f = nil
	}
	path := VolumeName(r.basePath, r.split, index)
	f, err := os.Open(path)
	if err != nil {
		return err
	}

	hdr := make([]byte, HeaderSize)
	if _, err := io.ReadFull(f, hdr); err != nil {
		f.Close()
		return fmt.Errorf("volume %s: %w", path, err)
	}
	gotIndex, gotID, err := parseHeader(hdr)
	if err != nil {
		f.Close()
		return fmt.Errorf("volume %s: %w", path, err)
	}
	if gotIndex != index {
		f.Close()
		return fmt.Errorf("volume %s claims sequence number %d", path, gotIndex)
	}
	if index > 1 || (!r.split && index > 0) {
		if gotID != r.info.ArchiveID {
			f.Close()
			return fmt.Errorf("volume %s belongs to a different archive", path)
		}
	} else {
		r.info.ArchiveID = gotID
	}

	r.f = f
	r.br = bufio.NewReaderSize(f, 1<<20)
	r.volIndex = index
	return nil
}

func (r *Reader) readPreamble() error {
	kind, err := r.br.ReadByte()
	if err != nil {
		return fmt.Errorf("reading preamble: %w", err)
	}
	if kind != KindPreamble {
		return fmt.Errorf("first record kind 0x%02X is not a preamble", kind)
	}

	fixed := make([]byte, 3)
	if _, err := io.ReadFull(r.br, fixed); err != nil {
		return fmt.Errorf("preamble truncated: %w", err)
	}
	r.info.CodecID = fixed[0]
	r.info.Level = fixed[1]
	flags := fixed[2]
	r.info.Encrypted = flags&FlagEncrypted != 0
	r.info.Solid = flags&FlagSolid != 0

	if r.info.ChunkSize, err = binary.ReadUvarint(r.br); err != nil {
		return fmt.Errorf("preamble chunk size: %w", err)
	}
	if r.info.DictCap, err = binary.ReadUvarint(r.br); err != nil {
		return fmt.Errorf("preamble dict cap: %w", err)
	}
	if r.info.ChunkSize == 0 {
		return fmt.Errorf("preamble declares zero chunk size")
	}

	if r.info.Encrypted {
		material := make([]byte, 16+16+32)
		if _, err := io.ReadFull(r.br, material); err != nil {
			return fmt.Errorf("preamble key material truncated: %w", err)
		}
		r.info.Salt = material[:16]
		r.info.BaseIV = material[16:32]
		r.info.TestBlock = material[32:]
	}
	return nil
}

// NextRecord returns the next chunk frame and its payload. The payload is
// only valid until the next call: the buffer is reused when it fits. When
// the index record is reached it returns (nil, indexBody, nil); the caller
// must not call NextRecord again after that.
func (r *Reader) NextRecord(payloadBuf []byte) (*ChunkFrame, []byte, error) {
	if r.sawIndex {
		return nil, nil, fmt.Errorf("read past the archive index")
	}

	kind, err := r.br.ReadByte()
	if err == io.EOF {
		// records are never torn, so EOF here means the next volume
		// carries the rest of the stream
		if err := r.openVolume(r.volIndex + 1); err != nil {
			if os.IsNotExist(err) {
				return nil, nil, fmt.Errorf("archive ends without an index record (missing volume %d?)", r.volIndex+1)
			}
			return nil, nil, err
		}
		kind, err = r.br.ReadByte()
	}
	if err != nil {
		return nil, nil, err
	}

	switch kind {
	case KindChunk:
		fr := &ChunkFrame{}
		if fr.Index, err = binary.ReadUvarint(r.br); err != nil {
			return nil, nil, fmt.Errorf("chunk record header: %w", err)
		}
		segCount, err := binary.ReadUvarint(r.br)
		if err != nil {
			return nil, nil, fmt.Errorf("chunk %d segment count: %w", fr.Index, err)
		}
		if segCount == 0 || segCount > r.info.ChunkSize {
			return nil, nil, fmt.Errorf("chunk %d declares %d segments", fr.Index, segCount)
		}
		fr.Segments = make([]Segment, segCount)
		for i := range fr.Segments {
			s := &fr.Segments[i]
			if s.EntryIndex, err = binary.ReadUvarint(r.br); err != nil {
				return nil, nil, err
			}
			if s.EntryOffset, err = binary.ReadUvarint(r.br); err != nil {
				return nil, nil, err
			}
			if s.Length, err = binary.ReadUvarint(r.br); err != nil {
				return nil, nil, err
			}
		}
		if fr.RawLen, err = binary.ReadUvarint(r.br); err != nil {
			return nil, nil, err
		}
		if fr.PackedLen, err = binary.ReadUvarint(r.br); err != nil {
			return nil, nil, err
		}
		if _, err = io.ReadFull(r.br, fr.RawDigest[:]); err != nil {
			return nil, nil, err
		}
		if err = sanityCheckChunkFrame(fr, r.info.ChunkSize); err != nil {
			return nil, nil, err
		}
		// a sealed chunk can exceed ChunkSize only by cipher padding
		if fr.PackedLen > r.info.ChunkSize+64 {
			return nil, nil, fmt.Errorf("chunk %d packed length %d exceeds chunk size %d",
				fr.Index, fr.PackedLen, r.info.ChunkSize)
		}

		if uint64(cap(payloadBuf)) < fr.PackedLen {
			payloadBuf = make([]byte, fr.PackedLen)
		}
		payloadBuf = payloadBuf[:fr.PackedLen]
		if _, err = io.ReadFull(r.br, payloadBuf); err != nil {
			return nil, nil, fmt.Errorf("chunk %d payload truncated: %w", fr.Index, err)
		}
		return fr, payloadBuf, nil

	case KindIndex:
		bodyLen, err := binary.ReadUvarint(r.br)
		if err != nil {
			return nil, nil, fmt.Errorf("index record length: %w", err)
		}
		body := make([]byte, bodyLen)
		if _, err = io.ReadFull(r.br, body); err != nil {
			return nil, nil, fmt.Errorf("index record truncated: %w", err)
		}
		r.sawIndex = true
		return nil, body, nil

	default:
		return nil, nil, fmt.Errorf("unknown record kind 0x%02X in volume %d", kind, r.volIndex)
	}
}

func (r *Reader) Close() error {
	if r.f != nil {
		err := r.f.Close()
		r.f = nil
		return err
	}
	return nil
}

// LoadIndexBody locates the last volume via the numbering convention, reads
// the trailer at its tail and returns the (possibly sealed) index body plus
// the plaintext digest the trailer promises.
func LoadIndexBody(basePath string, split bool) (body []byte, wantDigest [8]byte, err error) {
	lastPath := VolumeName(basePath, split, 0)
	if split {
		idx := uint32(1)
		for {
			p := VolumeName(basePath, true, idx+1)
			if _, statErr := os.Stat(p); statErr != nil {
				break
			}
			idx++
		}
		lastPath = VolumeName(basePath, true, idx)
	}

	f, err := os.Open(lastPath)
	if err != nil {
		return nil, wantDigest, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, wantDigest, err
	}
	if st.Size() < HeaderSize+TrailerSize {
		return nil, wantDigest, fmt.Errorf("volume %s too short to carry an index", lastPath)
	}

	trailer := make([]byte, TrailerSize)
	if _, err = f.ReadAt(trailer, st.Size()-TrailerSize); err != nil {
		return nil, wantDigest, err
	}
	if [4]byte(trailer[16:20]) != TrailerMagic {
		return nil, wantDigest, fmt.Errorf("volume %s has no index trailer (interrupted archive?)", lastPath)
	}
	if trailer[20] != FormatVersion {
		return nil, wantDigest, fmt.Errorf("unsupported index version %d", trailer[20])
	}
	indexOffset := int64(binary.BigEndian.Uint64(trailer[:8]))
	copy(wantDigest[:], trailer[8:16])

	if indexOffset < HeaderSize || indexOffset >= st.Size()-TrailerSize {
		return nil, wantDigest, fmt.Errorf("index offset %d outside volume bounds", indexOffset)
	}
	if _, err = f.Seek(indexOffset, 0); err != nil {
		return nil, wantDigest, err
	}
	br := bufio.NewReader(f)
	kind, err := br.ReadByte()
	if err != nil {
		return nil, wantDigest, err
	}
	if kind != KindIndex {
		return nil, wantDigest, fmt.Errorf("trailer points at record kind 0x%02X, not the index", kind)
	}
	bodyLen, err := binary.ReadUvarint(br)
	if err != nil {
		return nil, wantDigest, err
	}
	body = make([]byte, bodyLen)
	if _, err = io.ReadFull(br, body); err != nil {
		return nil, wantDigest, fmt.Errorf("index body truncated: %w", err)
	}
	return body, wantDigest, nil
}
