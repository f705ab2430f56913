package szvolume

import (
	"encoding/binary"
	"fmt"
	"os"
)

// VolumeName returns the filesystem name of a numbered volume. Width grows
// automatically past .999.
func VolumeName(basePath string, split bool, index uint32) string {
	if !split {
		return basePath
	}
	return fmt.Sprintf("%s.%03d", basePath, index)
}

// Writer serializes records into one or more volume files, rolling to the
// next volume whenever the next whole record would overflow SplitSize.
// Callers must not run two Writers against the same archive path at once.
type Writer struct {
	basePath  string
	split     bool
	splitSize int64
	info      ArchiveInfo

	f         *os.File
	volIndex  uint32
	volOffset int64
	scratch   []byte
}

// NewWriter creates the first volume and writes its header and the archive
// preamble.
func NewWriter(basePath string, splitSize int64, info ArchiveInfo) (*Writer, error) {
	w := &Writer{
		basePath:  basePath,
		split:     splitSize > 0,
		splitSize: splitSize,
		info:      info,
	}
	if w.split {
		w.volIndex = 1
	}
	if err := w.openVolume(w.volIndex); err != nil {
		return nil, err
	}

	pre, err := appendPreamble(w.scratch[:0], &w.info)
	if err != nil {
		w.Abort()
		return nil, err
	}
	if err := w.writeAll(pre); err != nil {
		w.Abort()
		return nil, err
	}
	return w, nil
}

// ResumeWriter reopens the in-progress volume of an interrupted run at the
// recorded offset. Bytes past the offset (written after the checkpoint was
// taken) are truncated away, and any later volumes are removed, so the
// on-disk state matches the checkpoint exactly.
func ResumeWriter(basePath string, splitSize int64, info ArchiveInfo, volIndex uint32, volOffset int64) (*Writer, error) {
	w := &Writer{
		basePath:  basePath,
		split:     splitSize > 0,
		splitSize: splitSize,
		info:      info,
		volIndex:  volIndex,
		volOffset: volOffset,
	}

	path := VolumeName(basePath, w.split, volIndex)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}

	hdr := make([]byte, HeaderSize)
	if _, err := f.ReadAt(hdr, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("reading in-progress volume header: %w", err)
	}
	gotIndex, gotID, err := parseHeader(hdr)
	if err != nil {
		f.Close()
		return nil, err
	}
	if gotIndex != volIndex || gotID != info.ArchiveID {
		f.Close()
		return nil, fmt.Errorf("volume %s does not belong to the checkpointed run", path)
	}

	if err := f.Truncate(volOffset); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.Seek(volOffset, 0); err != nil {
		f.Close()
		return nil, err
	}
	w.f = f

	// drop volumes the interrupted run opened after the checkpoint
	if w.split {
		for later := volIndex + 1; ; later++ {
			p := VolumeName(basePath, true, later)
			if rmErr := os.Remove(p); rmErr != nil {
				if os.IsNotExist(rmErr) {
					break
				}
				f.Close()
				return nil, rmErr
			}
		}
	}
	return w, nil
}

func (w *Writer) openVolume(index uint32) error {
	if w.f != nil {
		if err := w.f.Close(); err != nil {
			return err
		}
		w.f = nil
	}
	f, err := os.Create(VolumeName(w.basePath, w.split, index))
	if err != nil {
		return err
	}
	w.f = f
	w.volIndex = index
	w.volOffset = 0
	// w.scratch may still hold the record that triggered the roll, so the
	// header gets its own buffer
	hdr := appendHeader(make([]byte, 0, HeaderSize), index, w.info.ArchiveID)
	return w.writeAll(hdr)
}

func (w *Writer) writeAll(b []byte) error {
	n, err := w.f.Write(b)
	w.volOffset += int64(n)
	return err
}

// Position reports where the next record will land.
func (w *Writer) Position() (volIndex uint32, offset int64) {
	return w.volIndex, w.volOffset
}

// WriteChunkRecord writes one chunk record as an indivisible unit and
// returns its location. payload length must equal fr.PackedLen.
func (w *Writer) WriteChunkRecord(fr *ChunkFrame, payload []byte) (ChunkLocation, error) {
	if uint64(len(payload)) != fr.PackedLen {
		return ChunkLocation{}, fmt.Errorf("chunk %d payload is %d bytes, frame declares %d",
			fr.Index, len(payload), fr.PackedLen)
	}
	if err := sanityCheckChunkFrame(fr, w.info.ChunkSize); err != nil {
		return ChunkLocation{}, err
	}

	w.scratch = appendChunkFrame(w.scratch[:0], fr)
	recordLen := int64(len(w.scratch)) + int64(len(payload))

	if w.split && w.volOffset+recordLen > w.splitSize && w.volOffset > HeaderSize {
		if err := w.openVolume(w.volIndex + 1); err != nil {
			return ChunkLocation{}, err
		}
	}

	loc := ChunkLocation{Volume: w.volIndex, Offset: uint64(w.volOffset)}
	if err := w.writeAll(w.scratch); err != nil {
		return ChunkLocation{}, err
	}
	if err := w.writeAll(payload); err != nil {
		return ChunkLocation{}, err
	}
	return loc, nil
}

// FinishWithIndex appends the index record and trailer to the current
// volume, syncs and closes it. The index intentionally ignores SplitSize:
// it must live in the last volume, even oversized.
func (w *Writer) FinishWithIndex(indexBody []byte, bodyDigest [8]byte) error {
	w.scratch = append(w.scratch[:0], KindIndex)
	w.scratch = binary.AppendUvarint(w.scratch, uint64(len(indexBody)))

	indexOffset := uint64(w.volOffset)
	if err := w.writeAll(w.scratch); err != nil {
		return err
	}
	if err := w.writeAll(indexBody); err != nil {
		return err
	}

	trailer := make([]byte, 0, TrailerSize)
	trailer = binary.BigEndian.AppendUint64(trailer, indexOffset)
	trailer = append(trailer, bodyDigest[:]...)
	trailer = append(trailer, TrailerMagic[:]...)
	trailer = append(trailer, FormatVersion, 0, 0, 0)
	if err := w.writeAll(trailer); err != nil {
		return err
	}

	if err := w.f.Sync(); err != nil {
		return err
	}
	err := w.f.Close()
	w.f = nil
	return err
}

// Sync flushes the current volume to stable storage. Called before each
// checkpoint so the checkpointed offset never points past durable data.
func (w *Writer) Sync() error {
	return w.f.Sync()
}

// Abort closes the current volume without finalizing; volume files are left
// behind for a later resume.
func (w *Writer) Abort() {
	if w.f != nil {
		w.f.Close()
		w.f = nil
	}
}

// RemoveVolumes deletes every volume file of an abandoned archive.
func RemoveVolumes(basePath string, split bool) {
	if !split {
		os.Remove(basePath)
		return
	}
	for i := uint32(1); ; i++ {
		if err := os.Remove(VolumeName(basePath, true, i)); err != nil {
			return
		}
	}
}
