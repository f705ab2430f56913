// Package szcheckpoint persists the mid-run state of an archive creation so
// an interrupted run can be resumed without recompressing finished chunks.
// The state file lives next to the archive (or in a configured temp
// directory) and is replaced atomically after every flush interval.
package szcheckpoint

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/multiformats/go-base36"

	"github.com/tmreyno/szarc/internal/volume"
)

const (
	stateVersion = 1
	// Suffix appended to the archive base path for the default state file
	// location.
	Suffix = ".checkpoint"
)

var stateMagic = [4]byte{'S', 'Z', 'C', 'P'}

// Cursor is the exact restart position: the first input byte not yet
// represented by a durable chunk record, plus where in the volume sequence
// the next record goes.
type Cursor struct {
	NextEntry       uint64
	NextEntryOffset uint64
	NextChunkIndex  uint64
	VolumeIndex     uint32
	VolumeOffset    uint64
	RawBytesDone    uint64
}

// EntryState carries one enumerated entry's identity plus its progress.
// The full enumeration is persisted so a resumed run never re-walks the
// inputs: re-walking could see a different tree and silently splice it
// into the half-written archive. Digest and PackedSize are only meaningful
// once Done; a resumed run re-derives the in-progress entry's digest by
// re-reading its already-archived prefix.
type EntryState struct {
	Name       string
	FullPath   string
	Size       int64
	ModTime    int64
	Attributes uint32
	IsDir      bool

	Done       bool
	Digest     [32]byte
	PackedSize uint64
}

// State is everything a resumed run needs. Fingerprint binds the state
// file to one exact configuration and input set; resuming with anything
// else must fail rather than splice mismatched streams together.
type State struct {
	Fingerprint [16]byte
	ArchiveID   [16]byte
	Level       byte
	Cursor      Cursor
	Entries     []EntryState
	Chunks      []szvolume.ChunkLocation
}

// DefaultPath places the state file next to the archive. A non-empty
// tempDir overrides the directory while keeping the archive's base name.
func DefaultPath(archivePath, tempDir string) string {
	if tempDir == "" {
		return archivePath + Suffix
	}
	return filepath.Join(tempDir, filepath.Base(archivePath)+Suffix)
}

func (s *State) marshal() []byte {
	buf := make([]byte, 0, 128+40*len(s.Entries)+16*len(s.Chunks))
	buf = append(buf, stateMagic[:]...)
	buf = append(buf, stateVersion)
	buf = append(buf, s.Fingerprint[:]...)
	buf = append(buf, s.ArchiveID[:]...)
	buf = append(buf, s.Level)

	buf = binary.AppendUvarint(buf, s.Cursor.NextEntry)
	buf = binary.AppendUvarint(buf, s.Cursor.NextEntryOffset)
	buf = binary.AppendUvarint(buf, s.Cursor.NextChunkIndex)
	buf = binary.AppendUvarint(buf, uint64(s.Cursor.VolumeIndex))
	buf = binary.AppendUvarint(buf, s.Cursor.VolumeOffset)
	buf = binary.AppendUvarint(buf, s.Cursor.RawBytesDone)

	buf = binary.AppendUvarint(buf, uint64(len(s.Entries)))
	for i := range s.Entries {
		e := &s.Entries[i]
		buf = binary.AppendUvarint(buf, uint64(len(e.Name)))
		buf = append(buf, e.Name...)
		buf = binary.AppendUvarint(buf, uint64(len(e.FullPath)))
		buf = append(buf, e.FullPath...)
		buf = binary.AppendUvarint(buf, uint64(e.Size))
		buf = binary.AppendUvarint(buf, uint64(e.ModTime))
		buf = binary.AppendUvarint(buf, uint64(e.Attributes))

		var flags byte
		if e.IsDir {
			flags |= 1
		}
		if e.Done {
			flags |= 2
		}
		buf = append(buf, flags)
		if e.Done {
			buf = append(buf, e.Digest[:]...)
		}
		buf = binary.AppendUvarint(buf, e.PackedSize)
	}

	buf = binary.AppendUvarint(buf, uint64(len(s.Chunks)))
	for i := range s.Chunks {
		buf = binary.AppendUvarint(buf, uint64(s.Chunks[i].Volume))
		buf = binary.AppendUvarint(buf, s.Chunks[i].Offset)
	}

	sum := szvolume.Digest8(buf)
	return append(buf, sum[:]...)
}

// Save writes the state atomically: a uniquely named temp file in the same
// directory is synced, then renamed over path. A crash mid-save leaves
// either the previous state or the new one, never a torn file.
func (s *State) Save(path string) error {
	var token [8]byte
	if _, err := rand.Read(token[:]); err != nil {
		return err
	}
	tmp := filepath.Join(
		filepath.Dir(path),
		".szarc-state-"+base36.EncodeToStringLc(token[:]),
	)

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("creating checkpoint temp file: %w", err)
	}

	body := s.marshal()
	if _, err := f.Write(body); err == nil {
		err = f.Sync()
	}
	if err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publishing checkpoint: %w", err)
	}
	return nil
}

// Load reads and validates a state file written by Save.
func Load(path string) (*State, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(body) < 4+1+16+16+1+8 {
		return nil, fmt.Errorf("checkpoint truncated at %d bytes", len(body))
	}
	payload, sum := body[:len(body)-8], body[len(body)-8:]
	if szvolume.Digest8(payload) != [8]byte(sum) {
		return nil, fmt.Errorf("checkpoint checksum mismatch")
	}
	if [4]byte(payload[:4]) != stateMagic {
		return nil, fmt.Errorf("not a checkpoint file")
	}
	if payload[4] != stateVersion {
		return nil, fmt.Errorf("unsupported checkpoint version %d", payload[4])
	}

	s := &State{}
	copy(s.Fingerprint[:], payload[5:21])
	copy(s.ArchiveID[:], payload[21:37])
	s.Level = payload[37]

	r := payload[38:]
	next := func() (uint64, error) {
		v, n := binary.Uvarint(r)
		if n <= 0 {
			return 0, fmt.Errorf("checkpoint truncated")
		}
		r = r[n:]
		return v, nil
	}
	nextBytes := func(n uint64) ([]byte, error) {
		if n > uint64(len(r)) {
			return nil, fmt.Errorf("checkpoint truncated")
		}
		out := r[:n]
		r = r[n:]
		return out, nil
	}

	var v uint64
	if v, err = next(); err != nil {
		return nil, err
	}
	s.Cursor.NextEntry = v
	if s.Cursor.NextEntryOffset, err = next(); err != nil {
		return nil, err
	}
	if s.Cursor.NextChunkIndex, err = next(); err != nil {
		return nil, err
	}
	if v, err = next(); err != nil {
		return nil, err
	}
	s.Cursor.VolumeIndex = uint32(v)
	if s.Cursor.VolumeOffset, err = next(); err != nil {
		return nil, err
	}
	if s.Cursor.RawBytesDone, err = next(); err != nil {
		return nil, err
	}

	entryCount, err := next()
	if err != nil {
		return nil, err
	}
	if entryCount > uint64(len(payload)) {
		return nil, fmt.Errorf("checkpoint declares %d entries in a %d byte file", entryCount, len(payload))
	}
	s.Entries = make([]EntryState, entryCount)
	for i := range s.Entries {
		e := &s.Entries[i]

		if v, err = next(); err != nil {
			return nil, err
		}
		name, err := nextBytes(v)
		if err != nil {
			return nil, err
		}
		e.Name = string(name)

		if v, err = next(); err != nil {
			return nil, err
		}
		fullPath, err := nextBytes(v)
		if err != nil {
			return nil, err
		}
		e.FullPath = string(fullPath)

		if v, err = next(); err != nil {
			return nil, err
		}
		e.Size = int64(v)
		if v, err = next(); err != nil {
			return nil, err
		}
		e.ModTime = int64(v)
		if v, err = next(); err != nil {
			return nil, err
		}
		e.Attributes = uint32(v)

		flagByte, err := nextBytes(1)
		if err != nil {
			return nil, err
		}
		e.IsDir = flagByte[0]&1 != 0
		e.Done = flagByte[0]&2 != 0
		if e.Done {
			dig, err := nextBytes(32)
			if err != nil {
				return nil, err
			}
			copy(e.Digest[:], dig)
		}
		if e.PackedSize, err = next(); err != nil {
			return nil, err
		}
	}

	chunkCount, err := next()
	if err != nil {
		return nil, err
	}
	if chunkCount > uint64(len(payload)) {
		return nil, fmt.Errorf("checkpoint declares %d chunks in a %d byte file", chunkCount, len(payload))
	}
	s.Chunks = make([]szvolume.ChunkLocation, chunkCount)
	for i := range s.Chunks {
		if v, err = next(); err != nil {
			return nil, err
		}
		s.Chunks[i].Volume = uint32(v)
		if s.Chunks[i].Offset, err = next(); err != nil {
			return nil, err
		}
	}
	if len(r) != 0 {
		return nil, fmt.Errorf("%d trailing bytes in checkpoint", len(r))
	}
	return s, nil
}
