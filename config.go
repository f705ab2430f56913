package szarc

import (
	"encoding/binary"
	"fmt"
	"runtime"

	"github.com/klauspost/cpuid/v2"
	sha256 "github.com/minio/sha256-simd"
	"github.com/twmb/murmur3"

	"github.com/tmreyno/szarc/internal/checkpoint"
	"github.com/tmreyno/szarc/internal/codec"
	"github.com/tmreyno/szarc/internal/constants"
	"github.com/tmreyno/szarc/internal/crypt"
	"github.com/tmreyno/szarc/internal/volume"
)

// Level selects the compression effort. The values are wire-visible (the
// preamble stores them) and deliberately sparse so intermediate efforts can
// be added later.
type Level int

const (
	LevelStore   Level = 0
	LevelFastest Level = 1
	LevelFast    Level = 3
	LevelNormal  Level = 5
	LevelMaximum Level = 7
	LevelUltra   Level = 9
)

// StreamConfig shapes one engine instance. The zero value is usable: it
// means lzma, auto thread count, 64 MiB chunks, single volume, no
// encryption, a checkpoint after every chunk.
type StreamConfig struct {
	// Threads is the number of concurrent compression workers. 0 picks a
	// count from the machine's logical cores, capped so the pipeline's
	// pooled buffers stay inside the memory budget.
	Threads int

	// DictSize pins the codec dictionary in bytes; 0 scales it with the
	// level.
	DictSize int

	// Solid lets a chunk span consecutive entries. Off, every entry starts
	// a fresh chunk, which extracts faster but compresses small files
	// worse.
	Solid bool

	// Password enables AES-256 encryption of chunk payloads and the index
	// when non-empty.
	Password string

	// SplitSize caps each volume file in bytes; 0 writes a single volume.
	// Must leave room for one whole chunk record: chunk records are never
	// torn across volumes.
	SplitSize int64

	// ChunkSize is the raw bytes per pipeline chunk. Clamped to
	// [64 KiB, 1 GiB].
	ChunkSize int

	// CheckpointEvery is the number of durable chunk records between
	// checkpoint flushes. Default 1: every chunk is a resume point.
	CheckpointEvery int

	// TempDir overrides where the checkpoint state file lives; empty keeps
	// it next to the archive.
	TempDir string

	// DeleteTempOnError removes the checkpoint and partial volumes when a
	// run fails fatally. Cancelled runs always keep them: cancellation is
	// the resume use case.
	DeleteTempOnError bool

	// Codec names the compression algorithm: "lzma" (default), "zstd",
	// "lz4" or "store". LevelStore forces "store" regardless.
	Codec string

	// RingBufferSize is the chunk reader's ring capacity in bytes; 0 uses
	// the 16 MiB default.
	RingBufferSize int
}

// memoryBudget caps pooled pipeline buffers. Ring + (threads+2) raw chunk
// buffers + (threads+2) packed buffers + codec dictionaries land near the
// engine's documented quarter-gigabyte working set at default settings.
const memoryBudget = 256 << 20

func (cfg *StreamConfig) applyDefaults() {
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = constants.DefaultChunkSize
	}
	if cfg.Codec == "" {
		cfg.Codec = "lzma"
	}
	if cfg.CheckpointEvery == 0 {
		cfg.CheckpointEvery = 1
	}
	if cfg.RingBufferSize == 0 {
		cfg.RingBufferSize = constants.DefaultRingBufferSize
	}
	if cfg.Threads == 0 {
		cores := cpuid.CPU.LogicalCores
		if cores <= 0 {
			cores = runtime.NumCPU()
		}
		maxByBudget := memoryBudget/cfg.ChunkSize - 2
		if maxByBudget < 1 {
			maxByBudget = 1
		}
		cfg.Threads = cores
		if cfg.Threads > maxByBudget {
			cfg.Threads = maxByBudget
		}
	}
}

func (cfg *StreamConfig) validate() error {
	var errs []error

	if cfg.ChunkSize < constants.MinChunkSize || cfg.ChunkSize > constants.MaxChunkSize {
		errs = append(errs, fmt.Errorf("chunk size %d outside [%d, %d]",
			cfg.ChunkSize, constants.MinChunkSize, constants.MaxChunkSize))
	}
	if cfg.Threads < 1 || cfg.Threads > 512 {
		errs = append(errs, fmt.Errorf("thread count %d outside [1, 512]", cfg.Threads))
	}
	if cfg.DictSize < 0 {
		errs = append(errs, fmt.Errorf("negative dictionary size %d", cfg.DictSize))
	}
	if cfg.CheckpointEvery < 1 {
		errs = append(errs, fmt.Errorf("checkpoint interval %d below 1", cfg.CheckpointEvery))
	}
	if _, err := szcodec.IDOf(cfg.Codec); err != nil {
		errs = append(errs, err)
	}

	if cfg.SplitSize != 0 {
		// every whole chunk record must fit a volume; only the index may
		// overflow the last one. A solid chunk carries up to
		// MaxSegmentsPerChunk segments, so the frame budget covers that
		// worst case.
		minSplit := int64(szvolume.HeaderSize) +
			int64(szvolume.MaxChunkRecordOverhead(constants.MaxSegmentsPerChunk)) +
			int64(cfg.ChunkSize) + int64(szcrypt.BlockSize)
		if cfg.SplitSize < minSplit {
			errs = append(errs, fmt.Errorf("split size %d cannot hold one %d byte chunk record (need at least %d)",
				cfg.SplitSize, cfg.ChunkSize, minSplit))
		}
	}

	if len(errs) > 0 {
		return errKind(KindUnsupportedConfig, "", joinErrs(errs))
	}
	return nil
}

func joinErrs(errs []error) error {
	if len(errs) == 1 {
		return errs[0]
	}
	msg := errs[0].Error()
	for _, e := range errs[1:] {
		msg += "; " + e.Error()
	}
	return fmt.Errorf("%s", msg)
}

// fingerprint binds a checkpoint to everything that affects the output
// stream: the resolved configuration, the level, a salted digest of the
// password (never the password itself) and the full enumerated input set.
// Any difference at resume time means the checkpointed chunks and the
// chunks a fresh run would produce could diverge.
func (cfg *StreamConfig) fingerprint(level Level, entries []szcheckpoint.EntryState) [16]byte {
	h := murmur3.New128()

	codecID, _ := szcodec.IDOf(cfg.Codec)
	var fixed [32]byte
	fixed[0] = codecID
	fixed[1] = byte(level)
	if cfg.Solid {
		fixed[2] = 1
	}
	binary.BigEndian.PutUint64(fixed[3:], uint64(cfg.ChunkSize))
	binary.BigEndian.PutUint64(fixed[11:], uint64(cfg.DictSize))
	binary.BigEndian.PutUint64(fixed[19:], uint64(cfg.SplitSize))
	h.Write(fixed[:])

	if cfg.Password != "" {
		pw := sha256.Sum256(append([]byte("szarc.fp.v1\x00"), cfg.Password...))
		h.Write(pw[:])
	}

	var scratch [8]byte
	for i := range entries {
		e := &entries[i]
		h.Write([]byte(e.Name))
		h.Write([]byte{0})
		binary.BigEndian.PutUint64(scratch[:], uint64(e.Size))
		h.Write(scratch[:])
		binary.BigEndian.PutUint64(scratch[:], uint64(e.ModTime))
		h.Write(scratch[:])
		if e.IsDir {
			h.Write([]byte{1})
		} else {
			h.Write([]byte{0})
		}
	}

	var fp [16]byte
	h.Sum(fp[:0])
	return fp
}
