// Package szarc is a streaming archive engine: it compresses, optionally
// encrypts and splits arbitrarily large input sets into a chunked container
// format while holding a bounded amount of memory, and can checkpoint a run
// so an interrupted archive resumes where it stopped instead of starting
// over.
//
// Create, Resume, Extract, List and Test are the five operations. All
// heavy work streams through fixed-size chunks: input files are read
// through a ring buffer, compressed by a bounded worker pool, sealed when a
// password is set, and written by a single writer goroutine that rolls
// volume files and records resume state as it goes.
package szarc

import (
	"time"

	"github.com/tmreyno/szarc/internal/codec"
	"github.com/tmreyno/szarc/internal/codec/lz4"
	"github.com/tmreyno/szarc/internal/codec/lzma"
	"github.com/tmreyno/szarc/internal/codec/store"
	"github.com/tmreyno/szarc/internal/codec/zstd"
)

// availableCodecs maps preamble codec names to their initializers. The
// engine never constructs a codec any other way, so adding an algorithm is
// one import plus one row here (and a wire id in internal/codec).
var availableCodecs = map[string]szcodec.Initializer{
	"store": store.NewCodec,
	"lzma":  lzma.NewCodec,
	"zstd":  zstd.NewCodec,
	"lz4":   lz4.NewCodec,
}

// ArchiveEntry is the public view of one archive member, as reported by
// List and the extraction index.
type ArchiveEntry struct {
	Name        string
	Size        int64
	PackedSize  int64
	ModTime     time.Time
	Attributes  uint32
	IsDirectory bool
}

// Engine is a configured archiver. It holds no run state: one Engine may
// serve any number of sequential Create/Resume calls, though two runs must
// never target the same archive path at once.
type Engine struct {
	cfg StreamConfig
}

// New validates cfg, fills defaults and returns a ready Engine.
// Validation problems come back as a single UnsupportedConfig error
// listing every offending field.
func New(cfg StreamConfig) (*Engine, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg}, nil
}

// buildCodec resolves the effective codec for a level. LevelStore always
// means stored chunks, whatever the configured algorithm.
func buildCodec(name string, level Level, dictSize int) (byte, szcodec.Codec, int, error) {
	if level == LevelStore {
		name = "store"
	}
	id, err := szcodec.IDOf(name)
	if err != nil {
		return 0, nil, 0, errKind(KindUnsupportedConfig, "", err)
	}
	dictCap := szcodec.EffortDictCap(int(level), dictSize)
	c, err := availableCodecs[name](int(level), dictCap)
	if err != nil {
		return 0, nil, 0, errKind(KindUnsupportedConfig, "", err)
	}
	return id, c, dictCap, nil
}
