package szcodec

import (
	"fmt"

	"github.com/tmreyno/szarc/internal/constants"
)

// Wire identifiers persisted in the archive preamble. Append-only: reusing
// or renumbering an id breaks every archive already written with it.
const (
	IDStore byte = iota
	IDLZMA
	IDZstd
	IDLZ4
)

var idToName = map[byte]string{
	IDStore: "store",
	IDLZMA:  "lzma",
	IDZstd:  "zstd",
	IDLZ4:   "lz4",
}

var nameToID = map[string]byte{
	"store": IDStore,
	"lzma":  IDLZMA,
	"zstd":  IDZstd,
	"lz4":   IDLZ4,
}

func NameOf(id byte) (string, error) {
	if n, ok := idToName[id]; ok {
		return n, nil
	}
	return "", fmt.Errorf("unknown codec id %d", id)
}

func IDOf(name string) (byte, error) {
	if id, ok := nameToID[name]; ok {
		return id, nil
	}
	return 0, fmt.Errorf("unknown codec '%s'", name)
}

// Codec transforms whole chunks. Pack and Unpack must both be safe for
// concurrent use: a single instance is shared by every pipeline worker.
//
// Pack compresses src into dst (reusing dst's backing array when it fits)
// and returns the packed bytes. A codec may return output exactly rawLen
// long only when that output IS the raw bytes: packedLen == rawLen is the
// wire-level marker for an uncompressed chunk.
//
// Unpack reverses Pack. rawLen is the exact expected output length, known
// from the chunk record header; a mismatch is a corruption signal.
type Codec interface {
	Pack(dst, src []byte) ([]byte, error)
	Unpack(dst, src []byte, rawLen int) ([]byte, error)
}

// Initializer builds a codec for a given effort level (0 = store .. 9 =
// ultra) and dictionary capacity in bytes (0 = codec default).
type Initializer func(level int, dictCap int) (Codec, error)

// EffortDictCap scales the dictionary with the requested effort when the
// caller did not pin one explicitly.
func EffortDictCap(level int, dictCap int) int {
	if dictCap > 0 {
		return dictCap
	}
	switch {
	case level <= 1:
		return 1 << 20
	case level <= 3:
		return 4 << 20
	case level <= 5:
		return constants.DefaultDictSize
	case level <= 7:
		return 64 << 20
	default:
		return 128 << 20
	}
}
