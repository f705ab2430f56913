package constants

import (
	"os"
	"strconv"
)

const (
	// DefaultChunkSize is the granularity of the streaming pipeline: one
	// chunk is read, compressed, encrypted and written as an atomic unit.
	DefaultChunkSize = 64 * 1024 * 1024

	// MinChunkSize guards against configurations where record framing
	// overhead would dominate the output.
	MinChunkSize = 64 * 1024

	// MaxChunkSize bounds the largest single allocation the pipeline may
	// make per in-flight buffer.
	MaxChunkSize = 1024 * 1024 * 1024

	DefaultDictSize = 32 * 1024 * 1024

	// DefaultRingBufferSize is the size of the quantized ring buffer
	// fronting all file reads.
	DefaultRingBufferSize = 16 * 1024 * 1024

	RingSectorSize = 64 * 1024

	// MaxSegmentsPerChunk caps how many entries one solid chunk may span.
	// Configuration validation sizes the split budget for a frame of this
	// many segments, so the cap is what keeps every whole chunk record
	// inside a single volume.
	MaxSegmentsPerChunk = 64
)

// KDFIterations is a portability constant: archives written with one value
// cannot be opened by an engine using another. 262144 matches the 7-Zip
// password derivation cost.
const KDFIterations = 262144

type Incomparabe [0]func()

var LongTests bool
var VeryLongTests bool

func init() {
	VeryLongTests = isTruthy("TEST_SZARC_VERY_LONG")
	LongTests = VeryLongTests || isTruthy("TEST_SZARC_LONG")
}

func isTruthy(varname string) bool {
	envStr := os.Getenv(varname)
	if envStr != "" {
		if num, err := strconv.ParseUint(envStr, 10, 64); err != nil || num != 0 {
			return true
		}
	}
	return false
}

var PerformSanityChecks = true
