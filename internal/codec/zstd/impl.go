package zstd

import (
	"fmt"

	kzstd "github.com/klauspost/compress/zstd"

	"github.com/tmreyno/szarc/internal/codec"
)

type zstdCodec struct {
	enc *kzstd.Encoder
	dec *kzstd.Decoder
}

// NewCodec returns a zstd chunk codec. EncodeAll/DecodeAll are safe for
// concurrent use, so one encoder/decoder pair serves all pipeline workers;
// per-chunk parallelism comes from the worker pool, not the codec.
func NewCodec(level int, dictCap int) (szcodec.Codec, error) {
	enc, err := kzstd.NewWriter(nil,
		kzstd.WithEncoderLevel(effortToZstd(level)),
		kzstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, fmt.Errorf("zstd encoder setup: %w", err)
	}
	dec, err := kzstd.NewReader(nil, kzstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("zstd decoder setup: %w", err)
	}
	return &zstdCodec{enc: enc, dec: dec}, nil
}

func effortToZstd(level int) kzstd.EncoderLevel {
	switch {
	case level <= 1:
		return kzstd.SpeedFastest
	case level <= 5:
		return kzstd.SpeedDefault
	case level <= 7:
		return kzstd.SpeedBetterCompression
	default:
		return kzstd.SpeedBestCompression
	}
}

func (c *zstdCodec) Pack(dst, src []byte) ([]byte, error) {
	return c.enc.EncodeAll(src, dst[:0]), nil
}

func (c *zstdCodec) Unpack(dst, src []byte, rawLen int) ([]byte, error) {
	out, err := c.dec.DecodeAll(src, dst[:0])
	if err != nil {
		return nil, err
	}
	if len(out) != rawLen {
		return nil, fmt.Errorf("zstd chunk decoded to %d bytes, expected %d", len(out), rawLen)
	}
	return out, nil
}
