package lz4

import (
	"fmt"
	"sync"

	plz4 "github.com/pierrec/lz4/v4"

	"github.com/tmreyno/szarc/internal/codec"
)

type lz4Codec struct {
	hc    bool
	level plz4.CompressionLevel

	fast sync.Pool // *plz4.Compressor
}

// NewCodec returns an lz4 block codec: the fast path for archives where
// throughput matters more than ratio. Chunks the block coder cannot shrink
// are stored raw (packed == raw marks the fallback on the wire).
func NewCodec(level int, dictCap int) (szcodec.Codec, error) {
	c := &lz4Codec{}
	c.fast.New = func() interface{} { return new(plz4.Compressor) }
	if level > 3 {
		c.hc = true
		switch {
		case level <= 5:
			c.level = plz4.Level4
		case level <= 7:
			c.level = plz4.Level6
		default:
			c.level = plz4.Level9
		}
	}
	return c, nil
}

func (c *lz4Codec) Pack(dst, src []byte) ([]byte, error) {
	bound := plz4.CompressBlockBound(len(src))
	if cap(dst) < bound {
		dst = make([]byte, bound)
	}
	dst = dst[:bound]

	var n int
	var err error
	if c.hc {
		hc := plz4.CompressorHC{Level: c.level}
		n, err = hc.CompressBlock(src, dst)
	} else {
		comp := c.fast.Get().(*plz4.Compressor)
		n, err = comp.CompressBlock(src, dst)
		c.fast.Put(comp)
	}
	if err != nil {
		return nil, err
	}
	if n == 0 || n >= len(src) {
		// incompressible: store raw
		return append(dst[:0], src...), nil
	}
	return dst[:n], nil
}

func (c *lz4Codec) Unpack(dst, src []byte, rawLen int) ([]byte, error) {
	if len(src) == rawLen {
		// raw fallback: CompressBlock never emits output at full length
		return append(dst[:0], src...), nil
	}
	if cap(dst) < rawLen {
		dst = make([]byte, rawLen)
	}
	dst = dst[:rawLen]
	n, err := plz4.UncompressBlock(src, dst)
	if err != nil {
		return nil, err
	}
	if n != rawLen {
		return nil, fmt.Errorf("lz4 chunk decoded to %d bytes, expected %d", n, rawLen)
	}
	return dst, nil
}
