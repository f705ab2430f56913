package lzma

import (
	"bytes"
	"fmt"
	"io"

	xzlzma "github.com/ulikunitz/xz/lzma"

	"github.com/tmreyno/szarc/internal/codec"
)

type lzmaCodec struct {
	dictCap int
}

// NewCodec returns an LZMA2 chunk codec. Each chunk is an independent
// LZMA2 stream, so any chunk can be decoded without its predecessors.
func NewCodec(level int, dictCap int) (szcodec.Codec, error) {
	c := &lzmaCodec{dictCap: szcodec.EffortDictCap(level, dictCap)}
	// fail configuration errors at setup, not first chunk
	wc := xzlzma.Writer2Config{DictCap: c.dictCap}
	if err := wc.Verify(); err != nil {
		return nil, fmt.Errorf("lzma2 configuration rejected: %w", err)
	}
	return c, nil
}

func (c *lzmaCodec) Pack(dst, src []byte) ([]byte, error) {
	buf := bytes.NewBuffer(dst[:0])
	w, err := xzlzma.Writer2Config{DictCap: c.dictCap}.NewWriter2(buf)
	if err != nil {
		return nil, err
	}
	if _, err = w.Write(src); err != nil {
		return nil, err
	}
	if err = w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *lzmaCodec) Unpack(dst, src []byte, rawLen int) ([]byte, error) {
	r, err := xzlzma.Reader2Config{DictCap: c.dictCap}.NewReader2(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	if cap(dst) < rawLen {
		dst = make([]byte, rawLen)
	}
	dst = dst[:rawLen]
	if _, err = io.ReadFull(r, dst); err != nil {
		return nil, fmt.Errorf("lzma2 chunk truncated: %w", err)
	}
	// the stream must end exactly at rawLen
	var one [1]byte
	if n, _ := r.Read(one[:]); n != 0 {
		return nil, fmt.Errorf("lzma2 chunk longer than declared %d bytes", rawLen)
	}
	return dst, nil
}
