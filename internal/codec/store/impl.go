package store

import (
	"fmt"

	"github.com/tmreyno/szarc/internal/codec"
)

type storeCodec struct{}

// NewCodec returns the pass-through codec: no transform, packed == raw.
// Used for incompressible inputs (disk images, media) to save CPU.
func NewCodec(level int, dictCap int) (szcodec.Codec, error) {
	return storeCodec{}, nil
}

func (storeCodec) Pack(dst, src []byte) ([]byte, error) {
	return append(dst[:0], src...), nil
}

func (storeCodec) Unpack(dst, src []byte, rawLen int) ([]byte, error) {
	if len(src) != rawLen {
		return nil, fmt.Errorf("stored chunk length %d does not match expected %d", len(src), rawLen)
	}
	return append(dst[:0], src...), nil
}
