package szchunker

import (
	"fmt"
	"io"
	"os"

	"github.com/ipfs/go-qringbuf"
	sha256 "github.com/minio/sha256-simd"

	"github.com/tmreyno/szarc/internal/constants"
	"github.com/tmreyno/szarc/internal/scan"
	"github.com/tmreyno/szarc/internal/volume"
)

// Chunk is one assembled unit of raw input, ready for the compression
// workers. Data is a pooled buffer: ownership passes to the emit callback,
// which must Put it back once written out.
type Chunk struct {
	Index    uint64
	Data     []byte
	Segments []szvolume.Segment

	// cursor of the first unread input byte after this chunk; persisted by
	// the checkpoint manager so an interrupted run can restart here
	NextEntry       int
	NextEntryOffset int64
}

// Pool hands out chunk buffers and enforces the pipeline's memory bound:
// only its capacity worth of chunks can ever be in flight, so acquiring
// blocks until the writer recycles one.
type Pool struct {
	c    chan []byte
	size int
}

func NewPool(n, size int) *Pool {
	p := &Pool{c: make(chan []byte, n), size: size}
	for i := 0; i < n; i++ {
		p.c <- nil // allocated lazily on first Get
	}
	return p
}

func (p *Pool) Get() []byte {
	b := <-p.c
	if b == nil {
		b = make([]byte, 0, p.size)
	}
	return b
}

func (p *Pool) Put(b []byte) {
	p.c <- b[:0]
}

type Config struct {
	ChunkSize      int
	Solid          bool
	RingBufferSize int
}

// EmitFunc receives completed chunks in input order. Returning an error
// aborts the run; the assembler checks nothing mid-chunk, so cancellation
// belongs in the callback.
type EmitFunc func(*Chunk) error

// EntryDoneFunc reports the full-content digest of each file entry the
// moment its last byte has been read.
type EntryDoneFunc func(entryIndex int, digest [32]byte)

// Assembler turns the enumerated entry sequence into a stream of chunks.
// All file reads go through one quantized ring buffer; bytes are copied out
// into pooled chunk buffers, so resident memory stays at ring + in-flight
// chunks regardless of input size. In solid mode a chunk may span entries;
// otherwise the pending chunk is flushed at every entry boundary.
type Assembler struct {
	entries []szscan.Entry
	cfg     Config
	pool    *Pool

	src *switchReader
	qrb *qringbuf.QuantizedRingBuffer

	nextChunkIndex uint64
	cur            *Chunk
	emit           EmitFunc
	entryDone      EntryDoneFunc
}

func NewAssembler(entries []szscan.Entry, cfg Config, pool *Pool) (*Assembler, error) {
	if cfg.ChunkSize < 1 || cfg.ChunkSize > constants.MaxChunkSize {
		return nil, fmt.Errorf("chunk size %d outside [1, %d]", cfg.ChunkSize, constants.MaxChunkSize)
	}
	if cfg.RingBufferSize == 0 {
		cfg.RingBufferSize = constants.DefaultRingBufferSize
	}
	minRegion := 4 * constants.RingSectorSize
	if cfg.RingBufferSize < 4*minRegion {
		cfg.RingBufferSize = 4 * minRegion
	}

	a := &Assembler{
		entries: entries,
		cfg:     cfg,
		pool:    pool,
		src:     &switchReader{},
	}

	var err error
	a.qrb, err = qringbuf.NewFromReader(a.src, qringbuf.Config{
		MinRegion:  minRegion,
		MinRead:    constants.RingSectorSize,
		MaxCopy:    minRegion,
		BufferSize: cfg.RingBufferSize,
		SectorSize: constants.RingSectorSize,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// switchReader lets one ring buffer serve a sequence of files: the
// assembler swaps the active file between StartFill calls.
type switchReader struct {
	cur io.Reader
}

func (s *switchReader) Read(p []byte) (int, error) {
	if s.cur == nil {
		return 0, io.EOF
	}
	return s.cur.Read(p)
}

// Run streams entries[startEntry:] beginning at startOffset within the
// start entry (both zero for a fresh archive), emitting chunks numbered
// from firstChunkIndex. When resuming mid-entry the already-archived prefix
// is re-read once, hash-only, to restore the entry's digest state.
func (a *Assembler) Run(
	startEntry int, startOffset int64, firstChunkIndex uint64,
	emit EmitFunc, entryDone EntryDoneFunc,
) error {

	a.nextChunkIndex = firstChunkIndex
	a.emit = emit
	a.entryDone = entryDone
	a.cur = nil

	for idx := startEntry; idx < len(a.entries); idx++ {
		offset := int64(0)
		if idx == startEntry {
			offset = startOffset
		}
		if err := a.streamEntry(idx, offset); err != nil {
			return err
		}
	}

	return a.flushPending(len(a.entries), 0)
}

func (a *Assembler) streamEntry(idx int, offset int64) error {
	e := &a.entries[idx]
	if e.IsDir {
		return nil
	}

	hash := sha256.New()

	if e.Size > 0 || offset > 0 {
		f, err := os.Open(e.FullPath)
		if err != nil {
			return fmt.Errorf("opening %s: %w", e.FullPath, err)
		}
		defer f.Close()
		readAheadHint(f)

		if offset > 0 {
			// resume: restore digest state over the prefix that previous
			// runs already wrote out
			if _, err := io.CopyN(hash, f, offset); err != nil {
				return fmt.Errorf("re-reading %s to offset %d: %w", e.FullPath, offset, err)
			}
		}

		if remaining := e.Size - offset; remaining > 0 {
			if err := a.fillFrom(f, idx, offset, remaining, hash); err != nil {
				return err
			}
		}
	}

	var digest [32]byte
	hash.Sum(digest[:0])
	a.entryDone(idx, digest)

	if !a.cfg.Solid {
		return a.flushPending(idx+1, 0)
	}
	return nil
}

func (a *Assembler) fillFrom(f *os.File, idx int, offset, remaining int64, hash io.Writer) error {
	a.src.cur = f
	if err := a.qrb.StartFill(remaining); err != nil {
		return err
	}

	consumed := int64(0)
	for {
		region, readErr := a.qrb.NextRegion(0)
		if region == nil || (readErr != nil && readErr != io.EOF) {
			if readErr == io.EOF {
				break
			}
			if readErr == io.ErrUnexpectedEOF {
				return fmt.Errorf("%s shrank while being archived (short by %d bytes)",
					a.entries[idx].FullPath, remaining-consumed)
			}
			return fmt.Errorf("reading %s: %w", a.entries[idx].FullPath, readErr)
		}

		buf := region.Bytes()
		hash.Write(buf)
		if err := a.appendBytes(idx, offset+consumed, buf); err != nil {
			return err
		}
		consumed += int64(len(buf))
		// a nil region on the next NextRegion call signals stream end;
		// readErr == io.EOF alongside a live region still carries data
	}

	if consumed != remaining {
		return fmt.Errorf("%s yielded %d of %d expected bytes", a.entries[idx].FullPath, consumed, remaining)
	}
	return nil
}

// appendBytes copies region bytes into the pending chunk, emitting chunks
// as they fill.
func (a *Assembler) appendBytes(entryIdx int, entryOffset int64, buf []byte) error {
	for len(buf) > 0 {
		// a chunk at the segment cap closes as soon as the next bytes would
		// open another segment, keeping every frame within the record size
		// the volume writer was budgeted for
		if a.cur != nil && len(a.cur.Segments) >= constants.MaxSegmentsPerChunk &&
			!a.continuesLastSegment(entryIdx, entryOffset) {
			if err := a.flushPending(entryIdx, entryOffset); err != nil {
				return err
			}
		}
		if a.cur == nil {
			a.cur = &Chunk{Index: a.nextChunkIndex, Data: a.pool.Get()}
			a.nextChunkIndex++
		}

		room := a.cfg.ChunkSize - len(a.cur.Data)
		take := len(buf)
		if take > room {
			take = room
		}

		a.cur.Data = append(a.cur.Data, buf[:take]...)
		a.addSegment(entryIdx, entryOffset, take)
		entryOffset += int64(take)
		buf = buf[take:]

		if len(a.cur.Data) == a.cfg.ChunkSize {
			if err := a.flushPending(entryIdx, entryOffset); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *Assembler) continuesLastSegment(entryIdx int, entryOffset int64) bool {
	segs := a.cur.Segments
	n := len(segs)
	if n == 0 {
		return true
	}
	last := &segs[n-1]
	return last.EntryIndex == uint64(entryIdx) && last.EntryOffset+last.Length == uint64(entryOffset)
}

func (a *Assembler) addSegment(entryIdx int, entryOffset int64, length int) {
	segs := a.cur.Segments
	if n := len(segs); n > 0 {
		last := &segs[n-1]
		if last.EntryIndex == uint64(entryIdx) && last.EntryOffset+last.Length == uint64(entryOffset) {
			last.Length += uint64(length)
			return
		}
	}
	a.cur.Segments = append(a.cur.Segments, szvolume.Segment{
		EntryIndex:  uint64(entryIdx),
		EntryOffset: uint64(entryOffset),
		Length:      uint64(length),
	})
}

func (a *Assembler) flushPending(nextEntry int, nextEntryOffset int64) error {
	if a.cur == nil {
		return nil
	}
	c := a.cur
	a.cur = nil
	c.NextEntry = nextEntry
	c.NextEntryOffset = nextEntryOffset
	return a.emit(c)
}
