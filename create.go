package szarc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/tmreyno/szarc/internal/checkpoint"
	"github.com/tmreyno/szarc/internal/chunker"
	"github.com/tmreyno/szarc/internal/codec"
	"github.com/tmreyno/szarc/internal/crypt"
	"github.com/tmreyno/szarc/internal/scan"
	"github.com/tmreyno/szarc/internal/volume"
)

// indexIVSentinel is the chunk-index namespace value used to derive the
// index record's IV: real chunk indexes grow from zero, so the all-ones
// value can never collide with one.
const indexIVSentinel = ^uint64(0)

var (
	errRunCancelled  = errors.New("run cancelled")
	errWriterStopped = errors.New("writer already failed")
)

// Create archives inputs (files or directory trees) into archivePath,
// writing a checkpoint as it goes so an interrupted run can be picked up
// by Resume. A cancelled ctx stops the run at the next chunk boundary,
// leaves the partial volumes plus checkpoint in place and returns a
// Cancelled error.
func (e *Engine) Create(ctx context.Context, archivePath string, inputs []string, level Level, sink ProgressSink) error {
	if level != LevelStore && level != LevelFastest && level != LevelFast &&
		level != LevelNormal && level != LevelMaximum && level != LevelUltra {
		return errKindf(KindUnsupportedConfig, "", "unknown compression level %d", level)
	}

	r := &createRun{
		eng:         e,
		level:       level,
		archiveBase: archivePath,
		ckptPath:    szcheckpoint.DefaultPath(archivePath, e.cfg.TempDir),
		meter:       newProgressMeter(sink),
	}

	entries, warnings, err := szscan.Scan(inputs)
	if err != nil {
		return classifyPathErr(firstFailedPath(inputs, err), err)
	}
	for _, w := range warnings {
		r.meter.emit(Progress{Op: "create", Warning: w.String()})
	}

	r.entries = entries
	r.state = &szcheckpoint.State{Level: byte(level)}
	r.state.Entries = make([]szcheckpoint.EntryState, len(entries))
	for i := range entries {
		src := &entries[i]
		r.state.Entries[i] = szcheckpoint.EntryState{
			Name:       src.Name,
			FullPath:   src.FullPath,
			Size:       src.Size,
			ModTime:    src.ModTime,
			Attributes: src.Attributes,
			IsDir:      src.IsDir,
		}
	}
	r.state.Fingerprint = e.cfg.fingerprint(level, r.state.Entries)
	r.state.ArchiveID = [16]byte(uuid.New())

	if r.codecID, r.codec, r.dictCap, err = buildCodec(e.cfg.Codec, level, e.cfg.DictSize); err != nil {
		return err
	}
	if e.cfg.Password != "" {
		if r.keyer, err = szcrypt.NewKeyer(e.cfg.Password); err != nil {
			return errKind(KindResourceExhausted, "", err)
		}
	}

	info := r.archiveInfo()
	if r.vw, err = szvolume.NewWriter(archivePath, e.cfg.SplitSize, info); err != nil {
		return classifyPathErr(archivePath, err)
	}
	volIdx, volOff := r.vw.Position()
	r.state.Cursor.VolumeIndex = volIdx
	r.state.Cursor.VolumeOffset = uint64(volOff)

	return r.execute(ctx)
}

func firstFailedPath(inputs []string, err error) string {
	var pe *os.PathError
	if errors.As(err, &pe) {
		return pe.Path
	}
	if len(inputs) > 0 {
		return inputs[0]
	}
	return ""
}

// createRun is the state of one Create or Resume invocation.
type createRun struct {
	eng   *Engine
	level Level
	meter *progressMeter

	archiveBase string
	ckptPath    string

	entries []szscan.Entry
	state   *szcheckpoint.State

	codecID byte
	codec   szcodec.Codec
	dictCap int
	keyer   *szcrypt.Keyer
	vw      *szvolume.Writer

	rawPool    *szchunker.Pool
	packedPool *szchunker.Pool

	// per-entry digests recorded by the assembler goroutine; every write
	// happens before the emit of any chunk whose cursor passes the entry,
	// so the writer goroutine's reads are ordered by the job/result
	// channel chain
	digests     [][32]byte
	digestKnown []bool

	bytesTotal  int64
	packedTotal int64
	chunksSince int
}

func (r *createRun) archiveInfo() szvolume.ArchiveInfo {
	info := szvolume.ArchiveInfo{
		ArchiveID: r.state.ArchiveID,
		CodecID:   r.codecID,
		Level:     byte(r.level),
		Solid:     r.eng.cfg.Solid,
		ChunkSize: uint64(r.eng.cfg.ChunkSize),
		DictCap:   uint64(r.dictCap),
	}
	if r.keyer != nil {
		info.Encrypted = true
		info.Salt = r.keyer.Salt()
		info.BaseIV = r.keyer.BaseIV()
		info.TestBlock = r.keyer.TestBlock()
	}
	return info
}

// execute streams every remaining chunk, then finalizes the archive. The
// volume writer must already be positioned (fresh or resumed).
func (r *createRun) execute(ctx context.Context) error {
	threads := r.eng.cfg.Threads
	r.rawPool = szchunker.NewPool(threads+2, r.eng.cfg.ChunkSize)
	// packed output can exceed the raw chunk on incompressible input;
	// headroom covers the worst codec expansion plus cipher padding
	r.packedPool = szchunker.NewPool(threads+2, r.eng.cfg.ChunkSize+r.eng.cfg.ChunkSize/8+512)

	r.digests = make([][32]byte, len(r.entries))
	r.digestKnown = make([]bool, len(r.entries))
	for i := range r.entries {
		if !r.entries[i].IsDir {
			r.bytesTotal += r.entries[i].Size
		}
	}

	err := r.stream(ctx)
	switch {
	case err == nil:
		return r.finalize()

	case errors.Is(err, errRunCancelled):
		// persist the stopping point and keep everything on disk
		if syncErr := r.checkpointNow(); syncErr != nil {
			r.vw.Abort()
			return syncErr
		}
		r.vw.Abort()
		return errKind(KindCancelled, r.archiveBase, ctx.Err())

	default:
		r.vw.Abort()
		if r.eng.cfg.DeleteTempOnError {
			os.Remove(r.ckptPath)
			szvolume.RemoveVolumes(r.archiveBase, r.eng.cfg.SplitSize > 0)
		}
		if KindOf(err) != KindUnknown {
			return err
		}
		return classifyPathErr("", err)
	}
}

type packJob struct {
	chunk  *szchunker.Chunk
	result chan packResult
}

type packResult struct {
	frame           szvolume.ChunkFrame
	payload         []byte
	nextEntry       int
	nextEntryOffset int64
	err             error
}

func (r *createRun) stream(ctx context.Context) error {
	cfg := &r.eng.cfg

	asm, err := szchunker.NewAssembler(r.entries, szchunker.Config{
		ChunkSize:      cfg.ChunkSize,
		Solid:          cfg.Solid,
		RingBufferSize: cfg.RingBufferSize,
	}, r.rawPool)
	if err != nil {
		return errKind(KindUnsupportedConfig, "", err)
	}

	jobs := make(chan packJob)
	ordered := make(chan chan packResult, cfg.Threads+2)
	writerDone := make(chan error, 1)
	writerFailed := make(chan struct{})

	var workers sync.WaitGroup
	for i := 0; i < cfg.Threads; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for j := range jobs {
				j.result <- r.packChunk(j.chunk)
			}
		}()
	}

	go func() {
		var firstErr error
		for rc := range ordered {
			res := <-rc
			if firstErr == nil {
				if res.err != nil {
					firstErr = res.err
				} else if err := r.handleResult(&res); err != nil {
					firstErr = err
				}
				if firstErr != nil {
					close(writerFailed)
				}
				continue
			}
			// keep draining so no worker blocks on a full pool
			if res.payload != nil {
				r.packedPool.Put(res.payload)
			}
		}
		writerDone <- firstErr
	}()

	emit := func(c *szchunker.Chunk) error {
		if ctx.Err() != nil {
			r.rawPool.Put(c.Data)
			return errRunCancelled
		}
		select {
		case <-writerFailed:
			r.rawPool.Put(c.Data)
			return errWriterStopped
		default:
		}
		rc := make(chan packResult, 1)
		jobs <- packJob{chunk: c, result: rc}
		ordered <- rc
		return nil
	}

	entryDone := func(idx int, digest [32]byte) {
		r.digests[idx] = digest
		r.digestKnown[idx] = true
	}

	runErr := asm.Run(
		int(r.state.Cursor.NextEntry),
		int64(r.state.Cursor.NextEntryOffset),
		r.state.Cursor.NextChunkIndex,
		emit, entryDone,
	)

	close(jobs)
	workers.Wait()
	close(ordered)
	writerErr := <-writerDone

	switch {
	case writerErr != nil:
		return writerErr
	case errors.Is(runErr, errWriterStopped):
		// unreachable: writerErr carries the cause; kept for safety
		return fmt.Errorf("writer stopped without recording an error")
	default:
		return runErr
	}
}

// packChunk runs on a worker goroutine: digest, compress, seal.
func (r *createRun) packChunk(c *szchunker.Chunk) packResult {
	res := packResult{nextEntry: c.NextEntry, nextEntryOffset: c.NextEntryOffset}
	res.frame.Index = c.Index
	res.frame.Segments = c.Segments
	res.frame.RawLen = uint64(len(c.Data))
	res.frame.RawDigest = szvolume.Digest8(c.Data)

	packed, err := r.codec.Pack(r.packedPool.Get(), c.Data)
	r.rawPool.Put(c.Data)
	if err != nil {
		r.packedPool.Put(packed)
		res.err = errKindf(KindIO, "", "compressing chunk %d: %w", c.Index, err)
		return res
	}
	if r.keyer != nil {
		packed = r.keyer.SealChunk(packed, packed, c.Index)
	}
	res.frame.PackedLen = uint64(len(packed))
	res.payload = packed
	return res
}

// handleResult runs on the writer goroutine, strictly in chunk order.
func (r *createRun) handleResult(res *packResult) error {
	loc, err := r.vw.WriteChunkRecord(&res.frame, res.payload)
	r.packedPool.Put(res.payload)
	if err != nil {
		return errKind(KindIO, r.archiveBase, err)
	}

	st := r.state
	st.Chunks = append(st.Chunks, loc)
	r.apportionPacked(&res.frame)
	r.packedTotal += int64(res.frame.PackedLen)

	prevEntry := int(st.Cursor.NextEntry)
	volIdx, volOff := r.vw.Position()
	st.Cursor = szcheckpoint.Cursor{
		NextEntry:       uint64(res.nextEntry),
		NextEntryOffset: uint64(res.nextEntryOffset),
		NextChunkIndex:  res.frame.Index + 1,
		VolumeIndex:     volIdx,
		VolumeOffset:    uint64(volOff),
		RawBytesDone:    st.Cursor.RawBytesDone + res.frame.RawLen,
	}
	entryClosed := r.markEntriesDone(prevEntry, res.nextEntry)

	lastSeg := &res.frame.Segments[len(res.frame.Segments)-1]
	r.meter.emit(Progress{
		Op:              "create",
		EntryName:       r.entries[lastSeg.EntryIndex].Name,
		EntryDone:       entryClosed,
		EntryBytesDone:  int64(lastSeg.EntryOffset + lastSeg.Length),
		EntryBytesTotal: r.entries[lastSeg.EntryIndex].Size,
		EntriesDone:     res.nextEntry,
		EntriesTotal:    len(r.entries),
		BytesDone:       int64(st.Cursor.RawBytesDone),
		BytesTotal:      r.bytesTotal,
		PackedBytes:     r.packedTotal,
	})

	r.chunksSince++
	if r.chunksSince >= r.eng.cfg.CheckpointEvery {
		if err := r.checkpointNow(); err != nil {
			return err
		}
	}
	return nil
}

// apportionPacked distributes a chunk's packed size over the entries it
// carries, pro rata by raw segment length. Integer floors go to all but
// the last segment so the per-entry packed sizes always sum to the exact
// archive payload size.
func (r *createRun) apportionPacked(fr *szvolume.ChunkFrame) {
	remaining := fr.PackedLen
	for i := range fr.Segments {
		seg := &fr.Segments[i]
		share := remaining
		if i < len(fr.Segments)-1 {
			share = fr.PackedLen * seg.Length / fr.RawLen
			remaining -= share
		}
		r.state.Entries[seg.EntryIndex].PackedSize += share
	}
}

func (r *createRun) markEntriesDone(from, to int) bool {
	closed := false
	for i := from; i < to && i < len(r.state.Entries); i++ {
		e := &r.state.Entries[i]
		if e.Done {
			continue
		}
		e.Done = true
		closed = true
		if r.digestKnown[i] {
			e.Digest = r.digests[i]
		}
	}
	return closed
}

func (r *createRun) checkpointNow() error {
	if err := r.vw.Sync(); err != nil {
		return errKind(KindIO, r.archiveBase, err)
	}
	if err := r.state.Save(r.ckptPath); err != nil {
		return classifyPathErr(r.ckptPath, err)
	}
	r.chunksSince = 0
	return nil
}

// finalize marks the trailing entries complete, writes the index record
// plus trailer, and retires the checkpoint.
func (r *createRun) finalize() error {
	r.markEntriesDone(int(r.state.Cursor.NextEntry), len(r.state.Entries))

	ix := &szvolume.Index{
		Entries: make([]szvolume.IndexEntry, len(r.state.Entries)),
		Chunks:  r.state.Chunks,
	}
	for i := range r.state.Entries {
		e := &r.state.Entries[i]
		ix.Entries[i] = szvolume.IndexEntry{
			Name:       e.Name,
			Size:       uint64(e.Size),
			PackedSize: e.PackedSize,
			ModTime:    e.ModTime,
			Attributes: e.Attributes,
			IsDir:      e.IsDir,
			Digest:     e.Digest,
		}
	}

	body := ix.MarshalBinary()
	digest := szvolume.Digest8(body)
	if r.keyer != nil {
		body = r.keyer.SealChunk(nil, body, indexIVSentinel)
	}
	if err := r.vw.FinishWithIndex(body, digest); err != nil {
		return errKind(KindIO, r.archiveBase, err)
	}

	os.Remove(r.ckptPath)

	r.meter.emit(Progress{
		Op:           "create",
		EntriesDone:  len(r.entries),
		EntriesTotal: len(r.entries),
		BytesDone:    r.bytesTotal,
		BytesTotal:   r.bytesTotal,
		PackedBytes:  r.packedTotal,
		Final:        true,
	})
	return nil
}
