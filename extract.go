package szarc

import (
	"bytes"
	"context"
	"fmt"
	"hash"
	"os"
	"path/filepath"
	"time"

	sha256 "github.com/minio/sha256-simd"

	"github.com/tmreyno/szarc/internal/codec"
	"github.com/tmreyno/szarc/internal/crypt"
	"github.com/tmreyno/szarc/internal/scan"
	"github.com/tmreyno/szarc/internal/volume"
)

// archiveSession is an opened archive ready for sequential decoding: the
// preamble is parsed, the password is verified, the codec is constructed
// and the central index is loaded and validated.
type archiveSession struct {
	rd    *szvolume.Reader
	info  *szvolume.ArchiveInfo
	keyer *szcrypt.Keyer
	codec szcodec.Codec
	index *szvolume.Index

	payloadBuf []byte
	rawBuf     []byte
}

func openArchive(archivePath, password string) (*archiveSession, error) {
	rd, err := szvolume.OpenReader(archivePath)
	if err != nil {
		if os.IsNotExist(err) || os.IsPermission(err) {
			return nil, classifyPathErr(archivePath, err)
		}
		return nil, errKind(KindCorruptArchive, archivePath, err)
	}
	s := &archiveSession{rd: rd, info: rd.Info()}

	if s.info.Encrypted {
		if password == "" {
			rd.Close()
			return nil, errKindf(KindWrongPassword, archivePath, "archive is encrypted and no password was given")
		}
		if s.keyer, err = szcrypt.OpenKeyer(password, s.info.Salt, s.info.BaseIV); err != nil {
			rd.Close()
			return nil, errKind(KindCorruptArchive, archivePath, err)
		}
		if !s.keyer.VerifyTestBlock(s.info.TestBlock) {
			rd.Close()
			return nil, errKindf(KindWrongPassword, archivePath, "password does not match the archive")
		}
	} else if password != "" {
		rd.Close()
		return nil, errKindf(KindUnsupportedConfig, archivePath, "archive is not encrypted but a password was given")
	}

	name, err := szcodec.NameOf(s.info.CodecID)
	if err != nil {
		rd.Close()
		return nil, errKind(KindUnsupportedConfig, archivePath, err)
	}
	if s.codec, err = availableCodecs[name](int(s.info.Level), int(s.info.DictCap)); err != nil {
		rd.Close()
		return nil, errKind(KindUnsupportedConfig, archivePath, err)
	}

	basePath, split, err := szvolume.ResolveBase(archivePath)
	if err != nil {
		rd.Close()
		return nil, classifyPathErr(archivePath, err)
	}
	body, wantDigest, err := szvolume.LoadIndexBody(basePath, split)
	if err != nil {
		rd.Close()
		if os.IsNotExist(err) || os.IsPermission(err) {
			return nil, classifyPathErr(archivePath, err)
		}
		return nil, errKind(KindCorruptArchive, archivePath, err)
	}
	if s.keyer != nil {
		if body, err = s.keyer.OpenChunk(nil, body, indexIVSentinel); err != nil {
			rd.Close()
			return nil, corruptAt(archivePath, -1, "index record does not decrypt: %v", err)
		}
	}
	if szvolume.Digest8(body) != wantDigest {
		rd.Close()
		return nil, corruptAt(archivePath, -1, "index digest mismatch")
	}
	if s.index, err = szvolume.ParseIndex(body); err != nil {
		rd.Close()
		return nil, errKind(KindCorruptArchive, archivePath, err)
	}
	return s, nil
}

func (s *archiveSession) Close() { s.rd.Close() }

// decodeChunk decrypts, decompresses and digest-checks one chunk record.
// The returned slice is valid until the next call.
func (s *archiveSession) decodeChunk(fr *szvolume.ChunkFrame, payload []byte) ([]byte, error) {
	plain := payload
	if s.keyer != nil {
		var err error
		if plain, err = s.keyer.OpenChunk(payload, payload, fr.Index); err != nil {
			return nil, fmt.Errorf("chunk %d does not decrypt: %w", fr.Index, err)
		}
	}
	raw, err := s.codec.Unpack(s.rawBuf, plain, int(fr.RawLen))
	if err != nil {
		return nil, fmt.Errorf("chunk %d does not decompress: %w", fr.Index, err)
	}
	s.rawBuf = raw
	if szvolume.Digest8(raw) != fr.RawDigest {
		return nil, fmt.Errorf("chunk %d content digest mismatch", fr.Index)
	}
	return raw, nil
}

// toArchiveEntry maps the wire index row to the public type.
func toArchiveEntry(e *szvolume.IndexEntry) ArchiveEntry {
	return ArchiveEntry{
		Name:        e.Name,
		Size:        int64(e.Size),
		PackedSize:  int64(e.PackedSize),
		ModTime:     time.Unix(e.ModTime, 0),
		Attributes:  e.Attributes,
		IsDirectory: e.IsDir,
	}
}

// List reads the archive's central index without touching chunk payloads.
// archivePath may be the base path or the first volume. password is
// required (and verified) for encrypted archives.
func List(archivePath, password string) ([]ArchiveEntry, error) {
	s, err := openArchive(archivePath, password)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	out := make([]ArchiveEntry, len(s.index.Entries))
	for i := range s.index.Entries {
		out[i] = toArchiveEntry(&s.index.Entries[i])
	}
	return out, nil
}

// Extract restores every archive member under outDir, verifying each
// chunk's digest and each entry's full content digest along the way. The
// first verification failure aborts with CorruptArchive; use Test to
// enumerate all problems instead.
func Extract(ctx context.Context, archivePath, outDir, password string, sink ProgressSink) error {
	s, err := openArchive(archivePath, password)
	if err != nil {
		return err
	}
	defer s.Close()

	x := &extractRun{
		sess:    s,
		meter:   newProgressMeter(sink),
		outDir:  outDir,
		archive: archivePath,
	}
	return x.run(ctx)
}

type extractRun struct {
	sess    *archiveSession
	meter   *progressMeter
	outDir  string
	archive string

	paths      []string
	written    []int64
	hash       hash.Hash
	curIdx     int
	curFile    *os.File
	bytesDone  int64
	bytesTotal int64
	doneCount  int
}

func (x *extractRun) run(ctx context.Context) error {
	entries := x.sess.index.Entries
	x.paths = make([]string, len(entries))
	x.written = make([]int64, len(entries))
	x.curIdx = -1

	// place every member before streaming: directories parent-first,
	// regular files as empty placeholders so zero-length members and
	// files the chunk stream fills later both exist
	for i := range entries {
		e := &entries[i]
		if err := szscan.ValidateMemberName(e.Name); err != nil {
			return errKind(KindCorruptArchive, e.Name, err)
		}
		x.paths[i] = filepath.Join(x.outDir, filepath.FromSlash(e.Name))
		if !e.IsDir {
			x.bytesTotal += int64(e.Size)
		}
	}
	if err := os.MkdirAll(x.outDir, 0o755); err != nil {
		return classifyPathErr(x.outDir, err)
	}
	for i := range entries {
		e := &entries[i]
		if e.IsDir {
			if err := os.MkdirAll(x.paths[i], 0o755); err != nil {
				return classifyPathErr(x.paths[i], err)
			}
			continue
		}
		perm := szscan.ApplyAttributeBits(e.Attributes)
		if perm == 0 {
			perm = 0o644
		}
		f, err := os.OpenFile(x.paths[i], os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
		if err != nil {
			return classifyPathErr(x.paths[i], err)
		}
		f.Close()
	}

	if err := x.streamChunks(ctx); err != nil {
		return err
	}

	// verify coverage: an archive whose chunk stream ended early leaves
	// some entry short, which the per-entry close check cannot see if the
	// entry was never opened
	for i := range entries {
		e := &entries[i]
		if !e.IsDir && x.written[i] != int64(e.Size) {
			return corruptAt(x.archive, -1, "entry %s: %d of %d bytes present in the chunk stream",
				e.Name, x.written[i], e.Size)
		}
	}

	x.restoreMetadata()

	x.meter.emit(Progress{
		Op:           "extract",
		EntriesDone:  len(entries),
		EntriesTotal: len(entries),
		BytesDone:    x.bytesDone,
		BytesTotal:   x.bytesTotal,
		Final:        true,
	})
	return nil
}

func (x *extractRun) streamChunks(ctx context.Context) error {
	var expectIdx uint64
	for {
		if err := ctx.Err(); err != nil {
			x.abandonCurrent()
			return errKind(KindCancelled, x.archive, err)
		}

		fr, payload, err := x.sess.rd.NextRecord(x.sess.payloadBuf)
		if err != nil {
			x.abandonCurrent()
			return errKind(KindCorruptArchive, x.archive, err)
		}
		if fr == nil {
			// index record: end of chunk stream
			return x.closeCurrent()
		}
		x.sess.payloadBuf = payload

		if fr.Index != expectIdx {
			x.abandonCurrent()
			return corruptAt(x.archive, -1, "chunk %d arrived where %d was expected", fr.Index, expectIdx)
		}
		expectIdx++

		raw, err := x.sess.decodeChunk(fr, payload)
		if err != nil {
			x.abandonCurrent()
			return errKind(KindCorruptArchive, x.archive, err)
		}

		pos := 0
		for si := range fr.Segments {
			seg := &fr.Segments[si]
			if err := x.writeSegment(seg, raw[pos:pos+int(seg.Length)]); err != nil {
				return err
			}
			pos += int(seg.Length)
		}

		lastIdx := int(fr.Segments[len(fr.Segments)-1].EntryIndex)
		x.meter.emit(Progress{
			Op:              "extract",
			EntryName:       x.sess.index.Entries[lastIdx].Name,
			EntryBytesDone:  x.written[lastIdx],
			EntryBytesTotal: int64(x.sess.index.Entries[lastIdx].Size),
			EntriesDone:     x.doneCount,
			EntriesTotal:    len(x.sess.index.Entries),
			BytesDone:       x.bytesDone,
			BytesTotal:      x.bytesTotal,
		})
	}
}

func (x *extractRun) writeSegment(seg *szvolume.Segment, data []byte) error {
	entries := x.sess.index.Entries
	idx := int(seg.EntryIndex)
	if idx >= len(entries) || entries[idx].IsDir {
		x.abandonCurrent()
		return corruptAt(x.archive, -1, "segment references entry %d", idx)
	}

	if idx != x.curIdx {
		if err := x.closeCurrent(); err != nil {
			return err
		}
		f, err := os.OpenFile(x.paths[idx], os.O_WRONLY, 0)
		if err != nil {
			return classifyPathErr(x.paths[idx], err)
		}
		x.curFile = f
		x.curIdx = idx
		x.hash = sha256.New()
	}

	if int64(seg.EntryOffset) != x.written[idx] {
		x.abandonCurrent()
		return corruptAt(x.archive, -1, "entry %s: segment at offset %d but %d bytes written",
			entries[idx].Name, seg.EntryOffset, x.written[idx])
	}
	if _, err := x.curFile.Write(data); err != nil {
		x.abandonCurrent()
		return classifyPathErr(x.paths[idx], err)
	}
	x.hash.Write(data)
	x.written[idx] += int64(len(data))
	x.bytesDone += int64(len(data))
	return nil
}

// closeCurrent finishes the open output file: length and digest checks,
// then timestamp restoration.
func (x *extractRun) closeCurrent() error {
	if x.curFile == nil {
		return nil
	}
	idx := x.curIdx
	e := &x.sess.index.Entries[idx]
	err := x.curFile.Close()
	x.curFile = nil
	x.curIdx = -1
	if err != nil {
		return classifyPathErr(x.paths[idx], err)
	}

	if x.written[idx] != int64(e.Size) {
		return corruptAt(x.archive, -1, "entry %s: %d of %d bytes in chunk stream", e.Name, x.written[idx], e.Size)
	}
	var digest [32]byte
	x.hash.Sum(digest[:0])
	if !bytes.Equal(digest[:], e.Digest[:]) {
		return corruptAt(x.archive, -1, "entry %s: content digest mismatch", e.Name)
	}

	mt := time.Unix(e.ModTime, 0)
	os.Chtimes(x.paths[idx], mt, mt)
	x.doneCount++

	x.meter.emit(Progress{
		Op:              "extract",
		EntryName:       e.Name,
		EntryDone:       true,
		EntryBytesDone:  x.written[idx],
		EntryBytesTotal: int64(e.Size),
		EntriesDone:     x.doneCount,
		EntriesTotal:    len(x.sess.index.Entries),
		BytesDone:       x.bytesDone,
		BytesTotal:      x.bytesTotal,
	})
	return nil
}

func (x *extractRun) abandonCurrent() {
	if x.curFile != nil {
		x.curFile.Close()
		x.curFile = nil
	}
}

// restoreMetadata fixes up directory permissions and times after all file
// writes, children before parents so a parent's mtime is not bumped again.
func (x *extractRun) restoreMetadata() {
	entries := x.sess.index.Entries
	for i := len(entries) - 1; i >= 0; i-- {
		e := &entries[i]
		if !e.IsDir {
			continue
		}
		if perm := szscan.ApplyAttributeBits(e.Attributes); perm != 0 {
			os.Chmod(x.paths[i], perm)
		}
		mt := time.Unix(e.ModTime, 0)
		os.Chtimes(x.paths[i], mt, mt)
	}
}

// TestEntryResult is one member's verification outcome.
type TestEntryResult struct {
	Name string
	OK   bool
}

// TestReport aggregates a full verification pass. Findings holds every
// corruption discovered, in stream order; Entries has one row per archive
// member.
type TestReport struct {
	Entries  []TestEntryResult
	Findings []*ArchiveError
}

// OK reports whether the archive verified clean.
func (r *TestReport) OK() bool { return len(r.Findings) == 0 }

// Test decodes and digest-checks the whole archive without writing any
// output files. Unlike Extract it does not stop at the first problem: every
// finding is collected so one pass localizes all damage.
func Test(ctx context.Context, archivePath, password string, sink ProgressSink) (*TestReport, error) {
	s, err := openArchive(archivePath, password)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	meter := newProgressMeter(sink)
	entries := s.index.Entries
	report := &TestReport{Entries: make([]TestEntryResult, len(entries))}
	entryBad := make([]bool, len(entries))
	written := make([]int64, len(entries))
	hashes := make([]hash.Hash, len(entries))

	var bytesTotal, bytesDone int64
	for i := range entries {
		report.Entries[i].Name = entries[i].Name
		if !entries[i].IsDir {
			bytesTotal += int64(entries[i].Size)
		}
	}

	addFinding := func(ae *ArchiveError) {
		report.Findings = append(report.Findings, ae)
	}

	var expectIdx uint64
	var payloadBuf []byte
stream:
	for {
		if err := ctx.Err(); err != nil {
			return nil, errKind(KindCancelled, archivePath, err)
		}

		fr, payload, err := s.rd.NextRecord(payloadBuf)
		if err != nil {
			// framing damage: the stream cannot be walked further
			addFinding(errKind(KindCorruptArchive, archivePath, err))
			for i := range entries {
				if !entries[i].IsDir && written[i] != int64(entries[i].Size) {
					entryBad[i] = true
				}
			}
			break stream
		}
		if fr == nil {
			break stream
		}
		payloadBuf = payload

		if fr.Index != expectIdx {
			addFinding(corruptAt(archivePath, -1, "chunk %d arrived where %d was expected", fr.Index, expectIdx))
		}
		expectIdx = fr.Index + 1

		raw, err := s.decodeChunk(fr, payload)
		if err != nil {
			addFinding(errKind(KindCorruptArchive, archivePath, err))
			// the chunk's entries cannot verify; account the bytes as
			// consumed so coverage checks do not double-report
			for si := range fr.Segments {
				seg := &fr.Segments[si]
				if int(seg.EntryIndex) < len(entries) {
					entryBad[seg.EntryIndex] = true
					written[seg.EntryIndex] += int64(seg.Length)
					bytesDone += int64(seg.Length)
				}
			}
			continue
		}

		pos := 0
		for si := range fr.Segments {
			seg := &fr.Segments[si]
			idx := int(seg.EntryIndex)
			if idx >= len(entries) || entries[idx].IsDir {
				addFinding(corruptAt(archivePath, -1, "segment references entry %d", idx))
				pos += int(seg.Length)
				continue
			}
			if hashes[idx] == nil {
				hashes[idx] = sha256.New()
			}
			if int64(seg.EntryOffset) != written[idx] {
				addFinding(corruptAt(archivePath, -1, "entry %s: segment at offset %d but %d bytes seen",
					entries[idx].Name, seg.EntryOffset, written[idx]))
				entryBad[idx] = true
			}
			hashes[idx].Write(raw[pos : pos+int(seg.Length)])
			written[idx] += int64(seg.Length)
			bytesDone += int64(seg.Length)
			pos += int(seg.Length)
		}

		p := Progress{
			Op:           "test",
			EntriesTotal: len(entries),
			BytesDone:    bytesDone,
			BytesTotal:   bytesTotal,
		}
		if last := int(fr.Segments[len(fr.Segments)-1].EntryIndex); last < len(entries) {
			p.EntryName = entries[last].Name
			p.EntryBytesDone = written[last]
			p.EntryBytesTotal = int64(entries[last].Size)
		}
		meter.emit(p)
	}

	done := 0
	for i := range entries {
		e := &entries[i]
		if e.IsDir {
			report.Entries[i].OK = true
			done++
			continue
		}
		switch {
		case entryBad[i]:
			// already reported at the chunk that damaged it
		case written[i] != int64(e.Size):
			addFinding(corruptAt(archivePath, -1, "entry %s: %d of %d bytes in chunk stream",
				e.Name, written[i], e.Size))
			entryBad[i] = true
		default:
			var digest [32]byte
			if hashes[i] != nil {
				hashes[i].Sum(digest[:0])
			} else {
				sum := sha256.Sum256(nil)
				digest = sum
			}
			if !bytes.Equal(digest[:], e.Digest[:]) {
				addFinding(corruptAt(archivePath, -1, "entry %s: content digest mismatch", e.Name))
				entryBad[i] = true
			}
		}
		report.Entries[i].OK = !entryBad[i]
		if !entryBad[i] {
			done++
		}
	}

	meter.emit(Progress{
		Op:           "test",
		EntriesDone:  done,
		EntriesTotal: len(entries),
		BytesDone:    bytesDone,
		BytesTotal:   bytesTotal,
		Final:        true,
	})
	return report, nil
}
