package szarc

import (
	"context"
	"os"

	"github.com/tmreyno/szarc/internal/checkpoint"
	"github.com/tmreyno/szarc/internal/crypt"
	"github.com/tmreyno/szarc/internal/scan"
	"github.com/tmreyno/szarc/internal/volume"
)

// Resume continues an interrupted Create from its checkpoint. The engine
// must be configured identically to the original run (same codec, level
// implied by the checkpoint, chunking, split size and password) and the
// input files must be unchanged; any divergence is rejected with
// UnsupportedConfig rather than risking an archive spliced from two
// different runs. An empty checkpointPath uses the default location next
// to the archive (or in TempDir).
func (e *Engine) Resume(ctx context.Context, archivePath, checkpointPath string, sink ProgressSink) error {
	if checkpointPath == "" {
		checkpointPath = szcheckpoint.DefaultPath(archivePath, e.cfg.TempDir)
	}

	st, err := szcheckpoint.Load(checkpointPath)
	if err != nil {
		if os.IsNotExist(err) || os.IsPermission(err) {
			return classifyPathErr(checkpointPath, err)
		}
		return errKind(KindCorruptArchive, checkpointPath, err)
	}

	level := Level(st.Level)
	if e.cfg.fingerprint(level, st.Entries) != st.Fingerprint {
		return errKindf(KindUnsupportedConfig, checkpointPath,
			"checkpoint was written under a different configuration, password or input set")
	}
	if err := verifyInputsUnchanged(st.Entries); err != nil {
		return err
	}

	// the first volume's preamble holds the archive identity and, when
	// encrypted, the key material the original run generated
	probe, err := szvolume.OpenReader(archivePath)
	if err != nil {
		return classifyPathErr(archivePath, err)
	}
	info := *probe.Info()
	probe.Close()

	if info.ArchiveID != st.ArchiveID {
		return errKindf(KindUnsupportedConfig, archivePath,
			"checkpoint belongs to a different archive")
	}

	r := &createRun{
		eng:         e,
		level:       level,
		archiveBase: archivePath,
		ckptPath:    checkpointPath,
		meter:       newProgressMeter(sink),
		state:       st,
	}

	if info.Encrypted {
		if r.keyer, err = szcrypt.OpenKeyer(e.cfg.Password, info.Salt, info.BaseIV); err != nil {
			return errKind(KindCorruptArchive, archivePath, err)
		}
		if !r.keyer.VerifyTestBlock(info.TestBlock) {
			return errKindf(KindWrongPassword, archivePath, "password does not match the archive")
		}
	}

	if r.codecID, r.codec, r.dictCap, err = buildCodec(e.cfg.Codec, level, e.cfg.DictSize); err != nil {
		return err
	}

	r.entries = make([]szscan.Entry, len(st.Entries))
	for i := range st.Entries {
		es := &st.Entries[i]
		r.entries[i] = szscan.Entry{
			Name:       es.Name,
			FullPath:   es.FullPath,
			Size:       es.Size,
			ModTime:    es.ModTime,
			Attributes: es.Attributes,
			IsDir:      es.IsDir,
		}
		r.packedTotal += int64(es.PackedSize)
	}

	r.vw, err = szvolume.ResumeWriter(
		archivePath, e.cfg.SplitSize, info,
		st.Cursor.VolumeIndex, int64(st.Cursor.VolumeOffset),
	)
	if err != nil {
		return classifyPathErr(archivePath, err)
	}

	return r.execute(ctx)
}

// verifyInputsUnchanged re-stats every checkpointed entry. Size or modtime
// drift means the already-archived chunks may not match the file anymore.
func verifyInputsUnchanged(entries []szcheckpoint.EntryState) error {
	for i := range entries {
		e := &entries[i]
		fi, err := os.Lstat(e.FullPath)
		if err != nil {
			return classifyPathErr(e.FullPath, err)
		}
		if e.IsDir {
			if !fi.IsDir() {
				return errKindf(KindUnsupportedConfig, e.FullPath, "directory became a file since the checkpoint")
			}
			continue
		}
		if fi.IsDir() || !fi.Mode().IsRegular() {
			return errKindf(KindUnsupportedConfig, e.FullPath, "file type changed since the checkpoint")
		}
		if fi.Size() != e.Size || fi.ModTime().Unix() != e.ModTime {
			return errKindf(KindUnsupportedConfig, e.FullPath, "content changed since the checkpoint")
		}
	}
	return nil
}
