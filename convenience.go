package szarc

import (
	"bufio"
	"context"
	"io"
	"os"

	"github.com/ulikunitz/xz"

	"github.com/tmreyno/szarc/internal/codec"
)

// CompressFile writes a single xz-framed compressed copy of in to out. No
// archive container, no metadata: the frame is readable by any xz tool.
// Intended for one-off single-file use; Create is the real pipeline.
func CompressFile(ctx context.Context, in, out string, level Level) error {
	src, err := os.Open(in)
	if err != nil {
		return classifyPathErr(in, err)
	}
	defer src.Close()

	dst, err := os.Create(out)
	if err != nil {
		return classifyPathErr(out, err)
	}

	bw := bufio.NewWriterSize(dst, 1<<20)
	wc := xz.WriterConfig{DictCap: szcodec.EffortDictCap(int(level), 0)}
	xw, err := wc.NewWriter(bw)
	if err != nil {
		dst.Close()
		os.Remove(out)
		return errKind(KindUnsupportedConfig, out, err)
	}

	if err := copyChecked(ctx, xw, bufio.NewReaderSize(src, 1<<20)); err != nil {
		xw.Close()
		dst.Close()
		os.Remove(out)
		if KindOf(err) == KindCancelled {
			return errKind(KindCancelled, in, err)
		}
		return classifyPathErr(in, err)
	}

	if err := xw.Close(); err == nil {
		err = bw.Flush()
	} else {
		bw.Flush()
	}
	if err != nil {
		dst.Close()
		os.Remove(out)
		return errKind(KindIO, out, err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(out)
		return errKind(KindIO, out, err)
	}
	return nil
}

// DecompressFile reverses CompressFile.
func DecompressFile(ctx context.Context, in, out string) error {
	src, err := os.Open(in)
	if err != nil {
		return classifyPathErr(in, err)
	}
	defer src.Close()

	xr, err := xz.ReaderConfig{}.NewReader(bufio.NewReaderSize(src, 1<<20))
	if err != nil {
		return errKind(KindCorruptArchive, in, err)
	}

	dst, err := os.Create(out)
	if err != nil {
		return classifyPathErr(out, err)
	}

	bw := bufio.NewWriterSize(dst, 1<<20)
	if err := copyChecked(ctx, bw, xr); err != nil {
		dst.Close()
		os.Remove(out)
		if KindOf(err) == KindCancelled {
			return errKind(KindCancelled, in, err)
		}
		return errKind(KindCorruptArchive, in, err)
	}
	if err := bw.Flush(); err != nil {
		dst.Close()
		os.Remove(out)
		return errKind(KindIO, out, err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(out)
		return errKind(KindIO, out, err)
	}
	return nil
}

// copyChecked is io.Copy with a cancellation check between slabs.
func copyChecked(ctx context.Context, dst io.Writer, src io.Reader) error {
	for {
		if err := ctx.Err(); err != nil {
			return errKind(KindCancelled, "", err)
		}
		_, err := io.CopyN(dst, src, 1<<20)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
