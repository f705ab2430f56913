package szarc

import (
	"context"
	"fmt"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	require.Equal(t, KindWrongPassword, KindOf(errKindf(KindWrongPassword, "a.szarc", "no")))
	require.Equal(t, KindCorruptArchive, KindOf(fmt.Errorf("outer: %w", corruptAt("a", 12, "bad"))))
	require.Equal(t, KindCancelled, KindOf(context.Canceled))
	require.Equal(t, KindPathNotFound, KindOf(fs.ErrNotExist))
	require.Equal(t, KindUnknown, KindOf(nil))
	require.Equal(t, KindUnknown, KindOf(fmt.Errorf("opaque")))
}

func TestArchiveErrorMessage(t *testing.T) {
	err := corruptAt("vol.szarc.002", 4096, "chunk %d content digest mismatch", 7)
	require.Contains(t, err.Error(), "corrupt archive")
	require.Contains(t, err.Error(), "vol.szarc.002")
	require.Contains(t, err.Error(), "@4096")
	require.Contains(t, err.Error(), "chunk 7")

	plain := errKindf(KindWrongPassword, "", "password does not match")
	require.NotContains(t, plain.Error(), "@")
}

func TestProgressMeterAlwaysFiresFinals(t *testing.T) {
	var got []Progress
	m := newProgressMeter(ProgressFunc(func(p Progress) { got = append(got, p) }))

	// burst of chunk samples collapses, but entry/run finals survive
	for i := 0; i < 100; i++ {
		m.emit(Progress{Op: "create", BytesDone: int64(i)})
	}
	m.emit(Progress{Op: "create", EntryDone: true, EntryName: "a"})
	m.emit(Progress{Op: "create", EntryDone: true, EntryName: "b"})
	m.emit(Progress{Op: "create", Final: true})

	require.Less(t, len(got), 20)
	var finals int
	for _, p := range got {
		if p.EntryDone || p.Final {
			finals++
		}
	}
	require.Equal(t, 3, finals)
}

func TestProgressMeterNilSink(t *testing.T) {
	m := newProgressMeter(nil)
	m.emit(Progress{Final: true}) // must not panic
}
