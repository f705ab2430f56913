package szarc

import "time"

// Progress is one observation of a running operation. Byte counts are raw
// (uncompressed) input bytes; PackedBytes is the archive-side total so far.
type Progress struct {
	Op        string // "create", "extract" or "test"
	EntryName string // entry most recently touched
	EntryDone bool   // this sample closes EntryName

	// EntryBytesDone/EntryBytesTotal track EntryName alone; the Bytes
	// counters below cover the whole run.
	EntryBytesDone  int64
	EntryBytesTotal int64

	EntriesDone  int
	EntriesTotal int
	BytesDone    int64
	BytesTotal   int64
	PackedBytes  int64

	// Warning carries a skipped-path notice from enumeration. Warning
	// samples have no counters and always fire.
	Warning string

	Final bool // last sample of the run
}

// ProgressSink observes progress at chunk granularity. Calls arrive from a
// single goroutine; a slow sink slows the pipeline, so implementations
// should be cheap.
type ProgressSink interface {
	OnProgress(Progress)
}

// ProgressFunc adapts a function to ProgressSink.
type ProgressFunc func(Progress)

func (f ProgressFunc) OnProgress(p Progress) { f(p) }

// progressMeter throttles chunk-level samples. Entry-final and run-final
// samples always go through so callers never miss a completion.
type progressMeter struct {
	sink ProgressSink
	last time.Time
}

const progressInterval = 62 * time.Millisecond // ~16 samples/sec

func newProgressMeter(sink ProgressSink) *progressMeter {
	return &progressMeter{sink: sink}
}

func (m *progressMeter) emit(p Progress) {
	if m.sink == nil {
		return
	}
	now := time.Now()
	if !p.Final && !p.EntryDone && p.Warning == "" && now.Sub(m.last) < progressInterval {
		return
	}
	m.last = now
	m.sink.OnProgress(p)
}
