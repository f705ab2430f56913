//go:build linux
// +build linux

package szchunker

import (
	"os"

	"golang.org/x/sys/unix"
)

// readAheadHint tells the kernel the file will be read front to back once.
// Purely advisory; failures are ignored.
func readAheadHint(f *os.File) {
	unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_SEQUENTIAL) //nolint:errcheck
}
