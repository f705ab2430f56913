//go:build darwin
// +build darwin

package szchunker

import (
	"os"

	"golang.org/x/sys/unix"
)

// readAheadHint enables the BSD read-ahead fcntl. Purely advisory.
func readAheadHint(f *os.File) {
	unix.FcntlInt(f.Fd(), unix.F_RDAHEAD, 1) //nolint:errcheck
}
