//go:build !windows
// +build !windows

package szscan

import "io/fs"

// attributeBits packs the POSIX permission and type bits into the opaque
// attribute field. Extraction applies the low 9 bits as the file mode.
func attributeBits(info fs.FileInfo) uint32 {
	mode := info.Mode()
	bits := uint32(mode.Perm())
	if mode.IsDir() {
		bits |= 0x4000
	}
	return bits
}

// ApplyAttributeBits restores the permission bits captured above.
func ApplyAttributeBits(attr uint32) fs.FileMode {
	return fs.FileMode(attr & 0o777)
}
