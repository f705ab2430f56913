//go:build windows
// +build windows

package szscan

import "io/fs"

// attributeBits on windows mirrors the posix packing so that archives are
// portable either way: permission bits synthesized by the Go runtime plus a
// directory marker.
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
