package szscan

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path string, size int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
}

func TestScanDeterministicOrder(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "tree", "b", "two.bin"), 10)
	writeFile(t, filepath.Join(dir, "tree", "a", "one.bin"), 5)
	writeFile(t, filepath.Join(dir, "tree", "zero.bin"), 0)

	first, warns, err := Scan([]string{filepath.Join(dir, "tree")})
	require.NoError(t, err)
	require.Empty(t, warns)

	second, _, err := Scan([]string{filepath.Join(dir, "tree")})
	require.NoError(t, err)
	require.Equal(t, first, second, "two scans of the same tree must agree")

	names := make([]string, len(first))
	for i, e := range first {
		names[i] = e.Name
	}
	require.Equal(t, []string{
		"tree",
		"tree/a",
		"tree/a/one.bin",
		"tree/b",
		"tree/b/two.bin",
		"tree/zero.bin",
	}, names)

	require.Equal(t, int64(15), TotalSize(first))
}

func TestScanParentBeforeChild(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "root", "x", "y", "z.bin"), 1)

	entries, _, err := Scan([]string{filepath.Join(dir, "root")})
	require.NoError(t, err)

	seen := map[string]bool{}
	for _, e := range entries {
		if idx := lastSlash(e.Name); idx >= 0 {
			require.True(t, seen[e.Name[:idx]], "parent of %s must come first", e.Name)
		}
		seen[e.Name] = true
	}
}

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}

func TestScanDirectoriesHaveZeroSize(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "d", "f.bin"), 9)

	entries, _, err := Scan([]string{filepath.Join(dir, "d")})
	require.NoError(t, err)
	for _, e := range entries {
		if e.IsDir {
			require.Zero(t, e.Size)
		}
	}
}

func TestScanMissingRootAborts(t *testing.T) {
	_, _, err := Scan([]string{filepath.Join(t.TempDir(), "no-such-root")})
	require.Error(t, err)
	require.True(t, os.IsNotExist(err))
}

func TestScanSingleFileRoot(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "lone.dat")
	writeFile(t, p, 33)

	entries, _, err := Scan([]string{p})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "lone.dat", entries[0].Name)
	require.Equal(t, int64(33), entries[0].Size)
	require.False(t, entries[0].IsDir)
}

func TestScanDuplicateNameRejected(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "same.bin")
	writeFile(t, p, 1)

	_, _, err := Scan([]string{p, p})
	require.Error(t, err)
	require.Contains(t, err.Error(), "duplicate")
}

func TestValidateMemberName(t *testing.T) {
	require.NoError(t, ValidateMemberName("a/b/c.txt"))
	require.Error(t, ValidateMemberName(""))
	require.Error(t, ValidateMemberName("/etc/passwd"))
	require.Error(t, ValidateMemberName("a/../../escape"))
}
