package szscan

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Entry is the enumerator's view of one archive member. It carries metadata
// only: no file content is touched until the chunk assembler opens the file.
type Entry struct {
	Name       string // relative, forward-slash separated, unique per archive
	FullPath   string // absolute filesystem path for reading
	Size       int64
	ModTime    int64  // seconds since epoch
	Attributes uint32 // opaque platform bits, passed through unmodified
	IsDir      bool
}

// Warning records a non-root path that could not be enumerated. The walk
// continues past it; losing one unreadable descendant must not lose the rest
// of the input set.
type Warning struct {
	Path string
	Err  error
}

func (w Warning) String() string {
	return fmt.Sprintf("skipped %s: %s", w.Path, w.Err)
}

// Scan walks the given roots in order and returns a deterministic,
// parent-before-child sequence of entries. An unreadable root aborts the
// scan with the underlying error; unreadable descendants are skipped and
// reported via the warning list.
func Scan(roots []string) (entries []Entry, warnings []Warning, err error) {

	if len(roots) == 0 {
		return nil, nil, fmt.Errorf("no input paths supplied")
	}

	seen := make(map[string]struct{})

	for _, root := range roots {

		root = filepath.Clean(root)
		rootAbs, absErr := filepath.Abs(root)
		if absErr != nil {
			return nil, warnings, absErr
		}

		rootInfo, statErr := os.Lstat(rootAbs)
		if statErr != nil {
			return nil, warnings, statErr
		}

		// A plain-file root becomes a single entry named after its base.
		if !rootInfo.IsDir() {
			e := entryFromInfo(filepath.Base(rootAbs), rootAbs, rootInfo)
			if addErr := addUnique(seen, &entries, e); addErr != nil {
				return nil, warnings, addErr
			}
			continue
		}

		baseName := filepath.Base(rootAbs)
		walkErr := filepath.WalkDir(rootAbs, func(path string, d fs.DirEntry, werr error) error {
			if werr != nil {
				if path == rootAbs {
					return werr // root errors abort
				}
				warnings = append(warnings, Warning{Path: path, Err: werr})
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}

			info, infoErr := d.Info()
			if infoErr != nil {
				warnings = append(warnings, Warning{Path: path, Err: infoErr})
				if d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}

			// Only regular files and directories are archived; sockets,
			// devices and symlinks are skipped with a warning.
			if !info.IsDir() && !info.Mode().IsRegular() {
				warnings = append(warnings, Warning{
					Path: path,
					Err:  fmt.Errorf("unsupported file type %s", info.Mode().Type()),
				})
				return nil
			}

			rel, relErr := filepath.Rel(rootAbs, path)
			if relErr != nil {
				return relErr
			}
			name := baseName
			if rel != "." {
				name = baseName + "/" + filepath.ToSlash(rel)
			}

			return addUnique(seen, &entries, entryFromInfo(name, path, info))
		})
		if walkErr != nil {
			return nil, warnings, walkErr
		}
	}

	return entries, warnings, nil
}

func entryFromInfo(name, fullPath string, info fs.FileInfo) Entry {
	e := Entry{
		Name:       filepath.ToSlash(name),
		FullPath:   fullPath,
		ModTime:    info.ModTime().Unix(),
		Attributes: attributeBits(info),
		IsDir:      info.IsDir(),
	}
	if !e.IsDir {
		e.Size = info.Size()
	}
	return e
}

func addUnique(seen map[string]struct{}, entries *[]Entry, e Entry) error {
	if _, dup := seen[e.Name]; dup {
		return fmt.Errorf("duplicate archive name '%s' produced by input roots", e.Name)
	}
	seen[e.Name] = struct{}{}
	*entries = append(*entries, e)
	return nil
}

// TotalSize sums the uncompressed sizes of all file entries.
func TotalSize(entries []Entry) (total int64) {
	for i := range entries {
		if !entries[i].IsDir {
			total += entries[i].Size
		}
	}
	return
}

// SortedNames is a test/diagnostic helper: names in archive order are already
// deterministic, this returns an independently sorted copy for comparisons.
func SortedNames(entries []Entry) []string {
	names := make([]string, len(entries))
	for i := range entries {
		names[i] = entries[i].Name
	}
	sort.Strings(names)
	return names
}

// ValidateMemberName rejects names that would escape the extraction root.
func ValidateMemberName(name string) error {
	if name == "" {
		return fmt.Errorf("empty archive member name")
	}
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return fmt.Errorf("absolute archive member name '%s'", name)
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return fmt.Errorf("archive member name '%s' escapes the output directory", name)
		}
	}
	return nil
}
