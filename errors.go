package szarc

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
)

// Kind classifies engine failures so callers can branch on the outcome
// without string matching.
type Kind int

const (
	KindUnknown Kind = iota
	KindPathNotFound
	KindPermissionDenied
	KindIO
	KindCorruptArchive
	KindWrongPassword
	KindUnsupportedConfig
	KindResourceExhausted
	KindCancelled
)

var kindNames = map[Kind]string{
	KindUnknown:           "unknown",
	KindPathNotFound:      "path not found",
	KindPermissionDenied:  "permission denied",
	KindIO:                "i/o failure",
	KindCorruptArchive:    "corrupt archive",
	KindWrongPassword:     "wrong password",
	KindUnsupportedConfig: "unsupported configuration",
	KindResourceExhausted: "resource exhausted",
	KindCancelled:         "cancelled",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ArchiveError is the engine's error envelope. Path names the file or
// archive member involved when one is known; Offset is a byte position
// within the archive stream for corruption findings, -1 otherwise.
type ArchiveError struct {
	Kind   Kind
	Path   string
	Offset int64
	Err    error
}

func (e *ArchiveError) Error() string {
	msg := e.Kind.String()
	if e.Path != "" {
		msg += ": " + e.Path
	}
	if e.Offset >= 0 {
		msg += fmt.Sprintf(" @%d", e.Offset)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ArchiveError) Unwrap() error { return e.Err }

// KindOf extracts the classification of any error returned by this
// package. Unwrapped foreign errors are mapped by their os/fs category.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var ae *ArchiveError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	case errors.Is(err, fs.ErrNotExist):
		return KindPathNotFound
	case errors.Is(err, fs.ErrPermission):
		return KindPermissionDenied
	}
	return KindUnknown
}

func errKind(kind Kind, path string, err error) *ArchiveError {
	return &ArchiveError{Kind: kind, Path: path, Offset: -1, Err: err}
}

func errKindf(kind Kind, path, format string, args ...interface{}) *ArchiveError {
	return errKind(kind, path, fmt.Errorf(format, args...))
}

// classifyPathErr wraps a filesystem error with the matching taxonomy
// kind.
func classifyPathErr(path string, err error) *ArchiveError {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return errKind(KindPathNotFound, path, err)
	case errors.Is(err, fs.ErrPermission):
		return errKind(KindPermissionDenied, path, err)
	default:
		return errKind(KindIO, path, err)
	}
}

// corruptAt tags a corruption finding with its stream position.
func corruptAt(path string, offset int64, format string, args ...interface{}) *ArchiveError {
	return &ArchiveError{Kind: KindCorruptArchive, Path: path, Offset: offset, Err: fmt.Errorf(format, args...)}
}
