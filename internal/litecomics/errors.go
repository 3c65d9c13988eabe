package litecomics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
)

var (
	// ErrUnknownRoot indicates the first path segment names no configured root (404).
	ErrUnknownRoot = errors.New("unknown root")

	// ErrPathTraversal indicates the relative path escapes its root (404).
	ErrPathTraversal = errors.New("path escapes root")

	// ErrNotFound indicates the requested file or archive entry does not exist (404).
	ErrNotFound = errors.New("not found")

	// ErrIndexOutOfRange indicates a page index outside the archive's image list (404).
	ErrIndexOutOfRange = fmt.Errorf("%w: index out of range", ErrNotFound)

	// ErrUnsupportedFormat indicates a file extension no ArchiveReader handles.
	ErrUnsupportedFormat = errors.New("unsupported archive format")

	// ErrEntryTooLarge indicates an extracted entry exceeded the configured byte bound.
	ErrEntryTooLarge = errors.New("entry exceeds extraction limit")

	// ErrInvalidPath indicates a request path that cannot be decoded (400).
	ErrInvalidPath = errors.New("invalid path")

	// ErrInvalidRange indicates a malformed or multi-range Range header (400).
	ErrInvalidRange = errors.New("invalid range")

	// ErrRangeNotSatisfiable indicates a range starting beyond the end of the file (416).
	ErrRangeNotSatisfiable = errors.New("range not satisfiable")
)

// ArchiveReadError reports a failed or unparsable archive listing.
type ArchiveReadError struct {
	Archive string
	Err     error
}

func (e *ArchiveReadError) Error() string {
	return fmt.Sprintf("read archive %s: %v", filepath.Base(e.Archive), e.Err)
}

func (e *ArchiveReadError) Unwrap() error { return e.Err }

// ExtractError reports a failed single-entry extraction.
type ExtractError struct {
	Archive string
	Entry   string
	Err     error
}

func (e *ExtractError) Error() string {
	return fmt.Sprintf("extract %q from %s: %v", e.Entry, filepath.Base(e.Archive), e.Err)
}

func (e *ExtractError) Unwrap() error { return e.Err }

// statusClientClosedRequest is reported when the client went away before the response
// was ready. Nothing reaches the client; it only shows up in logs and metrics.
const statusClientClosedRequest = 499

// statusForError maps a core error onto the HTTP status the request layer reports.
func statusForError(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, context.Canceled):
		return statusClientClosedRequest
	case errors.Is(err, ErrUnknownRoot), errors.Is(err, ErrPathTraversal), errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidRange), errors.Is(err, ErrInvalidPath):
		return http.StatusBadRequest
	case errors.Is(err, ErrRangeNotSatisfiable):
		return http.StatusRequestedRangeNotSatisfiable
	default:
		return http.StatusInternalServerError
	}
}
