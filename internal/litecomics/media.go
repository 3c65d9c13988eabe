package litecomics

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

var fixedMIMETypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".bmp":  "image/bmp",
	".avif": "image/avif",
	".mp4":  "video/mp4",
	".mkv":  "video/x-matroska",
	".webm": "video/webm",
	".m2ts": "video/mp2t",
	".ts":   "video/mp2t",
	".mp3":  "audio/mpeg",
	".flac": "audio/flac",
	".m4a":  "audio/mp4",
	".opus": "audio/ogg",
	".txt":  "text/plain; charset=utf-8",
	".json": "application/json",
}

// MIMEType returns the content type for a file name by extension, defaulting to
// application/octet-stream.
func MIMEType(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if t, ok := fixedMIMETypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

// errResponseCommitted marks failures after the status line was written; only logging
// is possible then.
var errResponseCommitted = errors.New("response already committed")

// byteRange is a satisfiable single range: length bytes starting at start.
type byteRange struct {
	start  int64
	length int64
}

// parseRange parses a single-range "bytes=" header against a resource of size bytes.
// ok is false when header is empty. Forms: "a-b", "a-" and "-n". An end past the resource
// is clamped to its last byte.
func parseRange(header string, size int64) (r byteRange, ok bool, err error) {
	if header == "" {
		return byteRange{}, false, nil
	}
	unit, spec, found := strings.Cut(header, "=")
	if !found || strings.TrimSpace(unit) != "bytes" {
		return byteRange{}, false, fmt.Errorf("%w: unsupported unit in %q", ErrInvalidRange, header)
	}
	spec = strings.TrimSpace(spec)
	if strings.Contains(spec, ",") {
		return byteRange{}, false, fmt.Errorf("%w: multiple ranges are not supported", ErrInvalidRange)
	}
	first, last, found := strings.Cut(spec, "-")
	if !found {
		return byteRange{}, false, fmt.Errorf("%w: %q", ErrInvalidRange, header)
	}
	first, last = strings.TrimSpace(first), strings.TrimSpace(last)

	if first == "" {
		// Suffix range: the last n bytes.
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n < 0 {
			return byteRange{}, false, fmt.Errorf("%w: %q", ErrInvalidRange, header)
		}
		if n == 0 || size == 0 {
			return byteRange{}, false, fmt.Errorf("%w: %q", ErrRangeNotSatisfiable, header)
		}
		n = min(n, size)
		return byteRange{start: size - n, length: n}, true, nil
	}

	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return byteRange{}, false, fmt.Errorf("%w: %q", ErrInvalidRange, header)
	}
	end := size - 1
	if last != "" {
		end, err = strconv.ParseInt(last, 10, 64)
		if err != nil || end < start {
			return byteRange{}, false, fmt.Errorf("%w: %q", ErrInvalidRange, header)
		}
	}
	if start >= size {
		return byteRange{}, false, fmt.Errorf("%w: %q", ErrRangeNotSatisfiable, header)
	}
	end = min(end, size-1)
	return byteRange{start: start, length: end - start + 1}, true, nil
}

// StreamFile serves the regular file at fullPath honoring a single-range Range header.
//
// Errors other than errResponseCommitted are returned before any header is committed so
// the caller can choose the error response; for an unsatisfiable range the Content-Range
// header is already set. HEAD requests get headers only.
func StreamFile(w http.ResponseWriter, r *http.Request, fullPath, contentType string) error {
	//nolint:gosec // G304: path is resolved under a configured root
	f, err := os.Open(fullPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, filepath.Base(fullPath))
		}
		return err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: %s is not a file", ErrNotFound, filepath.Base(fullPath))
	}
	size := info.Size()

	h := w.Header()
	h.Set("Accept-Ranges", "bytes")

	br, partial, err := parseRange(r.Header.Get("Range"), size)
	if err != nil {
		if errors.Is(err, ErrRangeNotSatisfiable) {
			h.Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		}
		return err
	}

	h.Set("Content-Type", contentType)
	h.Set("Last-Modified", info.ModTime().UTC().Format(http.TimeFormat))

	status := http.StatusOK
	body := io.Reader(f)
	length := size
	if partial {
		status = http.StatusPartialContent
		length = br.length
		body = io.NewSectionReader(f, br.start, br.length)
		h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", br.start, br.start+br.length-1, size))
	}
	h.Set("Content-Length", strconv.FormatInt(length, 10))
	w.WriteHeader(status)

	if r.Method == http.MethodHead {
		return nil
	}
	if _, err := io.CopyN(w, body, length); err != nil {
		return fmt.Errorf("%w: %w", errResponseCommitted, err)
	}
	return nil
}
