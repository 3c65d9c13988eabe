package litecomics

import (
	"context"
	"fmt"
	"io"
)

// zipReader reads zip, cbz and epub archives in process.
type zipReader struct {
	handles  *ZipHandleCache
	maxBytes int64
}

// NewZipReader constructs the in-process zip ArchiveReader. handles may be nil.
func NewZipReader(handles *ZipHandleCache, maxBytes int64) ArchiveReader {
	return &zipReader{handles: handles, maxBytes: maxBytes}
}

func (z *zipReader) List(_ context.Context, archivePath string) ([]string, error) {
	h, err := z.handles.Acquire(archivePath)
	if err != nil {
		return nil, &ArchiveReadError{Archive: archivePath, Err: err}
	}
	defer z.handles.Release(h)

	names := make([]string, 0, len(h.reader.File))
	for _, f := range h.reader.File {
		if f.FileInfo().IsDir() {
			continue
		}
		names = append(names, f.Name)
	}
	return names, nil
}

func (z *zipReader) Extract(_ context.Context, archivePath, entry string) ([]byte, error) {
	h, err := z.handles.Acquire(archivePath)
	if err != nil {
		return nil, &ExtractError{Archive: archivePath, Entry: entry, Err: err}
	}
	defer z.handles.Release(h)

	f := h.index[entry]
	if f == nil || f.FileInfo().IsDir() {
		return nil, &ExtractError{Archive: archivePath, Entry: entry, Err: ErrNotFound}
	}
	if z.maxBytes > 0 && f.UncompressedSize64 > uint64(z.maxBytes) {
		return nil, &ExtractError{Archive: archivePath, Entry: entry, Err: ErrEntryTooLarge}
	}

	rc, err := f.Open()
	if err != nil {
		return nil, &ExtractError{Archive: archivePath, Entry: entry, Err: fmt.Errorf("open entry: %w", err)}
	}
	defer func() { _ = rc.Close() }()

	data, err := readBounded(rc, z.maxBytes)
	if err != nil {
		return nil, &ExtractError{Archive: archivePath, Entry: entry, Err: err}
	}
	return data, nil
}

// readBounded reads r to EOF, failing with ErrEntryTooLarge once more than limit bytes
// arrive. limit <= 0 means unbounded.
func readBounded(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, ErrEntryTooLarge
	}
	return data, nil
}
