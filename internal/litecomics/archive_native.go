package litecomics

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/bodgit/sevenzip"
	"github.com/nwaples/rardecode/v2"
)

// nativeRarReader reads RAR archives in process. Used when no unrar binary is available
// or the native backend is configured.
type nativeRarReader struct {
	maxBytes int64
}

// NewNativeRarReader constructs the in-process RAR ArchiveReader.
func NewNativeRarReader(maxBytes int64) ArchiveReader {
	return &nativeRarReader{maxBytes: maxBytes}
}

func (n *nativeRarReader) List(ctx context.Context, archivePath string) ([]string, error) {
	r, err := rardecode.OpenReader(archivePath)
	if err != nil {
		return nil, &ArchiveReadError{Archive: archivePath, Err: fmt.Errorf("open rar: %w", err)}
	}
	defer func() { _ = r.Close() }()

	var names []string
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hdr, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &ArchiveReadError{Archive: archivePath, Err: err}
		}
		if !hdr.IsDir {
			names = append(names, hdr.Name)
		}
	}
	return names, nil
}

func (n *nativeRarReader) Extract(ctx context.Context, archivePath, entry string) ([]byte, error) {
	r, err := rardecode.OpenReader(archivePath)
	if err != nil {
		return nil, &ExtractError{Archive: archivePath, Entry: entry, Err: fmt.Errorf("open rar: %w", err)}
	}
	defer func() { _ = r.Close() }()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hdr, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil, &ExtractError{Archive: archivePath, Entry: entry, Err: ErrNotFound}
		}
		if err != nil {
			return nil, &ExtractError{Archive: archivePath, Entry: entry, Err: err}
		}
		if hdr.IsDir || hdr.Name != entry {
			continue
		}
		if n.maxBytes > 0 && !hdr.UnKnownSize && hdr.UnPackedSize > n.maxBytes {
			return nil, &ExtractError{Archive: archivePath, Entry: entry, Err: ErrEntryTooLarge}
		}
		data, err := readBounded(r, n.maxBytes)
		if err != nil {
			return nil, &ExtractError{Archive: archivePath, Entry: entry, Err: err}
		}
		return data, nil
	}
}

// nativeSevenZipReader reads 7z archives in process.
type nativeSevenZipReader struct {
	maxBytes int64
}

// NewNativeSevenZipReader constructs the in-process 7z ArchiveReader.
func NewNativeSevenZipReader(maxBytes int64) ArchiveReader {
	return &nativeSevenZipReader{maxBytes: maxBytes}
}

func (n *nativeSevenZipReader) List(_ context.Context, archivePath string) ([]string, error) {
	r, err := sevenzip.OpenReader(archivePath)
	if err != nil {
		return nil, &ArchiveReadError{Archive: archivePath, Err: fmt.Errorf("open 7z: %w", err)}
	}
	defer func() { _ = r.Close() }()

	names := make([]string, 0, len(r.File))
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		names = append(names, f.Name)
	}
	return names, nil
}

func (n *nativeSevenZipReader) Extract(_ context.Context, archivePath, entry string) ([]byte, error) {
	r, err := sevenzip.OpenReader(archivePath)
	if err != nil {
		return nil, &ExtractError{Archive: archivePath, Entry: entry, Err: fmt.Errorf("open 7z: %w", err)}
	}
	defer func() { _ = r.Close() }()

	for _, f := range r.File {
		if f.Name != entry || f.FileInfo().IsDir() {
			continue
		}
		if n.maxBytes > 0 && f.UncompressedSize > uint64(n.maxBytes) {
			return nil, &ExtractError{Archive: archivePath, Entry: entry, Err: ErrEntryTooLarge}
		}
		rc, err := f.Open()
		if err != nil {
			return nil, &ExtractError{Archive: archivePath, Entry: entry, Err: fmt.Errorf("open entry: %w", err)}
		}
		data, err := readBounded(rc, n.maxBytes)
		_ = rc.Close()
		if err != nil {
			return nil, &ExtractError{Archive: archivePath, Entry: entry, Err: err}
		}
		return data, nil
	}
	return nil, &ExtractError{Archive: archivePath, Entry: entry, Err: ErrNotFound}
}
