package litecomics

import (
	"log/slog"
	"os/exec"
)

// BackendOptions selects the ArchiveReader implementations for RAR and 7z.
type BackendOptions struct {
	Backend      string // BackendAuto, BackendTool or BackendNative
	UnrarPath    string
	SevenZipPath string
	MaxBytes     int64
	ZipHandles   *ZipHandleCache

	// LookPath resolves tool binaries for BackendAuto; exec.LookPath when nil.
	LookPath func(file string) (string, error)
}

// NewArchiveReaders builds the per-format reader table. With BackendAuto each tool format
// uses its external binary when one is found and falls back to the native reader.
func NewArchiveReaders(opts BackendOptions, logger *slog.Logger) map[ArchiveFormat]ArchiveReader {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(discardWriter{}, nil))
	}
	lookPath := opts.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}

	useTool := func(bin string) (string, bool) {
		switch opts.Backend {
		case BackendTool:
			return bin, true
		case BackendNative:
			return "", false
		}
		p, err := lookPath(bin)
		if err != nil {
			return "", false
		}
		return p, true
	}

	readers := map[ArchiveFormat]ArchiveReader{
		FormatZip: NewZipReader(opts.ZipHandles, opts.MaxBytes),
	}

	if bin, ok := useTool(opts.UnrarPath); ok {
		readers[FormatRar] = NewUnrarReader(bin, opts.MaxBytes)
		logger.Info("rar backend", "backend", BackendTool, "binary", bin)
	} else {
		readers[FormatRar] = NewNativeRarReader(opts.MaxBytes)
		logger.Info("rar backend", "backend", BackendNative)
	}

	if bin, ok := useTool(opts.SevenZipPath); ok {
		readers[FormatSevenZip] = NewSevenZipReader(bin, opts.MaxBytes)
		logger.Info("7z backend", "backend", BackendTool, "binary", bin)
	} else {
		readers[FormatSevenZip] = NewNativeSevenZipReader(opts.MaxBytes)
		logger.Info("7z backend", "backend", BackendNative)
	}

	return readers
}
