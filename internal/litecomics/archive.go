package litecomics

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/maruel/natural"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/transform"
)

// ArchiveFormat identifies one ArchiveReader variant.
type ArchiveFormat string

const (
	FormatZip      ArchiveFormat = "zip"
	FormatRar      ArchiveFormat = "rar"
	FormatSevenZip ArchiveFormat = "7z"
)

var archiveExtensions = map[string]ArchiveFormat{
	".zip":  FormatZip,
	".cbz":  FormatZip,
	".epub": FormatZip,
	".rar":  FormatRar,
	".cbr":  FormatRar,
	".7z":   FormatSevenZip,
	".cb7":  FormatSevenZip,
}

// DetectFormat picks the archive variant for a file by its extension.
func DetectFormat(name string) (ArchiveFormat, bool) {
	f, ok := archiveExtensions[strings.ToLower(filepath.Ext(name))]
	return f, ok
}

// IsArchive reports whether name has a supported archive extension.
func IsArchive(name string) bool {
	_, ok := DetectFormat(name)
	return ok
}

// ArchiveReader lists and extracts the file entries of one archive format.
//
// List returns every non-directory entry name in archive order. Extract returns the
// bytes of a single entry; a missing entry yields an *ExtractError wrapping ErrNotFound.
type ArchiveReader interface {
	List(ctx context.Context, archivePath string) ([]string, error)
	Extract(ctx context.Context, archivePath, entry string) ([]byte, error)
}

var defaultImageExtensions = []string{".jpg", ".jpeg", ".png", ".gif", ".webp", ".bmp", ".avif"}

// ImageFilter decides which archive entries are pages.
type ImageFilter struct {
	exts map[string]struct{}
}

// NewImageFilter returns the default image extensions plus extra (each ".ext", lowercase).
func NewImageFilter(extra []string) ImageFilter {
	f := ImageFilter{exts: make(map[string]struct{}, len(defaultImageExtensions)+len(extra))}
	for _, e := range defaultImageExtensions {
		f.exts[e] = struct{}{}
	}
	for _, e := range extra {
		f.exts[strings.ToLower(e)] = struct{}{}
	}
	return f
}

// Match reports whether an entry name has an image extension. Directory entries never match.
func (f ImageFilter) Match(name string) bool {
	if name == "" || strings.HasSuffix(name, "/") || strings.HasSuffix(name, "\\") {
		return false
	}
	_, ok := f.exts[strings.ToLower(path.Ext(strings.ReplaceAll(name, "\\", "/")))]
	return ok
}

// NaturalLess orders names case-insensitively with digit runs compared as integers.
// Names that differ only in case fall back to a case-sensitive comparison so the order
// is total.
func NaturalLess(a, b string) bool {
	la, lb := strings.ToLower(a), strings.ToLower(b)
	if la != lb {
		return natural.Less(la, lb)
	}
	return natural.Less(a, b)
}

// SortNatural sorts names in place by NaturalLess.
func SortNatural(names []string) {
	sort.SliceStable(names, func(i, j int) bool { return NaturalLess(names[i], names[j]) })
}

// DisplayName converts a raw entry name into valid UTF-8 for clients. Names that are not
// valid UTF-8 are assumed to be Shift_JIS, the common legacy encoding for comic archives.
func DisplayName(raw string) string {
	if utf8.ValidString(raw) {
		return raw
	}
	decoded, _, err := transform.String(japanese.ShiftJIS.NewDecoder(), raw)
	if err != nil {
		return strings.ToValidUTF8(raw, "�")
	}
	return decoded
}

// Archives dispatches to the ArchiveReader for each format, filters and orders listings,
// and runs every read on the archive worker pool.
type Archives struct {
	readers  map[ArchiveFormat]ArchiveReader
	filter   ImageFilter
	pool     *WorkerPool
	failures *FailureCache
	metrics  *Metrics
	logger   *slog.Logger
}

// ArchivesOptions configures NewArchives.
type ArchivesOptions struct {
	Readers  map[ArchiveFormat]ArchiveReader
	Filter   ImageFilter
	Pool     *WorkerPool
	Failures *FailureCache
	Metrics  *Metrics
	Logger   *slog.Logger
}

// NewArchives constructs the archive dispatcher. A nil Pool runs reads on the caller's
// goroutine; a nil Failures disables negative caching.
func NewArchives(opts ArchivesOptions) *Archives {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(discardWriter{}, nil))
	}
	filter := opts.Filter
	if filter.exts == nil {
		filter = NewImageFilter(nil)
	}
	return &Archives{
		readers:  opts.Readers,
		filter:   filter,
		pool:     opts.Pool,
		failures: opts.Failures,
		metrics:  opts.Metrics,
		logger:   logger,
	}
}

func (a *Archives) readerFor(archivePath string) (ArchiveFormat, ArchiveReader, error) {
	format, ok := DetectFormat(archivePath)
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(archivePath))
	}
	r, ok := a.readers[format]
	if !ok || r == nil {
		return "", nil, fmt.Errorf("%w: no reader for %s", ErrUnsupportedFormat, format)
	}
	return format, r, nil
}

func statArchive(archivePath string) error {
	fi, err := os.Stat(archivePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, filepath.Base(archivePath))
		}
		return err
	}
	if fi.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrNotFound, filepath.Base(archivePath))
	}
	return nil
}

// ListImages returns the naturally ordered image entries of the archive.
//
// Failures are *ArchiveReadError values naming the archive, except for a missing archive
// file which is reported as ErrNotFound.
func (a *Archives) ListImages(ctx context.Context, archivePath string) ([]string, error) {
	if err := statArchive(archivePath); err != nil {
		return nil, err
	}
	format, reader, err := a.readerFor(archivePath)
	if err != nil {
		return nil, &ArchiveReadError{Archive: archivePath, Err: err}
	}

	if cached := a.failures.Check(archivePath); cached != nil {
		a.metrics.IncArchiveFailuresCached()
		return nil, cached
	}

	start := time.Now()
	var names []string
	err = a.pool.Do(ctx, func(ctx context.Context) error {
		var lerr error
		names, lerr = reader.List(ctx, archivePath)
		return lerr
	})
	a.metrics.ObserveArchiveList(string(format), time.Since(start), err)

	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var are *ArchiveReadError
		if !errors.As(err, &are) {
			are = &ArchiveReadError{Archive: archivePath, Err: err}
		}
		a.failures.Record(archivePath, are)
		a.logger.Warn("archive listing failed", "archive", filepath.Base(archivePath), "format", format, "error", err)
		return nil, are
	}
	a.failures.Clear(archivePath)

	images := make([]string, 0, len(names))
	for _, n := range names {
		if a.filter.Match(n) {
			images = append(images, n)
		}
	}
	SortNatural(images)
	return images, nil
}

// ExtractEntry returns the bytes of one entry of the archive.
func (a *Archives) ExtractEntry(ctx context.Context, archivePath, entry string) ([]byte, error) {
	if err := statArchive(archivePath); err != nil {
		return nil, err
	}
	format, reader, err := a.readerFor(archivePath)
	if err != nil {
		return nil, &ExtractError{Archive: archivePath, Entry: entry, Err: err}
	}

	start := time.Now()
	var data []byte
	err = a.pool.Do(ctx, func(ctx context.Context) error {
		var xerr error
		data, xerr = reader.Extract(ctx, archivePath, entry)
		return xerr
	})
	a.metrics.ObserveArchiveExtract(string(format), time.Since(start), err)

	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var xe *ExtractError
		if !errors.As(err, &xe) {
			xe = &ExtractError{Archive: archivePath, Entry: entry, Err: err}
		}
		return nil, xe
	}
	return data, nil
}
