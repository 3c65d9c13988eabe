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
)

// Entry types reported by directory listings.
const (
	TypeDirectory = "directory"
	TypeBook      = "book"
	TypeVideo     = "video"
	TypeAudio     = "audio"
	TypeFile      = "file"
)

var (
	videoExtensions = map[string]struct{}{
		".mp4": {}, ".mkv": {}, ".webm": {}, ".avi": {}, ".mov": {}, ".m2ts": {},
		".ts": {}, ".wmv": {}, ".flv": {}, ".mpg": {}, ".mpeg": {},
	}
	audioExtensions = map[string]struct{}{
		".mp3": {}, ".flac": {}, ".wav": {}, ".ogg": {}, ".m4a": {}, ".aac": {},
		".wma": {}, ".opus": {},
	}
)

// ClassifyName returns the entry type of a non-directory file by extension.
func ClassifyName(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if _, ok := archiveExtensions[ext]; ok {
		return TypeBook
	}
	if _, ok := videoExtensions[ext]; ok {
		return TypeVideo
	}
	if _, ok := audioExtensions[ext]; ok {
		return TypeAudio
	}
	return TypeFile
}

// FileItem is one entry of a directory or roots listing.
type FileItem struct {
	Name     string    `json:"name"`
	Path     string    `json:"path"`
	Type     string    `json:"type"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// Library ties path resolution, archive access and the caches together. It is the
// only thing the request layer talks to.
type Library struct {
	roots       *RootMapping
	archives    *Archives
	lists       *ImageListCache
	pages       *PageCache
	thumbs      *ThumbnailCache
	thumbMaxDim int
	logger      *slog.Logger
}

// LibraryOptions configures NewLibrary. Pages may be nil.
type LibraryOptions struct {
	Roots       *RootMapping
	Archives    *Archives
	Lists       *ImageListCache
	Pages       *PageCache
	Thumbs      *ThumbnailCache
	ThumbMaxDim int
	Logger      *slog.Logger
}

func NewLibrary(opts LibraryOptions) *Library {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(discardWriter{}, nil))
	}
	return &Library{
		roots:       opts.Roots,
		archives:    opts.Archives,
		lists:       opts.Lists,
		pages:       opts.Pages,
		thumbs:      opts.Thumbs,
		thumbMaxDim: opts.ThumbMaxDim,
		logger:      logger,
	}
}

// Resolve maps a logical path onto the filesystem.
func (l *Library) Resolve(requestPath string) (ResolvedPath, error) {
	return l.roots.Resolve(requestPath)
}

// Roots lists the configured roots that currently exist on disk.
func (l *Library) Roots() []FileItem {
	roots := l.roots.Roots()
	items := make([]FileItem, 0, len(roots))
	for _, r := range roots {
		info, err := os.Stat(r.Path)
		if err != nil {
			l.logger.Warn("root unavailable", "root", r.Name, "path", r.Path, "error", err)
			continue
		}
		items = append(items, FileItem{
			Name:     r.Name,
			Path:     r.Name,
			Type:     TypeDirectory,
			Size:     info.Size(),
			Modified: info.ModTime(),
		})
	}
	return items
}

// ListDir lists a directory: directories first, then everything else, each group in
// natural name order.
func (l *Library) ListDir(rp ResolvedPath) ([]FileItem, error) {
	info, err := os.Stat(rp.FullPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, rp.RelativePath)
		}
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrNotFound, rp.RelativePath)
	}

	des, err := os.ReadDir(rp.FullPath)
	if err != nil {
		return nil, fmt.Errorf("read directory: %w", err)
	}

	items := make([]FileItem, 0, len(des))
	for _, de := range des {
		fi, err := de.Info()
		if err != nil {
			continue
		}
		typ := TypeDirectory
		if !de.IsDir() {
			typ = ClassifyName(de.Name())
		}
		items = append(items, FileItem{
			Name:     de.Name(),
			Path:     path.Join(rp.RootName, rp.RelativePath, de.Name()),
			Type:     typ,
			Size:     fi.Size(),
			Modified: fi.ModTime(),
		})
	}

	sort.SliceStable(items, func(i, j int) bool {
		di, dj := items[i].Type == TypeDirectory, items[j].Type == TypeDirectory
		if di != dj {
			return di
		}
		return NaturalLess(items[i].Name, items[j].Name)
	})
	return items, nil
}

// Stat returns the file info of a regular file.
func (l *Library) Stat(rp ResolvedPath) (fs.FileInfo, error) {
	info, err := os.Stat(rp.FullPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, rp.RelativePath)
		}
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s is not a file", ErrNotFound, rp.RelativePath)
	}
	return info, nil
}

// Images returns the ordered image entries of the archive at archivePath.
func (l *Library) Images(ctx context.Context, archivePath string) ([]string, error) {
	return l.lists.GetOrLoad(ctx, archivePath)
}

// Page returns the bytes and entry name of page index (0-based).
func (l *Library) Page(ctx context.Context, archivePath string, index int) ([]byte, string, error) {
	images, err := l.Images(ctx, archivePath)
	if err != nil {
		return nil, "", err
	}
	if index < 0 || index >= len(images) {
		return nil, "", fmt.Errorf("%w: page %d of %d", ErrIndexOutOfRange, index, len(images))
	}
	entry := images[index]

	data, err := l.pages.GetOrLoad(ctx, archivePath, entry, func(ctx context.Context) ([]byte, error) {
		return l.archives.ExtractEntry(ctx, archivePath, entry)
	})
	if err != nil {
		return nil, "", err
	}
	return data, entry, nil
}

// Thumbnail returns the archive's thumbnail, the extension that determines its MIME
// type, and whether it came from the cache.
func (l *Library) Thumbnail(ctx context.Context, archivePath string) ([]byte, string, bool, error) {
	return l.thumbs.GetOrCreate(ctx, archivePath, func(ctx context.Context) ([]byte, string, error) {
		images, err := l.Images(ctx, archivePath)
		if err != nil {
			return nil, "", err
		}
		if len(images) == 0 {
			return nil, "", fmt.Errorf("%w: no images in %s", ErrNotFound, filepath.Base(archivePath))
		}
		data, entry, err := l.Page(ctx, archivePath, 0)
		if err != nil {
			return nil, "", err
		}
		ext := strings.ToLower(path.Ext(entry))
		if l.thumbMaxDim <= 0 {
			return data, ext, nil
		}
		scaled, changed, err := scaleThumbnail(data, l.thumbMaxDim)
		if err != nil {
			l.logger.Debug("thumbnail not scaled", "archive", filepath.Base(archivePath), "entry", entry, "error", err)
			return data, ext, nil
		}
		if changed {
			return scaled, ".jpg", nil
		}
		return data, ext, nil
	})
}
