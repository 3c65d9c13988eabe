package litecomics

import (
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
)

// App is a fully wired litecomics instance.
type App struct {
	Server  *Server
	Library *Library
	Metrics *Metrics

	zipHandles *ZipHandleCache
}

// NewApp builds every component from cfg and registers metrics on reg.
func NewApp(cfg Config, logger *slog.Logger, reg *prometheus.Registry) (*App, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	metrics := NewMetrics(reg)

	roots, err := NewRootMapping(cfg.Roots)
	if err != nil {
		return nil, fmt.Errorf("roots: %w", err)
	}
	metrics.SetRootsConfigured(len(roots.Roots()))
	for _, r := range roots.Roots() {
		logger.Info("root configured", "name", r.Name, "path", r.Path)
	}

	zipHandles := NewZipHandleCache(cfg.ZipHandleCacheMax, metrics)
	readers := NewArchiveReaders(BackendOptions{
		Backend:      cfg.ArchiveBackend,
		UnrarPath:    cfg.UnrarPath,
		SevenZipPath: cfg.SevenZipPath,
		MaxBytes:     cfg.ExtractMaxBytes,
		ZipHandles:   zipHandles,
	}, logger)

	archives := NewArchives(ArchivesOptions{
		Readers:  readers,
		Filter:   NewImageFilter(cfg.ExtraImageExts),
		Pool:     NewWorkerPool(cfg.ArchiveWorkers, metrics),
		Failures: NewFailureCache(cfg.ArchiveFailTTL, nil),
		Metrics:  metrics,
		Logger:   logger,
	})

	thumbs, err := OpenThumbnailCache(filepath.Join(cfg.CacheDir, "thumbnails"), cfg.ThumbnailCacheMax, metrics, logger)
	if err != nil {
		return nil, err
	}

	library := NewLibrary(LibraryOptions{
		Roots:       roots,
		Archives:    archives,
		Lists:       NewImageListCache(cfg.ImageListCacheMax, archives.ListImages, metrics),
		Pages:       NewPageCache(cfg.PageCacheBytes, metrics),
		Thumbs:      thumbs,
		ThumbMaxDim: cfg.ThumbnailMaxDim,
		Logger:      logger,
	})

	logger.Info("caches configured",
		"image_list_max", cfg.ImageListCacheMax,
		"thumbnail_max", cfg.ThumbnailCacheMax,
		"page_cache", humanize.IBytes(uint64(max(cfg.PageCacheBytes, 0))),
		"extract_max", humanize.IBytes(uint64(max(cfg.ExtractMaxBytes, 0))),
	)

	return &App{
		Server:     NewServer(cfg, logger, metrics, library, reg),
		Library:    library,
		Metrics:    metrics,
		zipHandles: zipHandles,
	}, nil
}

// HTTPServer returns an http.Server for the app configured with cfg's address, limits
// and timeouts.
func (a *App) HTTPServer(cfg Config) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           a.Server,
		ReadHeaderTimeout: cfg.HTTPReadHeaderTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		MaxHeaderBytes:    cfg.HTTPMaxHeaderBytes,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		ReadTimeout:       cfg.HTTPReadTimeout,
	}
}

// Close releases cached archive handles.
func (a *App) Close() {
	a.zipHandles.Close()
}
