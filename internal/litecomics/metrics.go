package litecomics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "litecomics"

// Metrics provides low-cardinality Prometheus metrics for litecomics.
//
// Request metrics are labeled by route template only (never by path, root or status);
// archive metrics are labeled by archive format.
//
// All methods are safe to call on a nil *Metrics.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	rootsConfigured prometheus.Gauge

	imageListEntries   prometheus.Gauge
	imageListHits      prometheus.Counter
	imageListMisses    prometheus.Counter
	imageListEvictions prometheus.Counter

	thumbEntries   prometheus.Gauge
	thumbBytes     prometheus.Gauge
	thumbHits      prometheus.Counter
	thumbMisses    prometheus.Counter
	thumbEvictions prometheus.Counter

	pageCacheBytes     prometheus.Gauge
	pageCacheItems     prometheus.Gauge
	pageCacheHits      prometheus.Counter
	pageCacheMisses    prometheus.Counter
	pageCacheEvictions prometheus.Counter

	zipHandlesOpen     prometheus.Gauge
	zipHandleEvictions prometheus.Counter

	archiveWorkersBusy     prometheus.Gauge
	archiveListDuration    *prometheus.HistogramVec
	archiveExtractDuration *prometheus.HistogramVec
	archiveErrors          *prometheus.CounterVec
	archiveFailuresCached  prometheus.Counter
}

// NewMetrics constructs and registers the service's metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	gauge := func(subsystem, name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Subsystem: subsystem, Name: name, Help: help,
		})
	}
	counter := func(subsystem, name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: subsystem, Name: name, Help: help,
		})
	}

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by route.",
		}, []string{"route"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),

		rootsConfigured: gauge("", "roots_configured", "Number of configured roots."),

		imageListEntries:   gauge("image_list_cache", "entries", "Archives whose image list is cached."),
		imageListHits:      counter("image_list_cache", "hits_total", "Image list cache hits."),
		imageListMisses:    counter("image_list_cache", "misses_total", "Image list cache misses."),
		imageListEvictions: counter("image_list_cache", "evictions_total", "Image list cache evictions."),

		thumbEntries:   gauge("thumbnail_cache", "entries", "Thumbnails held in the on-disk cache."),
		thumbBytes:     gauge("thumbnail_cache", "bytes", "Total size of cached thumbnails in bytes."),
		thumbHits:      counter("thumbnail_cache", "hits_total", "Thumbnail cache hits."),
		thumbMisses:    counter("thumbnail_cache", "misses_total", "Thumbnail cache misses."),
		thumbEvictions: counter("thumbnail_cache", "evictions_total", "Thumbnail cache evictions."),

		pageCacheBytes:     gauge("page_cache", "bytes", "Bytes of extracted pages held in memory."),
		pageCacheItems:     gauge("page_cache", "items", "Extracted pages held in memory."),
		pageCacheHits:      counter("page_cache", "hits_total", "Page cache hits."),
		pageCacheMisses:    counter("page_cache", "misses_total", "Page cache misses."),
		pageCacheEvictions: counter("page_cache", "evictions_total", "Page cache evictions."),

		zipHandlesOpen:     gauge("zip_handles", "open", "Zip archives currently held open."),
		zipHandleEvictions: counter("zip_handles", "evictions_total", "Zip handle cache evictions."),

		archiveWorkersBusy: gauge("archive", "workers_busy", "Archive worker slots currently in use."),

		archiveListDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "archive",
			Name:      "list_duration_seconds",
			Help:      "Duration of archive listings in seconds by format.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"format"}),
		archiveExtractDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "archive",
			Name:      "extract_duration_seconds",
			Help:      "Duration of single-entry extractions in seconds by format.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"format"}),
		archiveErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "archive",
			Name:      "errors_total",
			Help:      "Failed archive listings and extractions by format.",
		}, []string{"format"}),
		archiveFailuresCached: counter("archive", "listing_failures_cached_total",
			"Listings answered from the failure cache without reading the archive."),
	}

	reg.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.rootsConfigured,
		m.imageListEntries,
		m.imageListHits,
		m.imageListMisses,
		m.imageListEvictions,
		m.thumbEntries,
		m.thumbBytes,
		m.thumbHits,
		m.thumbMisses,
		m.thumbEvictions,
		m.pageCacheBytes,
		m.pageCacheItems,
		m.pageCacheHits,
		m.pageCacheMisses,
		m.pageCacheEvictions,
		m.zipHandlesOpen,
		m.zipHandleEvictions,
		m.archiveWorkersBusy,
		m.archiveListDuration,
		m.archiveExtractDuration,
		m.archiveErrors,
		m.archiveFailuresCached,
	)

	return m
}

func (m *Metrics) ObserveRequest(route string, d time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(route).Inc()
	m.requestDuration.WithLabelValues(route).Observe(d.Seconds())
}

func (m *Metrics) SetRootsConfigured(n int) {
	if m == nil {
		return
	}
	m.rootsConfigured.Set(float64(n))
}

func (m *Metrics) SetImageListEntries(n int) {
	if m == nil {
		return
	}
	m.imageListEntries.Set(float64(n))
}

func (m *Metrics) IncImageListHits() {
	if m == nil {
		return
	}
	m.imageListHits.Inc()
}

func (m *Metrics) IncImageListMisses() {
	if m == nil {
		return
	}
	m.imageListMisses.Inc()
}

func (m *Metrics) IncImageListEvictions() {
	if m == nil {
		return
	}
	m.imageListEvictions.Inc()
}

func (m *Metrics) SetThumbnailCache(entries int, bytes int64) {
	if m == nil {
		return
	}
	m.thumbEntries.Set(float64(entries))
	m.thumbBytes.Set(float64(bytes))
}

func (m *Metrics) IncThumbnailHits() {
	if m == nil {
		return
	}
	m.thumbHits.Inc()
}

func (m *Metrics) IncThumbnailMisses() {
	if m == nil {
		return
	}
	m.thumbMisses.Inc()
}

func (m *Metrics) IncThumbnailEvictions() {
	if m == nil {
		return
	}
	m.thumbEvictions.Inc()
}

func (m *Metrics) SetPageCache(bytes int64, items int) {
	if m == nil {
		return
	}
	m.pageCacheBytes.Set(float64(bytes))
	m.pageCacheItems.Set(float64(items))
}

func (m *Metrics) IncPageCacheHits() {
	if m == nil {
		return
	}
	m.pageCacheHits.Inc()
}

func (m *Metrics) IncPageCacheMisses() {
	if m == nil {
		return
	}
	m.pageCacheMisses.Inc()
}

func (m *Metrics) IncPageCacheEvictions() {
	if m == nil {
		return
	}
	m.pageCacheEvictions.Inc()
}

func (m *Metrics) SetZipHandlesOpen(n int) {
	if m == nil {
		return
	}
	m.zipHandlesOpen.Set(float64(n))
}

func (m *Metrics) IncZipHandleEvictions() {
	if m == nil {
		return
	}
	m.zipHandleEvictions.Inc()
}

func (m *Metrics) AddArchiveWorkersBusy(delta int) {
	if m == nil {
		return
	}
	m.archiveWorkersBusy.Add(float64(delta))
}

func (m *Metrics) ObserveArchiveList(format string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.archiveListDuration.WithLabelValues(format).Observe(d.Seconds())
	if err != nil {
		m.archiveErrors.WithLabelValues(format).Inc()
	}
}

func (m *Metrics) ObserveArchiveExtract(format string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.archiveExtractDuration.WithLabelValues(format).Observe(d.Seconds())
	if err != nil {
		m.archiveErrors.WithLabelValues(format).Inc()
	}
}

func (m *Metrics) IncArchiveFailuresCached() {
	if m == nil {
		return
	}
	m.archiveFailuresCached.Inc()
}
