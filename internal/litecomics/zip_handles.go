package litecomics

import (
	"archive/zip"
	"container/list"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"

	"golang.org/x/sync/singleflight"
)

// zipHandle is an open zip archive with its entry index.
//
// refs counts callers currently reading from the handle. A handle evicted while in use
// is closed by the last release.
type zipHandle struct {
	path    string
	reader  *zip.ReadCloser
	index   map[string]*zip.File
	refs    int
	evicted bool
	element *list.Element
}

func openZipHandle(path string) (*zipHandle, error) {
	//nolint:gosec // G304: path is resolved under a configured root
	reader, err := zip.OpenReader(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, filepath.Base(path))
		}
		return nil, fmt.Errorf("open zip: %w", err)
	}
	index := make(map[string]*zip.File, len(reader.File))
	for _, f := range reader.File {
		index[f.Name] = f
	}
	return &zipHandle{path: path, reader: reader, index: index}, nil
}

// ZipHandleCache is a bounded LRU of open zip archives, so paging through a book reuses
// the parsed central directory instead of re-reading it for every page.
type ZipHandleCache struct {
	max     int
	metrics *Metrics

	mu      sync.Mutex
	entries map[string]*zipHandle
	lru     *list.List // front = most recently used
	group   singleflight.Group
}

// NewZipHandleCache returns nil when maxOpen <= 0; a nil cache opens the archive per call.
func NewZipHandleCache(maxOpen int, metrics *Metrics) *ZipHandleCache {
	if maxOpen <= 0 {
		return nil
	}
	return &ZipHandleCache{
		max:     maxOpen,
		metrics: metrics,
		entries: make(map[string]*zipHandle),
		lru:     list.New(),
	}
}

// Acquire returns an open handle for path. Callers must pass it to Release when done.
func (c *ZipHandleCache) Acquire(path string) (*zipHandle, error) {
	if c == nil {
		h, err := openZipHandle(path)
		if err != nil {
			return nil, err
		}
		h.refs = 1
		return h, nil
	}

	// The handle opened by a flight can be evicted before this caller takes a
	// reference; retry a bounded number of times before opening privately.
	for attempt := 0; attempt < 3; attempt++ {
		if h := c.take(path); h != nil {
			return h, nil
		}

		_, err, _ := c.group.Do(path, func() (interface{}, error) {
			c.mu.Lock()
			if _, ok := c.entries[path]; ok {
				c.mu.Unlock()
				return nil, nil
			}
			c.mu.Unlock()

			h, err := openZipHandle(path)
			if err != nil {
				return nil, err
			}

			c.mu.Lock()
			defer c.mu.Unlock()
			if _, ok := c.entries[path]; ok {
				_ = h.reader.Close()
				return nil, nil
			}
			h.element = c.lru.PushFront(path)
			c.entries[path] = h
			for c.lru.Len() > c.max {
				c.evictBack()
			}
			c.metrics.SetZipHandlesOpen(len(c.entries))
			return nil, nil
		})
		if err != nil {
			return nil, err
		}
	}

	h, err := openZipHandle(path)
	if err != nil {
		return nil, err
	}
	h.refs = 1
	h.evicted = true
	return h, nil
}

func (c *ZipHandleCache) take(path string) *zipHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.entries[path]
	if !ok {
		return nil
	}
	c.lru.MoveToFront(h.element)
	h.refs++
	return h
}

// Release drops a reference obtained from Acquire.
func (c *ZipHandleCache) Release(h *zipHandle) {
	if h == nil {
		return
	}
	if c == nil {
		_ = h.reader.Close()
		return
	}
	c.mu.Lock()
	h.refs--
	closeNow := h.evicted && h.refs == 0
	c.mu.Unlock()
	if closeNow {
		_ = h.reader.Close()
	}
}

// evictBack removes the least recently used handle. Caller must hold c.mu.
func (c *ZipHandleCache) evictBack() {
	elem := c.lru.Back()
	if elem == nil {
		return
	}
	c.lru.Remove(elem)
	path, _ := elem.Value.(string) //nolint:errcheck // internal invariant: LRU list only contains string path values
	h, ok := c.entries[path]
	if !ok {
		return
	}
	delete(c.entries, path)
	h.evicted = true
	if h.refs == 0 {
		_ = h.reader.Close()
	}
	c.metrics.IncZipHandleEvictions()
}

// Len returns the number of cached handles.
func (c *ZipHandleCache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close closes every idle handle and marks in-use handles for closing on release.
func (c *ZipHandleCache) Close() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.lru.Len() > 0 {
		c.evictBack()
	}
	c.metrics.SetZipHandlesOpen(0)
}
